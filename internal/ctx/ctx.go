// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package ctx implements the process-wide Context singleton (§5):
// one compute device, one transfer queue/pool under a dedicated
// mutex, one FFT queue/pool under its own mutex, one pipeline cache,
// and one queue manager, with well-defined init and teardown in
// reverse order.
package ctx

import (
	"fmt"
	"sync"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/pipelinecache"
	"github.com/gviegas/scopecore/queue"
)

// Context is the single shared set of long-lived compute-core
// resources. Filters and buffers receive it (or the pieces they
// need) explicitly through constructors rather than reaching for a
// package-level global, per §9's replacement for the source's
// ad-hoc global singletons.
type Context struct {
	GPU     accel.GPU
	Queues  *queue.Manager
	Cache   *pipelinecache.Cache

	transferMu sync.Mutex
	transfer   *queue.Handle

	fftMu sync.Mutex
	fft   *queue.Handle

	closeOnce sync.Once
}

// New opens the named accelerator driver, builds its queue manager,
// acquires the dedicated transfer and FFT queue handles, and opens
// the on-disk pipeline cache for the device's identity. Teardown via
// Close() runs in the reverse order of these steps.
func New(driverName string) (*Context, error) {
	var drv accel.Driver
	for _, d := range accel.Drivers() {
		if d.Name() == driverName {
			drv = d
			break
		}
	}
	if drv == nil {
		return nil, fmt.Errorf("ctx: no driver registered as %q", driverName)
	}
	gpu, err := drv.Open()
	if err != nil {
		return nil, fmt.Errorf("ctx: opening %q: %w", driverName, err)
	}

	qm, err := queue.NewManager(gpu)
	if err != nil {
		return nil, fmt.Errorf("ctx: %w", err)
	}

	transfer, err := qm.Transfer("ctx.transfer")
	if err != nil {
		return nil, fmt.Errorf("ctx: %w", err)
	}
	fftQ, err := qm.Compute("ctx.fft")
	if err != nil {
		return nil, fmt.Errorf("ctx: %w", err)
	}

	id := pipelinecache.Identity{
		DeviceUUID: gpu.DeviceUUID(),
		DriverVer:  gpu.DriverVersion(),
		VendorVer:  0,
	}
	cache, err := pipelinecache.Open(id)
	if err != nil {
		return nil, fmt.Errorf("ctx: opening pipeline cache: %w", err)
	}

	return &Context{
		GPU:      gpu,
		Queues:   qm,
		Cache:    cache,
		transfer: transfer,
		fft:      fftQ,
	}, nil
}

// Transfer returns the dedicated transfer queue handle, guarded by
// the transfer mutex: callers must hold TransferLock for the
// duration of a blocking transfer and must not acquire it while
// holding a queue handle lock (§5 ordering rule).
func (c *Context) Transfer() *queue.Handle { return c.transfer }

// TransferLock acquires the transfer mutex.
func (c *Context) TransferLock() func() {
	c.transferMu.Lock()
	return c.transferMu.Unlock
}

// FFT returns the dedicated FFT queue handle.
func (c *Context) FFT() *queue.Handle { return c.fft }

// FFTLock acquires the FFT mutex.
func (c *Context) FFTLock() func() {
	c.fftMu.Lock()
	return c.fftMu.Unlock
}

// Close tears down the context in the reverse order of New: saves
// and closes the pipeline cache, releases the transfer and FFT queue
// handles, then closes the accelerator device. Safe to call more
// than once.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.Cache != nil {
			if e := c.Cache.Close(); e != nil {
				err = e
			}
		}
		if c.transfer != nil {
			c.transfer.Release()
		}
		if c.fft != nil {
			c.fft.Release()
		}
		if d, ok := c.GPU.(accel.Destroyer); ok {
			d.Destroy()
		}
	})
	return err
}
