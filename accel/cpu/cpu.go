// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package cpu implements accel.Driver/accel.GPU as a software
// backend. It exists so that every filter in this module can be
// written once against the accel interfaces and exercise both its
// GPU-dispatch code path and its CPU-fallback code path without a
// physical accelerator or a cgo toolchain: "shaders" are registered
// Go closures keyed by the path string that would otherwise name a
// SPIR-V binary, and dispatches run those closures synchronously
// under the queue's mutex.
package cpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gviegas/scopecore/accel"
)

const driverName = "cpu"

// Kernel is the software realization of a compute shader entry
// point. It receives the bound descriptor heap, the raw
// push-constant bytes and the dispatched group counts.
type Kernel func(heap *DescHeap, push []byte, gx, gy, gz int)

// Register registers a kernel under path, the same string that
// would otherwise identify a SPIR-V binary on disk. Filter packages
// call this from their init functions.
func Register(path string, k Kernel) {
	kernelMu.Lock()
	defer kernelMu.Unlock()
	kernels[path] = k
}

var (
	kernelMu sync.Mutex
	kernels  = make(map[string]Kernel)
)

// Caps controls the capability bits the software device reports.
// Tests toggle this to exercise both the GPU-dispatch path and the
// CPU-fallback path of each filter.
var Caps = accel.CapInt64 | accel.CapAtomicInt64 | accel.CapPushDescriptor

func init() { accel.Register(new(driver)) }

// driver implements accel.Driver.
type driver struct {
	mu   sync.Mutex
	open bool
	gpu  *gpu
}

func (d *driver) Name() string { return driverName }

func (d *driver) Open() (accel.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return d.gpu, nil
	}
	d.gpu = &gpu{drv: d, uuid: uuid.New()}
	d.open = true
	return d.gpu, nil
}

func (d *driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.gpu = nil
}

// gpu implements accel.GPU.
type gpu struct {
	drv  *driver
	uuid uuid.UUID
}

func (g *gpu) Driver() accel.Driver { return g.drv }

func (g *gpu) Caps() accel.Cap { return Caps }

func (g *gpu) QueueFamilies() []accel.QueueFamily {
	// A single family capable of everything this module needs;
	// the software backend has no reason to model separate
	// compute/transfer/graphics families, but queue.Manager still
	// exercises its capability-matching logic against this list.
	return []accel.QueueFamily{
		{Flags: accel.QCompute | accel.QTransfer, Count: 4},
	}
}

func (g *gpu) NewQueue(family int) (accel.Queue, error) {
	if family != 0 {
		return nil, errors.New("cpu: invalid queue family")
	}
	return &queue{flags: accel.QCompute | accel.QTransfer}, nil
}

func (g *gpu) Commit(q accel.Queue, cb []accel.CmdBuffer) (accel.Fence, error) {
	qq, ok := q.(*queue)
	if !ok {
		return nil, errors.New("cpu: queue not created by this GPU")
	}
	qq.mu.Lock()
	defer qq.mu.Unlock()
	f := &fence{done: true}
	for _, c := range cb {
		cc := c.(*cmdBuffer)
		if cc.recording {
			f.err = errors.New("cpu: commit of command buffer still recording")
			return f, f.err
		}
		for _, op := range cc.ops {
			if err := op(); err != nil {
				f.err = err
				return f, nil
			}
		}
	}
	return f, nil
}

func (g *gpu) NewCmdBuffer() (accel.CmdBuffer, error) {
	return &cmdBuffer{}, nil
}

func (g *gpu) NewShaderCode(path string, data []byte) (accel.ShaderCode, error) {
	return &shaderCode{path: path}, nil
}

func (g *gpu) NewDescHeap(layout accel.DescLayout) (accel.DescHeap, error) {
	return &DescHeap{
		layout:  layout,
		buffers: make([]boundBuffer, layout.NumBuffers),
		images:  make([]accel.Image, layout.NumStorageImages+layout.NumSampledImages),
	}, nil
}

func (g *gpu) NewPipeline(state *accel.CompState) (accel.Pipeline, error) {
	if state == nil || state.Func == nil {
		return nil, errors.New("cpu: nil compute state")
	}
	return &pipeline{state: *state}, nil
}

func (g *gpu) NewBuffer(size int64, visible bool, usg accel.Usage) (accel.Buffer, error) {
	if size <= 0 {
		return nil, errors.New("cpu: zero-size buffer")
	}
	return &buffer{data: make([]byte, size), visible: visible}, nil
}

func (g *gpu) DeviceUUID() [16]byte { return g.uuid }

func (g *gpu) DriverVersion() uint32 { return 1 }

// queue implements accel.Queue.
type queue struct {
	mu    sync.Mutex
	flags accel.QueueFlag
}

func (q *queue) Destroy()                  {}
func (q *queue) Flags() accel.QueueFlag    { return q.flags }

// fence implements accel.Fence. The software backend executes
// commands synchronously on Commit, so fences are always
// pre-signaled.
type fence struct {
	done bool
	err  error
}

func (f *fence) Wait() error { return f.err }
func (f *fence) Done() bool  { return f.done }

// shaderCode implements accel.ShaderCode.
type shaderCode struct{ path string }

func (s *shaderCode) Destroy()      {}
func (s *shaderCode) Path() string  { return s.path }

// pipeline implements accel.Pipeline.
type pipeline struct{ state accel.CompState }

func (p *pipeline) Destroy() {}

// PushDescriptor always reports true on the software backend: it
// has no reason to prefer the UpdateAfterBind pool path, since it
// holds no real descriptor-set objects. Capability gating in
// filters (CapPushDescriptor) is independent of this and is what
// actually selects the code path under test.
func (p *pipeline) PushDescriptor() bool { return true }

// boundBuffer records a buffer binding plus the sub-range a
// dispatch is allowed to touch.
type boundBuffer struct {
	buf      accel.Buffer
	off, len int64
}

// DescHeap implements accel.DescHeap. It is exported so kernel
// functions (which live in other packages) can read back bindings.
type DescHeap struct {
	layout  accel.DescLayout
	buffers []boundBuffer
	images  []accel.Image
}

func (h *DescHeap) Destroy() {}

func (h *DescHeap) SetBuffer(nr int, buf accel.Buffer, off, size int64) {
	h.buffers[nr] = boundBuffer{buf, off, size}
}

func (h *DescHeap) SetImage(nr int, img accel.Image) {
	h.images[nr] = img
}

// Buffer returns the raw bytes bound at descriptor nr, already
// sliced to the bound range.
func (h *DescHeap) Buffer(nr int) []byte {
	b := h.buffers[nr]
	if b.buf == nil {
		return nil
	}
	data := b.buf.Bytes()
	if data == nil {
		return nil
	}
	end := b.off + b.len
	if b.len == 0 {
		end = int64(len(data))
	}
	return data[b.off:end]
}

// buffer implements accel.Buffer.
type buffer struct {
	data    []byte
	visible bool
}

func (b *buffer) Destroy()         {}
func (b *buffer) Visible() bool    { return b.visible }
func (b *buffer) Bytes() []byte    { return b.data }
func (b *buffer) Cap() int64       { return int64(len(b.data)) }

// cmdBuffer implements accel.CmdBuffer. Recorded commands are
// represented as a queue of closures ("ops"), executed in order
// when the owning queue commits the buffer.
type cmdBuffer struct {
	recording bool
	inWork    bool
	inBlit    bool
	curPipe   *pipeline
	curDesc   *DescHeap
	curPush   []byte
	ops       []func() error
}

func (c *cmdBuffer) Destroy() {}

func (c *cmdBuffer) Begin() error {
	if c.recording {
		return errors.New("cpu: command buffer already recording")
	}
	c.recording = true
	c.ops = c.ops[:0]
	return nil
}

func (c *cmdBuffer) IsRecording() bool { return c.recording }

func (c *cmdBuffer) BeginWork() { c.inWork = true }
func (c *cmdBuffer) EndWork()   { c.inWork = false }
func (c *cmdBuffer) BeginBlit() { c.inBlit = true }
func (c *cmdBuffer) EndBlit()   { c.inBlit = false }

func (c *cmdBuffer) SetPipeline(pl accel.Pipeline) {
	c.curPipe = pl.(*pipeline)
}

func (c *cmdBuffer) SetDescTable(dh accel.DescHeap) {
	c.curDesc = dh.(*DescHeap)
}

func (c *cmdBuffer) PushConstants(data []byte) {
	c.curPush = append([]byte(nil), data...)
}

func (c *cmdBuffer) Dispatch(gx, gy, gz int) {
	pipe, desc, push := c.curPipe, c.curDesc, c.curPush
	if !c.inWork {
		c.ops = append(c.ops, func() error {
			return errors.New("cpu: Dispatch outside BeginWork/EndWork")
		})
		return
	}
	path := pipe.state.Func.Path()
	c.ops = append(c.ops, func() error {
		kernelMu.Lock()
		k, ok := kernels[path]
		kernelMu.Unlock()
		if !ok {
			return fmt.Errorf("cpu: no kernel registered for %q", path)
		}
		k(desc, push, gx, gy, gz)
		return nil
	})
}

func (c *cmdBuffer) CopyBuffer(param *accel.BufferCopy) {
	if !c.inBlit {
		c.ops = append(c.ops, func() error {
			return errors.New("cpu: CopyBuffer outside BeginBlit/EndBlit")
		})
		return
	}
	c.ops = append(c.ops, func() error {
		from := param.From.Bytes()
		to := param.To.Bytes()
		if from == nil || to == nil {
			return errors.New("cpu: CopyBuffer on non-visible buffer")
		}
		copy(to[param.ToOff:param.ToOff+param.Size], from[param.FromOff:param.FromOff+param.Size])
		return nil
	})
}

func (c *cmdBuffer) Barrier(b accel.Barrier) {
	// The software backend executes ops strictly in recorded
	// order, so a barrier is a no-op beyond documenting intent.
}

func (c *cmdBuffer) End() error {
	if !c.recording {
		return errors.New("cpu: End without Begin")
	}
	c.recording = false
	return nil
}

func (c *cmdBuffer) Reset() error {
	c.recording = false
	c.ops = c.ops[:0]
	c.curPipe = nil
	c.curDesc = nil
	c.curPush = nil
	return nil
}
