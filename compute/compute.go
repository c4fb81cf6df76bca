// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package compute implements ComputePipeline: a wrapper around a
// single compute shader with deferred resource initialization,
// a descriptor-set layout derived from (N storage buffers,
// M storage images, K sampled images, push-constant block size),
// and dispatch helpers that transparently prepare
// DualResidentBuffer arguments for device access.
package compute

import (
	"fmt"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/dualbuf"
)

// Pipeline wraps one accel.Pipeline plus the bookkeeping needed to
// build it lazily and to bind buffers/images at dispatch time.
type Pipeline struct {
	gpu    accel.GPU
	path   string
	code   []byte
	layout accel.DescLayout

	pl   accel.Pipeline
	heap accel.DescHeap
}

// New creates a Pipeline for the given shader path (SPIR-V binary
// data, or the name of a registered software kernel) and descriptor
// layout. Resources are not created until the first call to
// Dispatch or Bind (deferred initialization, matching the teacher's
// discipline of not touching the device until first use).
func New(gpu accel.GPU, path string, code []byte, layout accel.DescLayout) *Pipeline {
	return &Pipeline{gpu: gpu, path: path, code: code, layout: layout}
}

// init lazily builds the shader, the pipeline and the descriptor
// heap.
func (p *Pipeline) init() error {
	if p.pl != nil {
		return nil
	}
	sc, err := p.gpu.NewShaderCode(p.path, p.code)
	if err != nil {
		return fmt.Errorf("compute: %s: %w", p.path, err)
	}
	pl, err := p.gpu.NewPipeline(&accel.CompState{Func: sc, Layout: p.layout})
	if err != nil {
		return fmt.Errorf("compute: %s: %w", p.path, err)
	}
	heap, err := p.gpu.NewDescHeap(p.layout)
	if err != nil {
		return fmt.Errorf("compute: %s: %w", p.path, err)
	}
	p.pl, p.heap = pl, heap
	return nil
}

// PushDescriptor reports whether this pipeline uses push
// descriptors (recreated per dispatch) rather than a resident,
// UpdateAfterBind descriptor set. It forces initialization.
func (p *Pipeline) PushDescriptor() (bool, error) {
	if err := p.init(); err != nil {
		return false, err
	}
	return p.pl.PushDescriptor(), nil
}

// BindBuffer binds buf at descriptor nr (within the storage-buffer
// range), transparently calling buf's device-prepare path (honoring
// outputOnly) before writing the descriptor.
func BindBuffer[T dualbuf.Trivial](p *Pipeline, cmd accel.CmdBuffer, nr int, buf *Buffer[T], outputOnly bool) error {
	return bindBuffer(p, cmd, nr, buf.inner, outputOnly)
}

// Buffer is a thin alias so filter packages can spell
// compute.Buffer[T] instead of reaching into dualbuf directly; it
// carries no behavior of its own.
type Buffer[T dualbuf.Trivial] struct{ inner *dualbuf.Buffer[T] }

// Wrap adapts an existing dualbuf.Buffer for use with BindBuffer.
func Wrap[T dualbuf.Trivial](b *dualbuf.Buffer[T]) *Buffer[T] { return &Buffer[T]{b} }

func bindBuffer[T dualbuf.Trivial](p *Pipeline, cmd accel.CmdBuffer, nr int, buf *dualbuf.Buffer[T], outputOnly bool) error {
	if err := p.init(); err != nil {
		return err
	}
	if err := buf.PrepareForDeviceAccessCmd(cmd, outputOnly); err != nil {
		return err
	}
	dev := buf.Device()
	if dev == nil {
		return fmt.Errorf("compute: %s: nil device buffer at binding %d", p.path, nr)
	}
	p.heap.SetBuffer(nr, dev, 0, dev.Cap())
	return nil
}

// Dispatch binds the pipeline and descriptor heap, records push
// constants, and issues a group dispatch of (gx, gy, gz) groups.
// Callers must have bound every required descriptor via BindBuffer
// beforehand.
func (p *Pipeline) Dispatch(cmd accel.CmdBuffer, push []byte, gx, gy, gz int) error {
	if err := p.init(); err != nil {
		return err
	}
	cmd.SetPipeline(p.pl)
	cmd.SetDescTable(p.heap)
	if len(push) > 0 {
		cmd.PushConstants(push)
	}
	cmd.Dispatch(gx, gy, gz)
	return nil
}

// AddComputeMemoryBarrier inserts a shader-write -> shader-read
// barrier, used between two dispatches in the same command buffer
// that have a read-after-write dependency.
func AddComputeMemoryBarrier(cmd accel.CmdBuffer) {
	cmd.Barrier(accel.Barrier{
		SyncBefore:   accel.SComputeShading,
		SyncAfter:    accel.SComputeShading,
		AccessBefore: accel.AShaderWrite,
		AccessAfter:  accel.AShaderRead,
	})
}

// Destroy releases the underlying pipeline and descriptor heap, if
// created.
func (p *Pipeline) Destroy() {
	if p.heap != nil {
		p.heap.Destroy()
		p.heap = nil
	}
	if p.pl != nil {
		p.pl.Destroy()
		p.pl = nil
	}
}
