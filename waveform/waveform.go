// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package waveform implements Stream and Waveform: the typed
// channel/metadata pair flowing between filter graph nodes, built on
// top of dualbuf's dual-resident buffers. Two storage disciplines
// (Uniform, Sparse) and a density-function 2-D variant (eye pattern,
// spectrogram, waterfall, constellation) are provided.
package waveform

import (
	"fmt"
	"sync/atomic"

	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/unit"
)

// StreamType enumerates the kinds of data a Stream may carry.
type StreamType int

// Stream types.
const (
	Undefined StreamType = iota
	Analog
	Digital
	DigitalBus
	Eye
	Spectrogram
	Waterfall
	Constellation
	Trigger
	ProtocolMessage
	AnalogScalar
)

// Flag is a bitmask of rendering/behavior hints attached to a
// Stream.
type Flag int

// DoNotInterpolate instructs renderers not to linearly interpolate
// between samples (used for discrete/logic-level data).
const DoNotInterpolate Flag = 1 << iota

// Stream identifies one named output (or input) channel of a filter
// graph node: a unit, a display name, a type tag and rendering
// flags. A Stream does not itself own sample storage; it is paired
// with a Waveform via a stream's "set data" operation.
type Stream struct {
	Unit  unit.Type
	Name  string
	Type  StreamType
	Flags Flag
}

// HasFlag reports whether f is set on s.
func (s Stream) HasFlag(f Flag) bool { return s.Flags&f != 0 }

// Waveform is the common metadata every waveform variant carries,
// embedded by Uniform, Sparse and DensityFunction.
type Waveform struct {
	Timescale         int64 // fs per tick
	StartEpochSeconds int64
	StartFemtoseconds int64
	TriggerPhase      int64 // fs

	Clipped bool

	revision atomic.Int64
}

// Revision returns the current monotonically increasing revision
// counter. Downstream caches key invalidation on this value.
func (w *Waveform) Revision() int64 { return w.revision.Load() }

// bump increments and returns the new revision; every mutating
// method on the concrete waveform types below calls this.
func (w *Waveform) bump() int64 { return w.revision.Add(1) }

// Uniform is a waveform whose samples are stored contiguously with
// an implicit per-index offset and unit duration.
type Uniform[T dualbuf.Trivial] struct {
	Waveform
	Samples *dualbuf.Buffer[T]
}

// NewUniform creates an empty Uniform waveform backed by a freshly
// allocated dual-resident buffer.
func NewUniform[T dualbuf.Trivial](name string, hostHint, deviceHint dualbuf.Hint) *Uniform[T] {
	return &Uniform[T]{Samples: dualbuf.New[T](name, hostHint, deviceHint)}
}

// Len returns the number of samples.
func (u *Uniform[T]) Len() int { return u.Samples.Size() }

// At returns the sample at index i, with an implicit offset of i
// ticks and unit duration.
func (u *Uniform[T]) At(i int) T { return u.Samples.At(i) }

// MarkModifiedFromHost records a host-side mutation and bumps the
// revision counter.
func (u *Uniform[T]) MarkModifiedFromHost() {
	u.Samples.MarkModifiedFromHost()
	u.bump()
}

// MarkModifiedFromDevice records a device-side mutation and bumps
// the revision counter.
func (u *Uniform[T]) MarkModifiedFromDevice() {
	u.Samples.MarkModifiedFromDevice()
	u.bump()
}

// Sparse is a waveform whose samples carry explicit, monotonically
// non-decreasing offsets and per-sample durations.
type Sparse[T dualbuf.Trivial] struct {
	Waveform
	Offsets   *dualbuf.Buffer[int64]
	Durations *dualbuf.Buffer[int64]
	Samples   *dualbuf.Buffer[T]
}

// NewSparse creates an empty Sparse waveform; all three arrays share
// the same residency hints.
func NewSparse[T dualbuf.Trivial](name string, hostHint, deviceHint dualbuf.Hint) *Sparse[T] {
	return &Sparse[T]{
		Offsets:   dualbuf.New[int64](name+".offsets", hostHint, deviceHint),
		Durations: dualbuf.New[int64](name+".durations", hostHint, deviceHint),
		Samples:   dualbuf.New[T](name+".samples", hostHint, deviceHint),
	}
}

// Len returns the number of (offset, duration, sample) triples.
func (s *Sparse[T]) Len() int { return s.Samples.Size() }

// PushBack appends one (offset, duration, sample) triple. The caller
// is responsible for offsets being non-decreasing (see §3
// invariants); this is not enforced so that filters may build
// waveforms in bulk before validating once.
func (s *Sparse[T]) PushBack(offset, duration int64, v T) error {
	if err := s.Offsets.PushBack(offset); err != nil {
		return err
	}
	if err := s.Durations.PushBack(duration); err != nil {
		return err
	}
	if err := s.Samples.PushBack(v); err != nil {
		return err
	}
	return nil
}

// MarkModifiedFromHost records a host-side mutation across all three
// arrays and bumps the revision counter once.
func (s *Sparse[T]) MarkModifiedFromHost() {
	s.Offsets.MarkModifiedFromHost()
	s.Durations.MarkModifiedFromHost()
	s.Samples.MarkModifiedFromHost()
	s.bump()
}

// MarkModifiedFromDevice is the device-side analog of
// MarkModifiedFromHost.
func (s *Sparse[T]) MarkModifiedFromDevice() {
	s.Offsets.MarkModifiedFromDevice()
	s.Durations.MarkModifiedFromDevice()
	s.Samples.MarkModifiedFromDevice()
	s.bump()
}

// EyeType distinguishes a normal eye-pattern accumulation from a
// bit-error-rate (BER) eye, which changes the mask hit-rate
// denominator.
type EyeType int

// Eye types.
const (
	NormalEye EyeType = iota
	BEREye
)

// DensityFunction is a width×height 2-D accumulator waveform: the
// common shape for eye patterns, spectrograms, waterfalls and
// constellations. Accum holds the raw (typically i64) accumulator;
// Output holds the normalized f32 presentation data written by a
// filter's Normalize step.
type DensityFunction struct {
	Waveform

	Width, Height int

	Accum  *dualbuf.Buffer[int64]
	Output *dualbuf.Buffer[float32]

	// Eye-specific fields; zero-valued when not an eye waveform.
	UIWidth         int64 // fs
	SaturationLevel float64
	CenterVoltage   float64
	NumLevels       int
	TotalUIs        int64
	TotalSamples    int64
	MaskHitRate     float64
	EyeType         EyeType

	// Constellation-specific.
	TotalSymbols int64

	// Spectrogram/waterfall-specific.
	BinSize    float64 // Hz
	BottomEdge float64 // Hz
}

// NewDensityFunction allocates a width×height accumulator/output
// pair. The accumulator and output buffers default to device-and-
// host likely (mirrored), matching the mixed GPU-write/host-read
// access pattern every density-function filter uses.
func NewDensityFunction(name string, width, height int) (*DensityFunction, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("waveform: invalid density-function size %dx%d", width, height)
	}
	d := &DensityFunction{
		Width:  width,
		Height: height,
		Accum:  dualbuf.New[int64](name+".accum", dualbuf.Likely, dualbuf.Likely),
		Output: dualbuf.New[float32](name+".output", dualbuf.Likely, dualbuf.Likely),
	}
	if err := d.Accum.Resize(width * height); err != nil {
		return nil, err
	}
	if err := d.Output.Resize(width * height); err != nil {
		return nil, err
	}
	return d, nil
}

// Clear zeroes the accumulator (host side) and bumps the revision.
// Callers clear whenever centerVoltage or clockAlignment changes,
// per §4.8.
func (d *DensityFunction) Clear() {
	h := d.Accum.Host()
	for i := range h {
		h[i] = 0
	}
	d.Accum.MarkModifiedFromHost()
	d.TotalUIs = 0
	d.TotalSamples = 0
	d.bump()
}

// MarkModifiedFromDevice records a device-side mutation to either
// buffer and bumps the revision.
func (d *DensityFunction) MarkModifiedFromDevice() {
	d.Accum.MarkModifiedFromDevice()
	d.Output.MarkModifiedFromDevice()
	d.bump()
}

// MarkModifiedFromHost is the host-side analog.
func (d *DensityFunction) MarkModifiedFromHost() {
	d.Accum.MarkModifiedFromHost()
	d.Output.MarkModifiedFromHost()
	d.bump()
}

// Owner holds the single waveform currently assigned to a Stream.
// SetData transfers ownership, releasing any previously-held
// waveform, matching the §3 "owned by exactly one stream at a time"
// rule. Any is typically one of *Uniform[T], *Sparse[T] or
// *DensityFunction.
type Owner struct {
	Stream Stream
	data   any
}

// SetData transfers ownership of v to the stream, releasing the
// previous waveform (if it implements Destroyer, Destroy is called).
func (o *Owner) SetData(v any) {
	if d, ok := o.data.(interface{ Destroy() }); ok {
		d.Destroy()
	}
	o.data = v
}

// Data returns the currently owned waveform, or nil.
func (o *Owner) Data() any { return o.data }

// Destroy releases the backing buffers of a Uniform waveform.
func (u *Uniform[T]) Destroy() { u.Samples.Destroy() }

// Destroy releases the backing buffers of a Sparse waveform.
func (s *Sparse[T]) Destroy() {
	s.Offsets.Destroy()
	s.Durations.Destroy()
	s.Samples.Destroy()
}

// Destroy releases the backing buffers of a DensityFunction
// waveform.
func (d *DensityFunction) Destroy() {
	d.Accum.Destroy()
	d.Output.Destroy()
}
