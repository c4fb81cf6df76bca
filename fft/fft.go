// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package fft implements FFTPlan: a cached forward/inverse Fourier
// transform plan over real or complex time-domain data, used by the
// FFT-based filters (spectral magnitude, spectrogram/waterfall,
// coupler de-embed). No pack repo ships an FFT implementation, so
// plans are built on top of gonum.org/v1/gonum/dsp/fourier, the
// nearest ecosystem equivalent (see DESIGN.md).
package fft

import (
	"fmt"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/gviegas/scopecore/accel"
)

// Domain distinguishes real-valued from complex-valued time-domain
// input.
type Domain int

// Time-domain sample kinds.
const (
	Real Domain = iota
	Complex
)

// Direction selects forward (time -> frequency) or reverse
// (frequency -> time) transforms.
type Direction int

// Transform directions.
const (
	Forward Direction = iota
	Reverse
)

// key uniquely identifies a cached plan.
type key struct {
	dir        Direction
	dom        Domain
	n          int
	numBatches int
}

// Plan is a reusable Fourier-transform plan for a fixed transform
// length, domain and batch count. Plans are safe for concurrent use
// by multiple goroutines dispatching onto different batches, since
// the underlying gonum FFT/CmplxFFT objects hold no per-call mutable
// state beyond internal scratch buffers that gonum itself
// serializes via its own call contract (one transform at a time per
// plan instance); callers sharing a Plan across goroutines should
// serialize calls the same way they would serialize access to a
// single accel.CmdBuffer.
type Plan struct {
	key

	numOuts int // N/2+1 for R2C forward; N for C2C

	realFFT *fourier.FFT
	cmplxFFT *fourier.CmplxFFT

	mu sync.Mutex
}

// cache is the process-wide table of already-constructed plans,
// keyed by (direction, domain, N, numBatches). Building a gonum FFT
// plan precomputes twiddle factors, so reuse avoids repeating that
// work on every filter Refresh.
var (
	cacheMu sync.Mutex
	cache   = make(map[key]*Plan)
)

// NewPlan returns the cached plan for (dir, dom, n, numBatches),
// creating it if necessary.
func NewPlan(dir Direction, dom Domain, n, numBatches int) (*Plan, error) {
	if n <= 0 {
		return nil, fmt.Errorf("fft: invalid length %d", n)
	}
	if numBatches <= 0 {
		numBatches = 1
	}
	k := key{dir, dom, n, numBatches}

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if p, ok := cache[k]; ok {
		return p, nil
	}
	p := &Plan{key: k}
	switch dom {
	case Real:
		p.realFFT = fourier.NewFFT(n)
		p.numOuts = n/2 + 1
	case Complex:
		p.cmplxFFT = fourier.NewCmplxFFT(n)
		p.numOuts = n
	default:
		return nil, fmt.Errorf("fft: unknown domain %d", dom)
	}
	cache[k] = p
	return p, nil
}

// N returns the transform length.
func (p *Plan) N() int { return p.n }

// NumOuts returns the number of frequency-domain bins produced by a
// forward transform (N/2+1 for real input, N for complex input).
func (p *Plan) NumOuts() int { return p.numOuts }

// AppendForward runs the forward transform over dataIn (numBatches
// sequential blocks of length N, real or complex per the plan's
// domain) and appends the resulting complex spectra to dataOut, one
// block of NumOuts complex128 values per batch. cmd is accepted for
// symmetry with the accelerator dispatch surface the rest of the
// package uses; the CPU-only gonum backend executes synchronously
// and does not record into it, matching the capability-gated
// CPU-fallback path every filter already carries.
func (p *Plan) AppendForward(cmd accel.CmdBuffer, dataIn []float64, cdataIn []complex128, dataOut []complex128) ([]complex128, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.dom {
	case Real:
		need := p.numBatches * p.n
		if len(dataIn) < need {
			return nil, fmt.Errorf("fft: forward: need %d real samples, got %d", need, len(dataIn))
		}
		for b := 0; b < p.numBatches; b++ {
			in := dataIn[b*p.n : (b+1)*p.n]
			out := p.realFFT.Coefficients(nil, in)
			dataOut = append(dataOut, out...)
		}
	case Complex:
		need := p.numBatches * p.n
		if len(cdataIn) < need {
			return nil, fmt.Errorf("fft: forward: need %d complex samples, got %d", need, len(cdataIn))
		}
		for b := 0; b < p.numBatches; b++ {
			in := cdataIn[b*p.n : (b+1)*p.n]
			out := p.cmplxFFT.Coefficients(nil, in)
			dataOut = append(dataOut, out...)
		}
	}
	return dataOut, nil
}

// AppendReverse runs the inverse transform over dataIn (numBatches
// blocks of NumOuts complex128 values) and appends the time-domain
// result to dataOut (real-valued for a Real-domain plan, complex for
// a Complex-domain plan). gonum's Sequence is unnormalized:
// Sequence(Coefficients(x)) yields N*x. No scaling is applied here;
// callers that need a round trip divide by N.
func (p *Plan) AppendReverse(cmd accel.CmdBuffer, dataIn []complex128, realOut []float64, cplxOut []complex128) (rOut []float64, cOut []complex128, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	need := p.numBatches * p.numOuts
	if len(dataIn) < need {
		return nil, nil, fmt.Errorf("fft: reverse: need %d spectral samples, got %d", need, len(dataIn))
	}
	switch p.dom {
	case Real:
		for b := 0; b < p.numBatches; b++ {
			in := dataIn[b*p.numOuts : (b+1)*p.numOuts]
			out := p.realFFT.Sequence(nil, in)
			realOut = append(realOut, out...)
		}
		return realOut, nil, nil
	case Complex:
		for b := 0; b < p.numBatches; b++ {
			in := dataIn[b*p.numOuts : (b+1)*p.numOuts]
			out := p.cmplxFFT.Sequence(nil, in)
			cplxOut = append(cplxOut, out...)
		}
		return nil, cplxOut, nil
	}
	return nil, nil, fmt.Errorf("fft: unknown domain %d", p.dom)
}

// Magnitude computes the magnitude (in linear units) of a complex
// spectral bin. Filters that only need power/magnitude output (FFT
// filter, spectrogram) use this instead of carrying the full complex
// result forward.
func Magnitude(c complex128) float64 { return cmplx.Abs(c) }

// Phase computes the phase, in radians, of a complex spectral bin.
func Phase(c complex128) float64 { return cmplx.Phase(c) }
