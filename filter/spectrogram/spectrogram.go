// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package spectrogram implements Spectrogram and Waterfall (§4.9):
// batched-FFT density-function waveforms over a uniform analog
// input, and a scrolling single-spectrum history view.
package spectrogram

import (
	"fmt"
	"math"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/fft"
	"github.com/gviegas/scopecore/waveform"
)

// Params bundles the spectrogram's tunable inputs.
type Params struct {
	BlockLen   int // L, power of two in [64, 32768]
	SampleHz   float64
	RangeMinDB float64
	RangeMaxDB float64
}

// Run partitions in into floor(N/L) non-overlapping blocks, runs a
// batched forward FFT, and converts each block to a normalized dB
// column.
func Run(gpu accel.GPU, cmd accel.CmdBuffer, in *waveform.Uniform[float32], p Params) (*waveform.DensityFunction, error) {
	if p.BlockLen < 64 || p.BlockLen > 32768 || p.BlockLen&(p.BlockLen-1) != 0 {
		return nil, fmt.Errorf("spectrogram: invalid block length %d", p.BlockLen)
	}
	numBlocks := in.Len() / p.BlockLen
	if numBlocks == 0 {
		return nil, fmt.Errorf("spectrogram: input too short for block length %d", p.BlockLen)
	}
	height := p.BlockLen/2 + 1

	df, err := waveform.NewDensityFunction("Spectrogram.out", numBlocks, height)
	if err != nil {
		return nil, err
	}
	df.BinSize = math.Round(p.SampleHz / float64(p.BlockLen))

	plan, err := fft.NewPlan(fft.Forward, fft.Real, p.BlockLen, numBlocks)
	if err != nil {
		return nil, err
	}

	host := in.Samples.Host()
	real := make([]float64, numBlocks*p.BlockLen)
	for b := 0; b < numBlocks; b++ {
		windowBlock(real[b*p.BlockLen : (b+1)*p.BlockLen], host[b*p.BlockLen:(b+1)*p.BlockLen])
	}
	spectra, err := plan.AppendForward(cmd, real, nil, nil)
	if err != nil {
		return nil, err
	}

	out := df.Output.Host()
	rangeSpan := p.RangeMaxDB - p.RangeMinDB
	for b := 0; b < numBlocks; b++ {
		for k := 0; k < height; k++ {
			c := spectra[b*height+k]
			re, im := real(c), imag(c)
			mag2 := re*re + im*im
			db := 10 * math.Log10(mag2+1e-300)
			norm := (db - p.RangeMinDB) / rangeSpan
			if norm < 0 {
				norm = 0
			}
			if norm > 1 {
				norm = 1
			}
			out[k*numBlocks+b] = float32(norm)
		}
	}
	df.MarkModifiedFromHost()
	return df, nil
}

func windowBlock(dst []float64, src []float32) {
	n := len(dst)
	for i := range dst {
		// Hann window (the same formula as the FFT filter's Hann option).
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		dst[i] = float64(src[i]) * w
	}
}

// Waterfall carries the scrolling single-spectrum history view: each
// refresh resamples the current input spectrum onto a fixed column
// count, shifts existing rows down by one, and writes the new row at
// the top.
type Waterfall struct {
	Accum *waveform.DensityFunction
}

// NewWaterfall allocates a width(columns)×height(rows) waterfall.
func NewWaterfall(columns, rows int) (*Waterfall, error) {
	df, err := waveform.NewDensityFunction("Waterfall.out", columns, rows)
	if err != nil {
		return nil, err
	}
	return &Waterfall{Accum: df}, nil
}

// Refresh resamples spectrum (one row, arbitrary length, values
// already normalized to [0,1]) onto the waterfall's column count and
// scrolls the history down by one row.
func (w *Waterfall) Refresh(spectrum []float32) {
	cols, rows := w.Accum.Width, w.Accum.Height
	out := w.Accum.Output.Host()

	// Shift rows 0..rows-2 down to 1..rows-1 (row 0 is the newest).
	copy(out[cols:], out[:cols*(rows-1)])

	resampled := resampleLinear(spectrum, cols)
	copy(out[:cols], resampled)

	w.Accum.MarkModifiedFromHost()
}

func resampleLinear(src []float32, n int) []float32 {
	out := make([]float32, n)
	if len(src) == 0 {
		return out
	}
	if len(src) == 1 {
		for i := range out {
			out[i] = src[0]
		}
		return out
	}
	for i := 0; i < n; i++ {
		pos := float64(i) / float64(n-1) * float64(len(src)-1)
		lo := int(pos)
		if lo >= len(src)-1 {
			out[i] = src[len(src)-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = float32((1-frac)*float64(src[lo]) + frac*float64(src[lo+1]))
	}
	return out
}
