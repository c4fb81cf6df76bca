// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package fftfilter implements the FFT filter (§4.7): a
// log-magnitude spectrum from a uniform analog input, with
// window-function selection, coherent-gain-corrected scaling, and
// host-side peak detection.
package fftfilter

import (
	"math"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/fft"
	"github.com/gviegas/scopecore/waveform"
)

// Window selects the window function applied before the forward
// FFT.
type Window int

// Window functions and their coherent power gains, in the order
// given by §4.7.
const (
	Rectangular Window = iota
	Hann
	Hamming
	BlackmanHarris
)

var coherentGain = [...]float64{
	Rectangular:    1,
	Hann:           2.013,
	Hamming:        1.862,
	BlackmanHarris: 2.805,
}

// CoherentGain returns the coherent power gain used to correct the
// final dBm scale for w.
func (w Window) CoherentGain() float64 { return coherentGain[w] }

func applyWindow(w Window, x []float64) {
	n := len(x)
	switch w {
	case Rectangular:
		return
	case Hann:
		for i := range x {
			x[i] *= 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		}
	case Hamming:
		for i := range x {
			x[i] *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		}
	case BlackmanHarris:
		const a0, a1, a2, a3 = 0.35875, 0.48829, 0.14128, 0.01168
		for i := range x {
			f := 2 * math.Pi * float64(i) / float64(n-1)
			x[i] *= a0 - a1*math.Cos(f) + a2*math.Cos(2*f) - a3*math.Cos(3*f)
		}
	}
}

// Params bundles the FFT filter's tunable inputs.
type Params struct {
	Window        Window
	ZeroPad       bool // if false, truncate to the nearest power of two
	SampleRateHz  float64
	NumPeaks      int
	SearchHz      float64
}

// Result holds the output spectrum and the detected peaks.
type Result struct {
	Spectrum *waveform.Uniform[float32] // dBm, one sample per bin
	BinSize  float64                    // Hz
	Peaks    []Peak
}

// Peak is one detected spectral peak, refined by a weighted average
// over its neighborhood.
type Peak struct {
	BinIndex float64
	FreqHz   float64
	DBm      float64
}

const loadImpedance = 50.0

// Run executes the full pipeline described in §4.7 against a uniform
// analog input.
func Run(gpu accel.GPU, cmd accel.CmdBuffer, in *waveform.Uniform[float32], p Params) (*Result, error) {
	nRaw := in.Len()
	n := nearestPowerOfTwo(nRaw, p.ZeroPad)

	real := make([]float64, n)
	numActual := nRaw
	if numActual > n {
		numActual = n
	}
	host := in.Samples.Host()
	for i := 0; i < numActual && i < len(host); i++ {
		real[i] = float64(host[i])
	}
	applyWindow(p.Window, real[:numActual])

	plan, err := fft.NewPlan(fft.Forward, fft.Real, n, 1)
	if err != nil {
		return nil, err
	}
	spectrum, err := plan.AppendForward(cmd, real, nil, nil)
	if err != nil {
		return nil, err
	}

	numOuts := plan.NumOuts()
	windowGain := p.Window.CoherentGain()
	scale := math.Pow(2/float64(numActual)*windowGain, 2)

	spec := waveform.NewUniform[float32]("FFTFilter.out.spectrum", dualbuf.Likely, dualbuf.Unlikely)
	binSize := math.Round(0.5 * p.SampleRateHz / float64(numOuts))
	spec.Timescale = int64(binSize) // reused as Hz-per-bin for this stream's axis
	spec.TriggerPhase = int64(binSize)

	dbm := make([]float64, numOuts)
	for k := 0; k < numOuts; k++ {
		mag2 := real2(spectrum[k])
		// mag2*scale is the squared peak voltage; halve it for RMS,
		// divide by the load for watts, and add 30 dB for mW.
		dbm[k] = 10*math.Log10(mag2*scale/2/loadImpedance+1e-300) + 30
		spec.Samples.PushBack(float32(dbm[k]))
	}
	spec.MarkModifiedFromHost()

	peaks := detectPeaks(dbm, binSize, p.NumPeaks, p.SearchHz)

	return &Result{Spectrum: spec, BinSize: binSize, Peaks: peaks}, nil
}

func real2(c complex128) float64 {
	r, i := real(c), imag(c)
	return r*r + i*i
}

func nearestPowerOfTwo(n int, zeroPad bool) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	if !zeroPad && p > n {
		p >>= 1
	}
	if p == 0 {
		p = 1
	}
	return p
}

// detectPeaks finds up to numPeaks local maxima separated by at
// least searchHz, refined by a weighted average over +-10 bins.
func detectPeaks(dbm []float64, binSize float64, numPeaks int, searchHz float64) []Peak {
	if numPeaks <= 0 {
		return nil
	}
	minSep := int(math.Ceil(searchHz / binSize))
	if minSep < 1 {
		minSep = 1
	}

	type cand struct {
		idx int
		val float64
	}
	var cands []cand
	for i := 1; i < len(dbm)-1; i++ {
		if dbm[i] > dbm[i-1] && dbm[i] >= dbm[i+1] {
			cands = append(cands, cand{i, dbm[i]})
		}
	}
	// Sort descending by value, greedily keep peaks separated by
	// minSep bins.
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			if cands[j].val > cands[i].val {
				cands[i], cands[j] = cands[j], cands[i]
			}
		}
	}
	var kept []cand
	for _, c := range cands {
		if len(kept) >= numPeaks {
			break
		}
		ok := true
		for _, k := range kept {
			if absInt(k.idx-c.idx) < minSep {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, c)
		}
	}

	peaks := make([]Peak, 0, len(kept))
	for _, c := range kept {
		lo, hi := c.idx-10, c.idx+10
		if lo < 0 {
			lo = 0
		}
		if hi >= len(dbm) {
			hi = len(dbm) - 1
		}
		var num, den float64
		for i := lo; i <= hi; i++ {
			w := linearFromDB(dbm[i])
			num += float64(i) * w
			den += w
		}
		bin := float64(c.idx)
		if den != 0 {
			bin = num / den
		}
		peaks = append(peaks, Peak{
			BinIndex: bin,
			FreqHz:   bin * binSize,
			DBm:      dbm[c.idx],
		})
	}
	return peaks
}

func linearFromDB(db float64) float64 { return math.Pow(10, db/10) }

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
