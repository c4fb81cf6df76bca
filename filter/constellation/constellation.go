// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package constellation implements the Constellation filter
// (§4.11): integrates two analog inputs (I, Q) onto a 2-D pixel
// grid, tracks a running EVM estimate against an optional modulation
// scheme's nominal points, and supports a histogram-based
// "Normalize" autoscale action.
package constellation

import (
	"math"

	"github.com/aclements/go-moremath/stats"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/waveform"
)

// Modulation selects the nominal constellation point set used for
// EVM computation.
type Modulation int

// Modulation schemes.
const (
	ModNone Modulation = iota
	QAM4
	QAM9
	QAM16
	QAM32
	QAM64
	PSK8
)

// NominalPoints returns the canonical (I, Q) points for m, or nil
// for ModNone.
func NominalPoints(m Modulation) [][2]float64 {
	switch m {
	case QAM4:
		return gridPoints(2, 1)
	case QAM9:
		return gridPoints(3, 1)
	case QAM16:
		return gridPoints(4, 1)
	case QAM32:
		return crossPoints(32)
	case QAM64:
		return gridPoints(8, 1)
	case PSK8:
		pts := make([][2]float64, 8)
		for i := range pts {
			a := 2 * math.Pi * float64(i) / 8
			pts[i] = [2]float64{math.Cos(a), math.Sin(a)}
		}
		return pts
	}
	return nil
}

func gridPoints(side int, step float64) [][2]float64 {
	pts := make([][2]float64, 0, side*side)
	off := float64(side-1) / 2
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			pts = append(pts, [2]float64{(float64(x) - off) * step, (float64(y) - off) * step})
		}
	}
	return pts
}

// crossPoints builds a cross constellation (QAM-32-style: 6x6 grid
// with the four corners removed).
func crossPoints(n int) [][2]float64 {
	pts := gridPoints(6, 1)
	// Remove the four corner points of the 6x6 grid to approximate a
	// cross constellation with 32 points.
	corners := map[[2]float64]bool{
		{-2.5, -2.5}: true, {-2.5, 2.5}: true, {2.5, -2.5}: true, {2.5, 2.5}: true,
	}
	out := pts[:0]
	for _, p := range pts {
		if !corners[p] {
			out = append(out, p)
		}
	}
	return out
}

// State is the running EVM accumulator carried between refreshes.
type State struct {
	Accum *waveform.DensityFunction

	Modulation Modulation
	Center     [2]float64
	Radius     float64

	sumSqErr float64
	sumSqRef float64
	count    int64
}

// NewState allocates a width×height accumulator.
func NewState(width, height int) (*State, error) {
	df, err := waveform.NewDensityFunction("Constellation.accum", width, height)
	if err != nil {
		return nil, err
	}
	return &State{Accum: df, Radius: 1}, nil
}

// Refresh integrates (i, q) sample pairs onto the grid and updates
// the running EVM statistics. Returns (evmVolts, evmPercent).
func (s *State) Refresh(gpu accel.GPU, cmd accel.CmdBuffer, i, q *waveform.Uniform[float32]) (evmVolts, evmPercent float64) {
	width, height := s.Accum.Width, s.Accum.Height
	accum := s.Accum.Accum.Host()
	ih, qh := i.Samples.Host(), q.Samples.Host()
	n := len(ih)
	if len(qh) < n {
		n = len(qh)
	}
	nominal := NominalPoints(s.Modulation)

	for k := 0; k < n; k++ {
		iv, qv := float64(ih[k]), float64(qh[k])
		x := int((iv-s.Center[0])/s.Radius*float64(width)/2 + float64(width)/2)
		y := int((qv-s.Center[1])/s.Radius*float64(height)/2 + float64(height)/2)
		if x >= 0 && x < width && y >= 0 && y < height {
			accum[y*width+x]++
		}
		if len(nominal) > 0 {
			ni, nq := nearest(nominal, (iv-s.Center[0])/s.Radius, (qv-s.Center[1])/s.Radius)
			dErr := math.Hypot((iv-s.Center[0])/s.Radius-ni, (qv-s.Center[1])/s.Radius-nq)
			s.sumSqErr += dErr * dErr
			s.sumSqRef += ni*ni + nq*nq
		}
		s.count++
	}
	s.Accum.TotalSymbols += int64(n)
	s.Accum.MarkModifiedFromHost()

	if s.count > 0 {
		evmVolts = math.Sqrt(s.sumSqErr/float64(s.count)) * s.Radius
	}
	if s.sumSqRef > 0 {
		evmPercent = math.Sqrt(s.sumSqErr/s.sumSqRef) * 100
	}
	return evmVolts, evmPercent
}

func nearest(pts [][2]float64, i, q float64) (ni, nq float64) {
	best := math.Inf(1)
	for _, p := range pts {
		d := math.Hypot(i-p[0], q-p[1])
		if d < best {
			best, ni, nq = d, p[0], p[1]
		}
	}
	return
}

// Normalize performs the histogram-based autoscale action: builds
// per-axis histograms of accumulated samples, finds the top-order
// peaks, and sets Center/Radius accordingly.
func (s *State) Normalize(order int) {
	width, height := s.Accum.Width, s.Accum.Height
	accum := s.Accum.Accum.Host()

	colSums := make([]float64, width)
	rowSums := make([]float64, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := float64(accum[y*width+x])
			colSums[x] += v
			rowSums[y] += v
		}
	}
	xPeaks := topPeaks(colSums, order)
	yPeaks := topPeaks(rowSums, order)
	if len(xPeaks) == 0 || len(yPeaks) == 0 {
		return
	}

	xSample := stats.Sample{Xs: toFloat(xPeaks)}
	ySample := stats.Sample{Xs: toFloat(yPeaks)}
	xMin, xMax := xSample.Bounds()
	yMin, yMax := ySample.Bounds()

	centerX := (xMin+xMax)/2 - float64(width)/2
	centerY := (yMin+yMax)/2 - float64(height)/2
	radius := math.Max(xMax-xMin, yMax-yMin) / 2
	if radius == 0 {
		radius = 1
	}

	s.Center = [2]float64{centerX / float64(width) * 2 * s.Radius, centerY / float64(height) * 2 * s.Radius}
	s.Radius = radius / float64(width) * 2 * s.Radius
}

func topPeaks(sums []float64, order int) []int {
	type cand struct {
		idx int
		val float64
	}
	var cands []cand
	for i := 1; i < len(sums)-1; i++ {
		if sums[i] > sums[i-1] && sums[i] >= sums[i+1] && sums[i] > 0 {
			cands = append(cands, cand{i, sums[i]})
		}
	}
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			if cands[j].val > cands[i].val {
				cands[i], cands[j] = cands[j], cands[i]
			}
		}
	}
	if len(cands) > order {
		cands = cands[:order]
	}
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.idx
	}
	return out
}

func toFloat(ints []int) []float64 {
	out := make([]float64, len(ints))
	for i, v := range ints {
		out[i] = float64(v)
	}
	return out
}
