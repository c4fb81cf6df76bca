// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package eyepattern implements the eye-pattern integration filter
// (§4.8): accumulates an analog data waveform against a recovered
// clock into a width×height density-function waveform, with
// optional YAML mask testing.
package eyepattern

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"os"
	"sort"

	"golang.org/x/image/vector"
	"gopkg.in/yaml.v3"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/accel/cpu"
	"github.com/gviegas/scopecore/compute"
	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
)

// EYE_ACCUM_SCALE is the number of sub-pixel steps a single sample's
// weight is split across between its two bracketing rows.
const EYE_ACCUM_SCALE = 64

const (
	indexSearchKernelPath = "eyepattern.indexsearch"
	integrateKernelPath   = "eyepattern.integrate"

	// eyeNumThreads is the number of logical worker slices the
	// index-search/integrate kernel pair splits the sample range
	// across.
	eyeNumThreads = 64

	indexPushSize     = 40
	integratePushSize = 88
)

func init() {
	cpu.Register(indexSearchKernelPath, indexSearchKernel)
	cpu.Register(integrateKernelPath, integrateKernel)
}

// indexSearchKernel finds, for each of nThreads sample-range chunks,
// the clock-edge index bracketing the chunk's first sample, so the
// integrate kernel below can seed its local scan without a binary
// search over the full edge array per thread.
func indexSearchKernel(heap *cpu.DescHeap, push []byte, gx, gy, gz int) {
	timescale := int64(binary.LittleEndian.Uint64(push[0:8]))
	triggerPhase := int64(binary.LittleEndian.Uint64(push[8:16]))
	numSamplesPerThread := int64(binary.LittleEndian.Uint64(push[16:24]))
	numEdges := int64(binary.LittleEndian.Uint64(push[24:32]))
	nThreads := int64(binary.LittleEndian.Uint64(push[32:40]))

	edges := heap.Buffer(0)
	idx := heap.Buffer(1)

	edgeAt := func(i int64) int64 { return int64(binary.LittleEndian.Uint64(edges[i*8:])) }

	for t := int64(0); t < nThreads; t++ {
		target := triggerPhase + timescale*(t*numSamplesPerThread)
		var e int64
		if numEdges >= 2 {
			lo, hi := int64(0), numEdges-1
			for lo <= hi {
				mid := (lo + hi) / 2
				if edgeAt(mid) <= target {
					e = mid
					lo = mid + 1
				} else {
					hi = mid - 1
				}
			}
			if e > numEdges-2 {
				e = numEdges - 2
			}
		}
		binary.LittleEndian.PutUint64(idx[t*8:], uint64(e))
	}
}

// integrateKernel is the eye-pattern accumulation kernel: each thread
// walks its own slice of samples, advancing a local edge cursor
// seeded by indexSearchKernel, and accumulates sub-pixel weighted
// hits into the shared density buffer. A real shader backend would
// perform the accumulate with an atomic add; the software backend
// runs every "thread" to completion strictly in sequence, so a plain
// add already gives the same result.
func integrateKernel(heap *cpu.DescHeap, push []byte, gx, gy, gz int) {
	timescale := int64(binary.LittleEndian.Uint64(push[0:8]))
	triggerPhase := int64(binary.LittleEndian.Uint64(push[8:16]))
	centerVoltage := math.Float64frombits(binary.LittleEndian.Uint64(push[16:24]))
	verticalRange := math.Float64frombits(binary.LittleEndian.Uint64(push[24:32]))
	uiWidth := int64(binary.LittleEndian.Uint64(push[32:40]))
	width := int64(binary.LittleEndian.Uint64(push[40:48]))
	height := int64(binary.LittleEndian.Uint64(push[48:56]))
	numSamplesPerThread := int64(binary.LittleEndian.Uint64(push[56:64]))
	nThreads := int64(binary.LittleEndian.Uint64(push[64:72]))
	numEdges := int64(binary.LittleEndian.Uint64(push[72:80]))
	numSamples := int64(binary.LittleEndian.Uint64(push[80:88]))

	edges := heap.Buffer(0)
	samples := heap.Buffer(1)
	idxBuf := heap.Buffer(2)
	accum := heap.Buffer(3)
	counter := heap.Buffer(4)

	edgeAt := func(i int64) int64 { return int64(binary.LittleEndian.Uint64(edges[i*8:])) }
	sampleAt := func(i int64) float64 { return float64(math.Float32frombits(binary.LittleEndian.Uint32(samples[i*4:]))) }
	addAccum := func(i int64, v int64) {
		off := i * 8
		cur := int64(binary.LittleEndian.Uint64(accum[off:]))
		binary.LittleEndian.PutUint64(accum[off:], uint64(cur+v))
	}

	for t := int64(0); t < nThreads; t++ {
		start := t * numSamplesPerThread
		end := start + numSamplesPerThread
		if end > numSamples {
			end = numSamples
		}
		edgeIdx := int64(binary.LittleEndian.Uint64(idxBuf[t*8:]))
		var accepted int64
		for i := start; i < end; i++ {
			tTime := triggerPhase + timescale*i
			for edgeIdx+1 < numEdges && tTime >= edgeAt(edgeIdx+1) {
				edgeIdx++
			}
			if edgeIdx+1 >= numEdges {
				break
			}
			e0, e1 := edgeAt(edgeIdx), edgeAt(edgeIdx+1)
			if tTime < e0 {
				continue
			}
			if tTime-e0 > uiWidth && e1-tTime > uiWidth {
				continue
			}
			x := float64(tTime-e0) / float64(uiWidth) * float64(width) / 2
			if x < 0 {
				x = 0
			}
			if x >= float64(width) {
				x = float64(width) - 1
			}
			y := (sampleAt(i)-centerVoltage)/verticalRange*float64(height)/2 + float64(height)/2
			if y < 0 || y >= float64(height)-1 {
				continue
			}
			yLo := int64(math.Floor(y))
			frac := y - float64(yLo)
			wHi := int64(frac * EYE_ACCUM_SCALE)
			wLo := int64(EYE_ACCUM_SCALE) - wHi
			xi := int64(x)
			addAccum(yLo*width+xi, wLo)
			if yLo+1 < height {
				addAccum((yLo+1)*width+xi, wHi)
			}
			accepted++
		}
		binary.LittleEndian.PutUint64(counter[t*8:], uint64(accepted))
	}
}

// ClockEdgePolarity selects which recovered-clock edges are used.
type ClockEdgePolarity int

// Clock edge polarities.
const (
	Rising ClockEdgePolarity = iota
	Falling
	Both
)

// ClockAlignment selects whether edges are treated as eye centers or
// eye edges.
type ClockAlignment int

// Clock alignments.
const (
	Center ClockAlignment = iota
	Edge
)

// Params bundles the eye pattern's tunable inputs.
type Params struct {
	SaturationLevel   float64
	CenterVoltage     float64
	MaskPath          string
	ClockEdgePolarity ClockEdgePolarity
	VerticalRange     float64
	ClockAlignment    ClockAlignment
	BitRateFixed      bool
	BitRate           float64
	NumLevels         int
}

// State is the accumulator carried between refreshes.
type State struct {
	Accum *waveform.DensityFunction

	lastCenterVoltage  float64
	lastClockAlignment ClockAlignment
	initialized        bool
}

// NewState allocates a fresh width×height accumulator.
func NewState(width, height int) (*State, error) {
	df, err := waveform.NewDensityFunction("EyePattern.accum", width, height)
	if err != nil {
		return nil, err
	}
	return &State{Accum: df}, nil
}

// Refresh integrates data against clockEdges (fs timestamps, already
// filtered to the requested polarity and, when reused zero-copy from
// a CDR filter, already center-aligned per Both+CDR semantics) into
// the accumulator, per the CPU dense-path algorithm of §4.8.
func (s *State) Refresh(gpu accel.GPU, cmd accel.CmdBuffer, data *waveform.Uniform[float32], clockEdges []int64, p Params) error {
	if !s.initialized || p.CenterVoltage != s.lastCenterVoltage || p.ClockAlignment != s.lastClockAlignment {
		s.Accum.Clear()
		s.initialized = true
		s.lastCenterVoltage = p.CenterVoltage
		s.lastClockAlignment = p.ClockAlignment
	}
	if len(clockEdges) < 2 {
		return nil
	}

	uiWidth := estimateUIWidth(clockEdges, p.BitRateFixed, p.BitRate)
	edges := clockEdges
	if p.ClockAlignment == Edge {
		shift := uiWidth / 2
		shifted := make([]int64, len(edges))
		for i, e := range edges {
			shifted[i] = e + shift
		}
		edges = shifted
	}
	s.Accum.UIWidth = uiWidth
	s.Accum.SaturationLevel = p.SaturationLevel
	s.Accum.CenterVoltage = p.CenterVoltage
	s.Accum.NumLevels = p.NumLevels
	s.Accum.TotalUIs += int64(len(edges))

	if gpu != nil && cmd != nil && gpu.Caps().Has(accel.CapInt64) && gpu.Caps().Has(accel.CapAtomicInt64) {
		return s.refreshGPU(gpu, cmd, data, edges, p, uiWidth)
	}

	width, height := s.Accum.Width, s.Accum.Height
	accum := s.Accum.Accum.Host()
	host := data.Samples.Host()

	edgeIdx := 0
	for i, v := range host {
		t := data.TriggerPhase + data.Timescale*int64(i)
		for edgeIdx+1 < len(edges) && t >= edges[edgeIdx+1] {
			edgeIdx++
		}
		if edgeIdx+1 >= len(edges) {
			break
		}
		e0, e1 := edges[edgeIdx], edges[edgeIdx+1]
		if t < e0 {
			continue
		}
		if t-e0 > uiWidth && e1-t > uiWidth {
			continue // irregular sampling gap
		}
		x := float64(t-e0) / float64(uiWidth) * float64(width) / 2
		if x < 0 {
			x = 0
		}
		if x >= float64(width) {
			x = float64(width) - 1
		}
		y := (float64(v)-p.CenterVoltage)/p.VerticalRange*float64(height)/2 + float64(height)/2
		if y < 0 || y >= float64(height)-1 {
			continue
		}
		yLo := int(math.Floor(y))
		frac := y - float64(yLo)
		wHi := int64(frac * EYE_ACCUM_SCALE)
		wLo := EYE_ACCUM_SCALE - wHi
		xi := int(x)
		accum[yLo*width+xi] += wLo
		if yLo+1 < height {
			accum[(yLo+1)*width+xi] += wHi
		}
		s.Accum.TotalSamples++
	}
	s.Accum.MarkModifiedFromHost()
	return nil
}

// refreshGPU is the GPU-capable counterpart of Refresh's dense host
// loop: an index-search kernel seeds each of eyeNumThreads worker
// slices with its starting clock-edge index, then the integrate
// kernel accumulates every slice's samples into the shared density
// buffer.
func (s *State) refreshGPU(gpu accel.GPU, cmd accel.CmdBuffer, data *waveform.Uniform[float32], edges []int64, p Params, uiWidth int64) error {
	width, height := s.Accum.Width, s.Accum.Height
	n := int64(data.Len())

	data.Samples.Attach(gpu)
	s.Accum.Accum.Attach(gpu)

	edgeBuf := dualbuf.New[int64]("EyePattern.scratch.edges", dualbuf.Likely, dualbuf.Likely)
	edgeBuf.Attach(gpu)
	defer edgeBuf.Destroy()
	if err := edgeBuf.Reserve(len(edges)); err != nil {
		return err
	}
	for _, e := range edges {
		if err := edgeBuf.PushBack(e); err != nil {
			return err
		}
	}
	edgeBuf.MarkModifiedFromHost()

	idxBuf := dualbuf.New[int64]("EyePattern.scratch.index", dualbuf.Likely, dualbuf.Likely)
	idxBuf.Attach(gpu)
	defer idxBuf.Destroy()
	if err := idxBuf.Resize(eyeNumThreads); err != nil {
		return err
	}

	counterBuf := dualbuf.New[int64]("EyePattern.scratch.counter", dualbuf.Likely, dualbuf.Likely)
	counterBuf.Attach(gpu)
	defer counterBuf.Destroy()
	if err := counterBuf.Resize(eyeNumThreads); err != nil {
		return err
	}

	numSamplesPerThread := (n + eyeNumThreads - 1) / eyeNumThreads

	indexPl := compute.New(gpu, indexSearchKernelPath, nil, accel.DescLayout{NumBuffers: 2, PushConstSize: indexPushSize})
	defer indexPl.Destroy()
	integratePl := compute.New(gpu, integrateKernelPath, nil, accel.DescLayout{NumBuffers: 5, PushConstSize: integratePushSize})
	defer integratePl.Destroy()

	if !cmd.IsRecording() {
		if err := cmd.Begin(); err != nil {
			return err
		}
	}
	cmd.BeginWork()

	if err := compute.BindBuffer(indexPl, cmd, 0, compute.Wrap(edgeBuf), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(indexPl, cmd, 1, compute.Wrap(idxBuf), true); err != nil {
		return err
	}
	indexPush := make([]byte, indexPushSize)
	binary.LittleEndian.PutUint64(indexPush[0:8], uint64(data.Timescale))
	binary.LittleEndian.PutUint64(indexPush[8:16], uint64(data.TriggerPhase))
	binary.LittleEndian.PutUint64(indexPush[16:24], uint64(numSamplesPerThread))
	binary.LittleEndian.PutUint64(indexPush[24:32], uint64(len(edges)))
	binary.LittleEndian.PutUint64(indexPush[32:40], uint64(eyeNumThreads))
	if err := indexPl.Dispatch(cmd, indexPush, 1, 1, 1); err != nil {
		return err
	}
	compute.AddComputeMemoryBarrier(cmd)

	if err := compute.BindBuffer(integratePl, cmd, 0, compute.Wrap(edgeBuf), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(integratePl, cmd, 1, compute.Wrap(data.Samples), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(integratePl, cmd, 2, compute.Wrap(idxBuf), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(integratePl, cmd, 3, compute.Wrap(s.Accum.Accum), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(integratePl, cmd, 4, compute.Wrap(counterBuf), true); err != nil {
		return err
	}
	integratePush := make([]byte, integratePushSize)
	binary.LittleEndian.PutUint64(integratePush[0:8], uint64(data.Timescale))
	binary.LittleEndian.PutUint64(integratePush[8:16], uint64(data.TriggerPhase))
	binary.LittleEndian.PutUint64(integratePush[16:24], math.Float64bits(p.CenterVoltage))
	binary.LittleEndian.PutUint64(integratePush[24:32], math.Float64bits(p.VerticalRange))
	binary.LittleEndian.PutUint64(integratePush[32:40], uint64(uiWidth))
	binary.LittleEndian.PutUint64(integratePush[40:48], uint64(width))
	binary.LittleEndian.PutUint64(integratePush[48:56], uint64(height))
	binary.LittleEndian.PutUint64(integratePush[56:64], uint64(numSamplesPerThread))
	binary.LittleEndian.PutUint64(integratePush[64:72], uint64(eyeNumThreads))
	binary.LittleEndian.PutUint64(integratePush[72:80], uint64(len(edges)))
	binary.LittleEndian.PutUint64(integratePush[80:88], uint64(n))
	if err := integratePl.Dispatch(cmd, integratePush, 1, 1, 1); err != nil {
		return err
	}

	cmd.EndWork()
	if err := cmd.End(); err != nil {
		return err
	}

	q, err := gpu.NewQueue(0)
	if err != nil {
		return err
	}
	defer q.Destroy()
	f, err := gpu.Commit(q, []accel.CmdBuffer{cmd})
	if err != nil {
		return err
	}
	if err := f.Wait(); err != nil {
		return err
	}

	s.Accum.Accum.MarkModifiedFromDevice()
	if err := s.Accum.Accum.PrepareForHostAccess(); err != nil {
		return err
	}
	counterBuf.MarkModifiedFromDevice()
	if err := counterBuf.PrepareForHostAccess(); err != nil {
		return err
	}
	for _, c := range counterBuf.Host() {
		s.Accum.TotalSamples += c
	}
	s.Accum.MarkModifiedFromHost()
	return nil
}

// estimateUIWidth sorts the first <=1000 inter-edge intervals,
// discards the top/bottom 10%, and averages the rest.
func estimateUIWidth(edges []int64, fixed bool, bitRate float64) int64 {
	if fixed && bitRate > 0 {
		return int64(1e15 / bitRate)
	}
	n := len(edges) - 1
	if n > 1000 {
		n = 1000
	}
	if n <= 0 {
		return 0
	}
	intervals := make([]int64, n)
	for i := 0; i < n; i++ {
		intervals[i] = edges[i+1] - edges[i]
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	drop := n / 10
	kept := intervals[drop : n-drop]
	if len(kept) == 0 {
		kept = intervals
	}
	var sum int64
	for _, v := range kept {
		sum += v
	}
	return sum / int64(len(kept))
}

// Normalize writes out[i] = min(1, accum[i]*2*saturationLevel/max)
// into the output buffer.
func (s *State) Normalize() {
	accum := s.Accum.Accum.Host()
	out := s.Accum.Output.Host()
	var max int64
	for _, v := range accum {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		for i := range out {
			out[i] = 0
		}
		s.Accum.MarkModifiedFromHost()
		return
	}
	scale := 2 * s.Accum.SaturationLevel / float64(max)
	for i, v := range accum {
		n := float64(v) * scale
		if n > 1 {
			n = 1
		}
		out[i] = float32(n)
	}
	s.Accum.MarkModifiedFromHost()
}

// Mask is the parsed YAML eye-mask file (§6).
type Mask struct {
	Protocol struct {
		Name string `yaml:"name"`
	} `yaml:"protocol"`
	Units struct {
		XScale string `yaml:"xscale"`
		YScale string `yaml:"yscale"`
	} `yaml:"units"`
	Conditions struct {
		HitRate float64 `yaml:"hitrate"`
	} `yaml:"conditions"`
	Polygons []struct {
		Points []struct {
			X float64 `yaml:"x"`
			Y float64 `yaml:"y"`
		} `yaml:"points"`
	} `yaml:"mask"`
}

// LoadMask parses a mask file at path.
func LoadMask(path string) (*Mask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Mask
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("eyepattern: parsing mask %s: %w", path, err)
	}
	return &m, nil
}

// Rasterize converts the mask's polygons into a width×height
// coverage bitmap (1 = inside a mask polygon), using
// golang.org/x/image/vector for scanline rasterization. Mask
// coordinates are assumed already converted to pixel space by the
// caller (X in UIs/fs per Units.XScale, Y in mV/V per Units.YScale).
func (m *Mask) Rasterize(width, height int) []bool {
	r := vector.NewRasterizer(width, height)
	for _, poly := range m.Polygons {
		if len(poly.Points) == 0 {
			continue
		}
		r.MoveTo(float32(poly.Points[0].X), float32(poly.Points[0].Y))
		for _, pt := range poly.Points[1:] {
			r.LineTo(float32(pt.X), float32(pt.Y))
		}
		r.ClosePath()
	}
	dst := image.NewAlpha(image.Rect(0, 0, width, height))
	r.Draw(dst, dst.Bounds(), image.Opaque, image.Point{})
	out := make([]bool, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out[y*width+x] = dst.AlphaAt(x, y).A > 0
		}
	}
	return out
}

// HitRate computes the maximum, over mask-active pixels, of
// accum[p]/totalUIs (NormalEye) or accum[p]/1e15 (BEREye).
func (s *State) HitRate(maskActive []bool) float64 {
	accum := s.Accum.Accum.Host()
	denom := float64(s.Accum.TotalUIs)
	if s.Accum.EyeType == waveform.BEREye {
		denom = 1e15
	}
	if denom == 0 {
		return 0
	}
	var max float64
	for i, active := range maskActive {
		if !active || i >= len(accum) {
			continue
		}
		r := float64(accum[i]) / denom
		if r > max {
			max = r
		}
	}
	s.Accum.MaskHitRate = max
	return max
}
