// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package tie implements the Time Interval Error filter (§4.11):
// for each signal-clock edge, finds the bracketing pair of golden-
// clock edges and reports the signal edge's deviation from their
// midpoint.
package tie

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/accel/cpu"
	"github.com/gviegas/scopecore/compute"
	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
)

const (
	firstPassKernelPath  = "tie.firstpass"
	secondPassKernelPath = "tie.secondpass"

	// tieNumThreads is the number of independent signal-edge ranges
	// the fast path's first-pass kernel brackets in parallel.
	tieNumThreads = 64

	firstPushSize  = 32
	secondPushSize = 16
)

func init() {
	cpu.Register(firstPassKernelPath, firstPassKernel)
	cpu.Register(secondPassKernelPath, secondPassKernel)
}

// firstPassKernel brackets each signal edge in its thread's range
// against the golden-edge array via binary search, writing the
// midpoint and TIE value of every in-range edge into its private
// slice of the scratch buffer, preceded by the count found.
func firstPassKernel(heap *cpu.DescHeap, push []byte, gx, gy, gz int) {
	nSignal := int64(binary.LittleEndian.Uint64(push[0:8]))
	nGolden := int64(binary.LittleEndian.Uint64(push[8:16]))
	nThreads := int64(binary.LittleEndian.Uint64(push[16:24]))
	perThread := int64(binary.LittleEndian.Uint64(push[24:32]))
	outputPerThread := perThread + 1

	signal := heap.Buffer(0)
	golden := heap.Buffer(1)
	scratch := heap.Buffer(2)

	signalAt := func(i int64) int64 { return int64(binary.LittleEndian.Uint64(signal[i*8:])) }
	goldenAt := func(i int64) int64 { return int64(binary.LittleEndian.Uint64(golden[i*8:])) }

	for t := int64(0); t < nThreads; t++ {
		i0 := t * perThread
		i1 := i0 + perThread
		if i1 > nSignal {
			i1 = nSignal
		}
		base := t * outputPerThread * 2
		var count int64
		for i := i0; i < i1; i++ {
			e := signalAt(i)
			lo, hi := int64(0), nGolden-1
			idx := nGolden
			for lo <= hi {
				mid := (lo + hi) / 2
				if goldenAt(mid) > e {
					idx = mid
					hi = mid - 1
				} else {
					lo = mid + 1
				}
			}
			if idx == 0 || idx >= nGolden {
				continue
			}
			glo, ghi := goldenAt(idx-1), goldenAt(idx)
			m := (glo + ghi) / 2
			tieVal := e - m
			slot := base + 2 + count*2
			binary.LittleEndian.PutUint64(scratch[slot*8:], uint64(m))
			binary.LittleEndian.PutUint64(scratch[(slot+1)*8:], uint64(tieVal))
			count++
		}
		binary.LittleEndian.PutUint64(scratch[base*8:], uint64(count))
	}
}

// secondPassKernel turns the per-thread counts firstPassKernel wrote
// into an exclusive prefix sum and compacts every thread's private
// midpoint/TIE pairs into the dense output arrays.
func secondPassKernel(heap *cpu.DescHeap, push []byte, gx, gy, gz int) {
	nThreads := int64(binary.LittleEndian.Uint64(push[0:8]))
	perThread := int64(binary.LittleEndian.Uint64(push[8:16]))
	outputPerThread := perThread + 1

	scratch := heap.Buffer(0)
	outMid := heap.Buffer(1)
	outTie := heap.Buffer(2)
	total := heap.Buffer(3)

	var running int64
	for t := int64(0); t < nThreads; t++ {
		base := t * outputPerThread * 2
		cnt := int64(binary.LittleEndian.Uint64(scratch[base*8:]))
		for k := int64(0); k < cnt; k++ {
			slot := base + 2 + k*2
			mid := binary.LittleEndian.Uint64(scratch[slot*8:])
			tieVal := int64(binary.LittleEndian.Uint64(scratch[(slot+1)*8:]))
			binary.LittleEndian.PutUint64(outMid[(running+k)*8:], mid)
			binary.LittleEndian.PutUint32(outTie[(running+k)*4:], math.Float32bits(float32(tieVal)))
		}
		running += cnt
	}
	binary.LittleEndian.PutUint64(total[0:8], uint64(running))
}

// Run computes TIE for each signalEdges[i] against the bracketing
// pair of goldenEdges. goldenFromCDR indicates the caller obtained
// goldenEdges via zero-copy reuse of a clockrecovery.Result.Edges
// slice; when true and the device supports 64-bit integer shaders,
// the two-pass GPU bracketing search in the component design runs
// instead of the host loop, splitting signalEdges across worker
// ranges in the first pass and compacting the per-range results in
// the second.
func Run(gpu accel.GPU, cmd accel.CmdBuffer, signalEdges, goldenEdges []int64, goldenFromCDR bool) (*waveform.Sparse[float32], error) {
	out := waveform.NewSparse[float32]("TIE.out", dualbuf.Likely, dualbuf.Unlikely)
	if len(goldenEdges) < 2 || len(signalEdges) == 0 {
		return out, nil
	}

	useFastPath := goldenFromCDR && gpu != nil && cmd != nil && gpu.Caps().Has(accel.CapInt64)

	var midpoints []int64
	var ties []float32
	if useFastPath {
		var err error
		midpoints, ties, err = tieGPU(gpu, cmd, signalEdges, goldenEdges)
		if err != nil {
			return nil, err
		}
	} else {
		for _, e := range signalEdges {
			i := sort.Search(len(goldenEdges), func(i int) bool { return goldenEdges[i] > e })
			if i == 0 || i >= len(goldenEdges) {
				continue // outside the golden clock's bracketing range
			}
			lo, hi := goldenEdges[i-1], goldenEdges[i]
			mid := (lo + hi) / 2
			tieVal := float32(e - mid)
			midpoints = append(midpoints, mid)
			ties = append(ties, tieVal)
		}
	}

	for i, mid := range midpoints {
		dur := int64(1)
		if i+1 < len(midpoints) {
			dur = midpoints[i+1] - mid
			if dur < 0 {
				dur = 0
			}
		}
		if err := out.PushBack(mid, dur, ties[i]); err != nil {
			return nil, err
		}
	}
	out.MarkModifiedFromHost()
	return out, nil
}

// tieGPU drives the first-pass/second-pass dispatch pair to
// completion over signalEdges and goldenEdges, committing to a
// dedicated queue and blocking on the fence before reading the
// compacted midpoint/TIE arrays back.
func tieGPU(gpu accel.GPU, cmd accel.CmdBuffer, signalEdges, goldenEdges []int64) ([]int64, []float32, error) {
	nSignal := int64(len(signalEdges))
	nGolden := int64(len(goldenEdges))
	perThread := (nSignal + tieNumThreads - 1) / tieNumThreads
	outputPerThread := perThread + 1

	signalBuf := dualbuf.New[int64]("TIE.scratch.signal", dualbuf.Likely, dualbuf.Likely)
	signalBuf.Attach(gpu)
	defer signalBuf.Destroy()
	if err := signalBuf.Reserve(int(nSignal)); err != nil {
		return nil, nil, err
	}
	for _, e := range signalEdges {
		if err := signalBuf.PushBack(e); err != nil {
			return nil, nil, err
		}
	}
	signalBuf.MarkModifiedFromHost()

	goldenBuf := dualbuf.New[int64]("TIE.scratch.golden", dualbuf.Likely, dualbuf.Likely)
	goldenBuf.Attach(gpu)
	defer goldenBuf.Destroy()
	if err := goldenBuf.Reserve(int(nGolden)); err != nil {
		return nil, nil, err
	}
	for _, e := range goldenEdges {
		if err := goldenBuf.PushBack(e); err != nil {
			return nil, nil, err
		}
	}
	goldenBuf.MarkModifiedFromHost()

	scratch := dualbuf.New[int64]("TIE.scratch.firstpass", dualbuf.Likely, dualbuf.Likely)
	scratch.Attach(gpu)
	defer scratch.Destroy()
	if err := scratch.Resize(int(tieNumThreads * outputPerThread * 2)); err != nil {
		return nil, nil, err
	}

	outMid := dualbuf.New[int64]("TIE.scratch.outMid", dualbuf.Likely, dualbuf.Likely)
	outMid.Attach(gpu)
	defer outMid.Destroy()
	if err := outMid.Resize(int(nSignal)); err != nil {
		return nil, nil, err
	}

	outTie := dualbuf.New[float32]("TIE.scratch.outTie", dualbuf.Likely, dualbuf.Likely)
	outTie.Attach(gpu)
	defer outTie.Destroy()
	if err := outTie.Resize(int(nSignal)); err != nil {
		return nil, nil, err
	}

	total := dualbuf.New[int64]("TIE.scratch.total", dualbuf.Likely, dualbuf.Likely)
	total.Attach(gpu)
	defer total.Destroy()
	if err := total.Resize(1); err != nil {
		return nil, nil, err
	}

	firstPl := compute.New(gpu, firstPassKernelPath, nil, accel.DescLayout{NumBuffers: 3, PushConstSize: firstPushSize})
	defer firstPl.Destroy()
	secondPl := compute.New(gpu, secondPassKernelPath, nil, accel.DescLayout{NumBuffers: 4, PushConstSize: secondPushSize})
	defer secondPl.Destroy()

	if !cmd.IsRecording() {
		if err := cmd.Begin(); err != nil {
			return nil, nil, err
		}
	}
	cmd.BeginWork()

	if err := compute.BindBuffer(firstPl, cmd, 0, compute.Wrap(signalBuf), false); err != nil {
		return nil, nil, err
	}
	if err := compute.BindBuffer(firstPl, cmd, 1, compute.Wrap(goldenBuf), false); err != nil {
		return nil, nil, err
	}
	if err := compute.BindBuffer(firstPl, cmd, 2, compute.Wrap(scratch), true); err != nil {
		return nil, nil, err
	}
	firstPush := make([]byte, firstPushSize)
	binary.LittleEndian.PutUint64(firstPush[0:8], uint64(nSignal))
	binary.LittleEndian.PutUint64(firstPush[8:16], uint64(nGolden))
	binary.LittleEndian.PutUint64(firstPush[16:24], uint64(tieNumThreads))
	binary.LittleEndian.PutUint64(firstPush[24:32], uint64(perThread))
	if err := firstPl.Dispatch(cmd, firstPush, 1, 1, 1); err != nil {
		return nil, nil, err
	}
	compute.AddComputeMemoryBarrier(cmd)

	if err := compute.BindBuffer(secondPl, cmd, 0, compute.Wrap(scratch), false); err != nil {
		return nil, nil, err
	}
	if err := compute.BindBuffer(secondPl, cmd, 1, compute.Wrap(outMid), true); err != nil {
		return nil, nil, err
	}
	if err := compute.BindBuffer(secondPl, cmd, 2, compute.Wrap(outTie), true); err != nil {
		return nil, nil, err
	}
	if err := compute.BindBuffer(secondPl, cmd, 3, compute.Wrap(total), true); err != nil {
		return nil, nil, err
	}
	secondPush := make([]byte, secondPushSize)
	binary.LittleEndian.PutUint64(secondPush[0:8], uint64(tieNumThreads))
	binary.LittleEndian.PutUint64(secondPush[8:16], uint64(perThread))
	if err := secondPl.Dispatch(cmd, secondPush, 1, 1, 1); err != nil {
		return nil, nil, err
	}

	cmd.EndWork()
	if err := cmd.End(); err != nil {
		return nil, nil, err
	}

	q, err := gpu.NewQueue(0)
	if err != nil {
		return nil, nil, err
	}
	defer q.Destroy()
	f, err := gpu.Commit(q, []accel.CmdBuffer{cmd})
	if err != nil {
		return nil, nil, err
	}
	if err := f.Wait(); err != nil {
		return nil, nil, err
	}

	total.MarkModifiedFromDevice()
	if err := total.PrepareForHostAccess(); err != nil {
		return nil, nil, err
	}
	n := int(total.At(0))

	outMid.MarkModifiedFromDevice()
	if err := outMid.PrepareForHostAccess(); err != nil {
		return nil, nil, err
	}
	outTie.MarkModifiedFromDevice()
	if err := outTie.PrepareForHostAccess(); err != nil {
		return nil, nil, err
	}

	midpoints := append([]int64(nil), outMid.Host()[:n]...)
	ties := append([]float32(nil), outTie.Host()[:n]...)
	return midpoints, ties, nil
}
