// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package levelcross implements LevelCrossingDetector: scans a
// uniform real waveform for threshold crossings and emits a dense,
// monotonically increasing array of fractional crossing timestamps.
//
// The GPU-capable path splits the search into the three-kernel
// scan/prefix-sum/gather pipeline the component design describes:
// each of numThreads logical threads scans its own slice of the
// input into a private scratch region (scanKernelPath), a second
// kernel turns the per-thread crossing counts into an exclusive
// prefix sum of output offsets (prefixKernelPath), and a third
// compacts every thread's private crossings into the final dense
// array at its assigned offset (gatherKernelPath). The CPU fallback
// (scanHost) performs the equivalent single-threaded scan directly.
package levelcross

import (
	"encoding/binary"
	"math"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/accel/cpu"
	"github.com/gviegas/scopecore/compute"
	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
)

const (
	scanKernelPath   = "levelcross.scan"
	prefixKernelPath = "levelcross.prefix"
	gatherKernelPath = "levelcross.gather"

	// numThreads is the number of logical worker slices the
	// three-kernel pipeline splits the input across. Each registered
	// kernel below simulates the whole dispatch grid in one closure
	// call, looping over numThreads itself, since the software
	// backend invokes a kernel once per Dispatch rather than once
	// per shader invocation.
	numThreads = 64

	scanPushSize  = 48 // threshold f64, timescale/triggerPhase/inputSize/numThreads/outputPerThread i64
	blockPushSize = 16 // numThreads, outputPerThread i64
)

func init() {
	cpu.Register(scanKernelPath, scanKernel)
	cpu.Register(prefixKernelPath, prefixKernel)
	cpu.Register(gatherKernelPath, gatherKernel)
}

// scanKernel is the first-pass kernel: thread t scans the
// non-overlapping pair-index range [t*inputPerThread,
// min((t+1)*inputPerThread, inputSize-1)) and writes the count found
// followed by the crossing timestamps themselves into its private
// outputPerThread-sized slice of the scratch buffer.
func scanKernel(heap *cpu.DescHeap, push []byte, gx, gy, gz int) {
	threshold := math.Float64frombits(binary.LittleEndian.Uint64(push[0:8]))
	timescale := int64(binary.LittleEndian.Uint64(push[8:16]))
	triggerPhase := int64(binary.LittleEndian.Uint64(push[16:24]))
	inputSize := int64(binary.LittleEndian.Uint64(push[24:32]))
	nThreads := int64(binary.LittleEndian.Uint64(push[32:40]))
	outputPerThread := int64(binary.LittleEndian.Uint64(push[40:48]))
	inputPerThread := outputPerThread - 1

	in := heap.Buffer(0)
	out := heap.Buffer(1)

	sampleAt := func(i int64) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:])))
	}

	pairs := inputSize - 1
	for t := int64(0); t < nThreads; t++ {
		i0 := t * inputPerThread
		i1 := i0 + inputPerThread
		if i1 > pairs {
			i1 = pairs
		}
		base := t * outputPerThread
		var count int64
		for i := i0; i < i1; i++ {
			a := sampleAt(i) - threshold
			b := sampleAt(i+1) - threshold
			if math.Signbit(a) == math.Signbit(b) || a == b {
				continue
			}
			frac := a / (sampleAt(i) - sampleAt(i+1))
			tFs := triggerPhase + int64(float64(timescale)*(float64(i)+frac))
			binary.LittleEndian.PutUint64(out[(base+1+count)*8:], uint64(tFs))
			count++
		}
		binary.LittleEndian.PutUint64(out[base*8:], uint64(count))
	}
}

// prefixKernel turns the per-thread counts written by scanKernel
// into an exclusive prefix sum of output offsets, with the grand
// total (the final crossing count) written one slot past the last
// thread.
func prefixKernel(heap *cpu.DescHeap, push []byte, gx, gy, gz int) {
	nThreads := int64(binary.LittleEndian.Uint64(push[0:8]))
	outputPerThread := int64(binary.LittleEndian.Uint64(push[8:16]))

	temp := heap.Buffer(0)
	idx := heap.Buffer(1)

	var running int64
	for t := int64(0); t < nThreads; t++ {
		cnt := int64(binary.LittleEndian.Uint64(temp[t*outputPerThread*8:]))
		binary.LittleEndian.PutUint64(idx[t*8:], uint64(running))
		running += cnt
	}
	binary.LittleEndian.PutUint64(idx[nThreads*8:], uint64(running))
}

// gatherKernel compacts each thread's private crossings into the
// final dense array, at the offset prefixKernel computed for it.
func gatherKernel(heap *cpu.DescHeap, push []byte, gx, gy, gz int) {
	nThreads := int64(binary.LittleEndian.Uint64(push[0:8]))
	outputPerThread := int64(binary.LittleEndian.Uint64(push[8:16]))

	temp := heap.Buffer(0)
	idx := heap.Buffer(1)
	out := heap.Buffer(2)

	for t := int64(0); t < nThreads; t++ {
		base := t * outputPerThread
		cnt := int64(binary.LittleEndian.Uint64(temp[base*8:]))
		off := int64(binary.LittleEndian.Uint64(idx[t*8:]))
		for k := int64(0); k < cnt; k++ {
			v := binary.LittleEndian.Uint64(temp[(base+1+k)*8:])
			binary.LittleEndian.PutUint64(out[(off+k)*8:], v)
		}
	}
}

// Crossings returns the fractional crossing timestamps, in fs, of w
// against threshold. When gpu supports 64-bit integer shaders the
// three-kernel scan/prefix/gather pipeline runs the search; otherwise
// a single-threaded host scan runs directly.
func Crossings(gpu accel.GPU, cmd accel.CmdBuffer, w *waveform.Uniform[float32], threshold float64) (*dualbuf.Buffer[int64], error) {
	out := dualbuf.New[int64]("LevelCrossingDetector.out.timestamps", dualbuf.Likely, dualbuf.Unlikely)
	out.Attach(gpu)
	n := w.Len()
	if n < 2 {
		return out, nil
	}

	if gpu != nil && cmd != nil && gpu.Caps().Has(accel.CapInt64) {
		if err := crossingsGPU(gpu, cmd, w, threshold, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	samples := w.Samples.Host()
	times := scanHost(samples, w.Timescale, w.TriggerPhase, threshold)
	if err := out.Reserve(len(times)); err != nil {
		return nil, err
	}
	for _, t := range times {
		if err := out.PushBack(t); err != nil {
			return nil, err
		}
	}
	out.MarkModifiedFromHost()
	return out, nil
}

// crossingsGPU drives the scan/prefix/gather pipeline to completion,
// committing the recorded dispatches to a dedicated queue and
// blocking on the resulting fence before reading the result back.
func crossingsGPU(gpu accel.GPU, cmd accel.CmdBuffer, w *waveform.Uniform[float32], threshold float64, out *dualbuf.Buffer[int64]) error {
	n := int64(w.Len())
	pairs := n - 1
	inputPerThread := (pairs + numThreads - 1) / numThreads
	outputPerThread := inputPerThread + 1

	w.Samples.Attach(gpu)

	temp := dualbuf.New[int64]("LevelCrossingDetector.scratch.temp", dualbuf.Likely, dualbuf.Likely)
	temp.Attach(gpu)
	defer temp.Destroy()
	if err := temp.Resize(int(numThreads * outputPerThread)); err != nil {
		return err
	}

	gatherIdx := dualbuf.New[int64]("LevelCrossingDetector.scratch.gatherIndex", dualbuf.Likely, dualbuf.Likely)
	gatherIdx.Attach(gpu)
	defer gatherIdx.Destroy()
	if err := gatherIdx.Resize(numThreads + 1); err != nil {
		return err
	}

	gpuOut := dualbuf.New[int64]("LevelCrossingDetector.scratch.compact", dualbuf.Likely, dualbuf.Likely)
	gpuOut.Attach(gpu)
	defer gpuOut.Destroy()
	if err := gpuOut.Resize(int(pairs)); err != nil {
		return err
	}

	scanPl := compute.New(gpu, scanKernelPath, nil, accel.DescLayout{NumBuffers: 2, PushConstSize: scanPushSize})
	defer scanPl.Destroy()
	prefixPl := compute.New(gpu, prefixKernelPath, nil, accel.DescLayout{NumBuffers: 2, PushConstSize: blockPushSize})
	defer prefixPl.Destroy()
	gatherPl := compute.New(gpu, gatherKernelPath, nil, accel.DescLayout{NumBuffers: 3, PushConstSize: blockPushSize})
	defer gatherPl.Destroy()

	if !cmd.IsRecording() {
		if err := cmd.Begin(); err != nil {
			return err
		}
	}
	cmd.BeginWork()

	if err := compute.BindBuffer(scanPl, cmd, 0, compute.Wrap(w.Samples), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(scanPl, cmd, 1, compute.Wrap(temp), true); err != nil {
		return err
	}
	if err := scanPl.Dispatch(cmd, scanPush(threshold, w.Timescale, w.TriggerPhase, n, numThreads, outputPerThread), 1, 1, 1); err != nil {
		return err
	}
	compute.AddComputeMemoryBarrier(cmd)

	if err := compute.BindBuffer(prefixPl, cmd, 0, compute.Wrap(temp), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(prefixPl, cmd, 1, compute.Wrap(gatherIdx), true); err != nil {
		return err
	}
	if err := prefixPl.Dispatch(cmd, blockPush(numThreads, outputPerThread), 1, 1, 1); err != nil {
		return err
	}
	compute.AddComputeMemoryBarrier(cmd)

	if err := compute.BindBuffer(gatherPl, cmd, 0, compute.Wrap(temp), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(gatherPl, cmd, 1, compute.Wrap(gatherIdx), false); err != nil {
		return err
	}
	if err := compute.BindBuffer(gatherPl, cmd, 2, compute.Wrap(gpuOut), true); err != nil {
		return err
	}
	if err := gatherPl.Dispatch(cmd, blockPush(numThreads, outputPerThread), 1, 1, 1); err != nil {
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

	gatherIdx.MarkModifiedFromDevice()
	if err := gatherIdx.PrepareForHostAccess(); err != nil {
		return err
	}
	total := int(gatherIdx.At(numThreads))

	gpuOut.MarkModifiedFromDevice()
	if err := gpuOut.PrepareForHostAccess(); err != nil {
		return err
	}

	if err := out.Resize(total); err != nil {
		return err
	}
	copy(out.Host(), gpuOut.Host()[:total])
	out.MarkModifiedFromHost()
	return nil
}

func scanPush(threshold float64, timescale, triggerPhase, inputSize int64, nThreads, outputPerThread int64) []byte {
	b := make([]byte, scanPushSize)
	binary.LittleEndian.PutUint64(b[0:8], math.Float64bits(threshold))
	binary.LittleEndian.PutUint64(b[8:16], uint64(timescale))
	binary.LittleEndian.PutUint64(b[16:24], uint64(triggerPhase))
	binary.LittleEndian.PutUint64(b[24:32], uint64(inputSize))
	binary.LittleEndian.PutUint64(b[32:40], uint64(nThreads))
	binary.LittleEndian.PutUint64(b[40:48], uint64(outputPerThread))
	return b
}

func blockPush(nThreads, outputPerThread int64) []byte {
	b := make([]byte, blockPushSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(nThreads))
	binary.LittleEndian.PutUint64(b[8:16], uint64(outputPerThread))
	return b
}

// scanHost implements the crossing search: a crossing at index i
// exists iff sign(w[i]-tau) != sign(w[i+1]-tau); the returned time
// is triggerPhase + timescale*(i + (tau-w[i])/(w[i+1]-w[i])).
func scanHost(samples []float32, timescale, triggerPhase int64, threshold float64) []int64 {
	var out []int64
	for i := 0; i < len(samples)-1; i++ {
		a, b := float64(samples[i])-threshold, float64(samples[i+1])-threshold
		if math.Signbit(a) == math.Signbit(b) {
			continue
		}
		if a == b {
			continue
		}
		frac := a / (float64(samples[i]) - float64(samples[i+1]))
		t := triggerPhase + int64(float64(timescale)*(float64(i)+frac))
		out = append(out, t)
	}
	return out
}
