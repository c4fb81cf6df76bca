// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package compute

import (
	"testing"

	"github.com/gviegas/scopecore/accel"
	"github.com/gviegas/scopecore/accel/cpu"
	"github.com/gviegas/scopecore/dualbuf"
)

func openGPU(t *testing.T) accel.GPU {
	t.Helper()
	for _, d := range accel.Drivers() {
		if d.Name() == "cpu" {
			g, err := d.Open()
			if err != nil {
				t.Fatal(err)
			}
			return g
		}
	}
	t.Fatal("cpu driver not registered")
	return nil
}

func TestDispatchInvokesRegisteredKernel(t *testing.T) {
	gpu := openGPU(t)
	var got []byte
	cpu.Register("test.double", func(heap *cpu.DescHeap, push []byte, gx, gy, gz int) {
		buf := heap.Buffer(0)
		for i := range buf {
			buf[i] *= 2
		}
		got = append([]byte(nil), push...)
	})

	b := dualbuf.New[byte]("Test.buf", dualbuf.Likely, dualbuf.Likely)
	b.Attach(gpu)
	for _, v := range []byte{1, 2, 3, 4} {
		b.PushBack(v)
	}
	b.MarkModifiedFromHost()

	pl := New(gpu, "test.double", nil, accel.DescLayout{NumBuffers: 1, PushConstSize: 4})
	defer pl.Destroy()

	cmd, err := gpu.NewCmdBuffer()
	if err != nil {
		t.Fatal(err)
	}
	cmd.Begin()
	cmd.BeginWork()
	if err := BindBuffer(pl, cmd, 0, Wrap(b), false); err != nil {
		t.Fatal(err)
	}
	if err := pl.Dispatch(cmd, []byte{1, 2, 3, 4}, 1, 1, 1); err != nil {
		t.Fatal(err)
	}
	cmd.EndWork()
	if err := cmd.End(); err != nil {
		t.Fatal(err)
	}
	q, err := gpu.NewQueue(0)
	if err != nil {
		t.Fatal(err)
	}
	f, err := gpu.Commit(q, []accel.CmdBuffer{cmd})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(got) != 4 {
		t.Fatalf("kernel did not observe push constants, got %v", got)
	}
	b.MarkModifiedFromDevice()
	if err := b.PrepareForHostAccess(); err != nil {
		t.Fatal(err)
	}
	want := []byte{2, 4, 6, 8}
	for i, v := range want {
		if b.At(i) != v {
			t.Errorf("At(%d) = %d, want %d", i, b.At(i), v)
		}
	}
}
