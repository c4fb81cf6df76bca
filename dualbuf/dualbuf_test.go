// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package dualbuf

import (
	"testing"

	"github.com/gviegas/scopecore/accel"
	_ "github.com/gviegas/scopecore/accel/cpu"
)

func openGPU(t *testing.T) accel.GPU {
	t.Helper()
	drvs := accel.Drivers()
	for _, d := range drvs {
		if d.Name() == "cpu" {
			g, err := d.Open()
			if err != nil {
				t.Fatalf("open cpu driver: %v", err)
			}
			return g
		}
	}
	t.Fatal("cpu driver not registered")
	return nil
}

// TestPushBackAllConfigs is property test #1: for any
// DualResidentBuffer[T] populated via PushBack, Size equals the
// number of pushes and indexed reads return written values,
// regardless of the chosen residency configuration.
func TestPushBackAllConfigs(t *testing.T) {
	gpu := openGPU(t)
	cases := []struct {
		name         string
		host, device Hint
	}{
		{"host-only", Likely, Never},
		{"host-paged", Unlikely, Never},
		{"shared", Likely, Unlikely},
		{"mirrored", Likely, Likely},
		{"device-local", Never, Likely},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := New[float32]("Test.buf.samples", Never, Never)
			b.Attach(gpu)
			if err := b.SetHints(c.host, c.device); err != nil {
				t.Fatalf("SetHints: %v", err)
			}
			want := []float32{1, 2, 3, 4, 5}
			for _, v := range want {
				if err := b.PushBack(v); err != nil {
					t.Fatalf("PushBack: %v", err)
				}
			}
			if b.Size() != len(want) {
				t.Fatalf("Size() = %d, want %d", b.Size(), len(want))
			}
			// PushBack always calls ensureHost, so the host side is
			// resident and readable via At regardless of the chosen
			// residency configuration, including device-local.
			for i, v := range want {
				if b.At(i) != v {
					t.Errorf("At(%d) = %v, want %v", i, b.At(i), v)
				}
			}
		})
	}
}

// TestRoundTripIdentity is property test #2.
func TestRoundTripIdentity(t *testing.T) {
	gpu := openGPU(t)
	b := New[float32]("Test.buf.samples", Likely, Likely)
	b.Attach(gpu)
	b.SetHints(Likely, Likely)
	for _, v := range []float32{1, 2, 3} {
		b.PushBack(v)
	}
	before := append([]float32(nil), b.Host()...)

	b.MarkModifiedFromHost()
	if err := b.PrepareForDeviceAccess(false); err != nil {
		t.Fatalf("PrepareForDeviceAccess: %v", err)
	}
	b.MarkModifiedFromDevice()
	if err := b.PrepareForHostAccess(); err != nil {
		t.Fatalf("PrepareForHostAccess: %v", err)
	}
	after := b.Host()
	if len(after) != len(before) {
		t.Fatalf("length changed: %d vs %d", len(after), len(before))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("index %d: before=%v after=%v", i, before[i], after[i])
		}
	}
}

func TestResizeDoublingPolicy(t *testing.T) {
	b := New[int32]("Test.buf.x", Likely, Never)
	b.SetHints(Likely, Never)
	if err := b.Resize(3); err != nil {
		t.Fatal(err)
	}
	if b.Cap() < 3 {
		t.Fatalf("cap %d < 3", b.Cap())
	}
	cap1 := b.Cap()
	if err := b.Resize(cap1 + 1); err != nil {
		t.Fatal(err)
	}
	if b.Cap() < 2*cap1 {
		t.Errorf("expected doubling, got cap %d from %d", b.Cap(), cap1)
	}
}

func TestReserveNeverShrinks(t *testing.T) {
	b := New[int32]("Test.buf.x", Likely, Never)
	b.SetHints(Likely, Never)
	b.Resize(10)
	c := b.Cap()
	if err := b.Reserve(1); err != nil {
		t.Fatal(err)
	}
	if b.Cap() != c {
		t.Errorf("Reserve shrank capacity: %d -> %d", c, b.Cap())
	}
}

func TestShrinkToFit(t *testing.T) {
	b := New[int32]("Test.buf.x", Likely, Never)
	b.SetHints(Likely, Never)
	b.Resize(10)
	b.Resize(2)
	b.ShrinkToFit()
	if b.Cap() != 2 {
		t.Errorf("Cap() = %d, want 2", b.Cap())
	}
}

func TestDeviceWithoutGPUIsResourceFailure(t *testing.T) {
	b := New[float32]("Test.buf.x", Never, Likely)
	if err := b.SetHints(Never, Likely); err == nil {
		t.Fatal("expected resource failure without attached GPU")
	}
}
