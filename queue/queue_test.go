// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package queue

import (
	"testing"

	"github.com/gviegas/scopecore/accel"
	_ "github.com/gviegas/scopecore/accel/cpu"
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

func TestManagerHandsOutHandles(t *testing.T) {
	gpu := openGPU(t)
	m, err := NewManager(gpu)
	if err != nil {
		t.Fatal(err)
	}

	h, err := m.Compute("test.compute")
	if err != nil {
		t.Fatal(err)
	}
	if h.Flags()&accel.QCompute == 0 {
		t.Error("expected compute-capable handle")
	}
	if h.Name() != "test.compute" {
		t.Errorf("Name() = %q, want %q", h.Name(), "test.compute")
	}

	h2, err := m.Transfer("test.transfer")
	if err != nil {
		t.Fatal(err)
	}
	if h2.Flags()&accel.QTransfer == 0 {
		t.Error("expected transfer-capable handle")
	}

	h.Release()
	h2.Release()
}

func TestSubmitAndBlock(t *testing.T) {
	gpu := openGPU(t)
	m, err := NewManager(gpu)
	if err != nil {
		t.Fatal(err)
	}
	h, err := m.Compute("test.submit")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	cmd, err := gpu.NewCmdBuffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Begin(); err != nil {
		t.Fatal(err)
	}
	cmd.BeginWork()
	cmd.EndWork()
	if err := cmd.End(); err != nil {
		t.Fatal(err)
	}

	if err := h.SubmitAndBlock([]accel.CmdBuffer{cmd}); err != nil {
		t.Fatal(err)
	}
}

func TestLockWaitPendingAndSubmit(t *testing.T) {
	gpu := openGPU(t)
	m, err := NewManager(gpu)
	if err != nil {
		t.Fatal(err)
	}
	h, err := m.Compute("test.lock")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	l := h.Lock()
	if err := l.WaitPending(); err != nil {
		t.Fatal(err)
	}

	cmd, err := gpu.NewCmdBuffer()
	if err != nil {
		t.Fatal(err)
	}
	cmd.Begin()
	cmd.BeginWork()
	cmd.EndWork()
	cmd.End()

	if err := l.Submit([]accel.CmdBuffer{cmd}); err != nil {
		t.Fatal(err)
	}
	l.Unlock()
}
