// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package ctx

import (
	"testing"

	_ "github.com/gviegas/scopecore/accel/cpu" // registers the "cpu" driver
)

func TestNewAndClose(t *testing.T) {
	c, err := New("cpu")
	if err != nil {
		t.Fatal(err)
	}
	if c.GPU == nil {
		t.Fatal("expected non-nil GPU")
	}
	if c.Queues == nil {
		t.Fatal("expected non-nil queue manager")
	}
	if c.Transfer() == nil {
		t.Error("expected non-nil transfer queue handle")
	}
	if c.FFT() == nil {
		t.Error("expected non-nil FFT queue handle")
	}
	if c.Cache == nil {
		t.Error("expected non-nil pipeline cache")
	}

	unlock := c.TransferLock()
	unlock()
	unlockFFT := c.FFTLock()
	unlockFFT()

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	// Close must be idempotent.
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewUnknownDriver(t *testing.T) {
	if _, err := New("nonexistent-driver"); err == nil {
		t.Error("expected error for unknown driver name")
	}
}
