// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package levelcross

import (
	"math"
	"testing"

	"github.com/gviegas/scopecore/accel"
	_ "github.com/gviegas/scopecore/accel/cpu"
	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
)

func openGPU(t *testing.T) (accel.GPU, accel.CmdBuffer, *queueCleanup) {
	t.Helper()
	for _, d := range accel.Drivers() {
		if d.Name() == "cpu" {
			g, err := d.Open()
			if err != nil {
				t.Fatal(err)
			}
			cmd, err := g.NewCmdBuffer()
			if err != nil {
				t.Fatal(err)
			}
			cmd.Begin()
			return g, cmd, &queueCleanup{}
		}
	}
	t.Fatal("cpu driver not registered")
	return nil, nil, nil
}

type queueCleanup struct{}

// TestTenMHzSine is end-to-end scenario B: a 10 MHz sine, 1M
// samples, 100 ps/sample, threshold 0 -> exactly 20000 crossings.
func TestTenMHzSine(t *testing.T) {
	gpu, cmd, _ := openGPU(t)
	const (
		n         = 1_000_000
		timescale = 100_000 // 100 ps in fs
		freqHz    = 10e6
	)
	w := waveform.NewUniform[float32]("Test.sine", dualbuf.Likely, dualbuf.Never)
	w.Timescale = timescale
	for i := 0; i < n; i++ {
		tSec := float64(i) * 100e-12
		v := float32(math.Sin(2 * math.Pi * freqHz * tSec))
		w.Samples.PushBack(v)
	}
	w.MarkModifiedFromHost()

	out, err := Crossings(gpu, cmd, w, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Size() != 20000 {
		t.Fatalf("got %d crossings, want 20000", out.Size())
	}
	host := out.Host()
	for i := 1; i < len(host); i++ {
		if host[i] <= host[i-1] {
			t.Fatalf("not strictly increasing at %d: %d <= %d", i, host[i], host[i-1])
		}
	}
}

func TestShortWaveformIsEmpty(t *testing.T) {
	gpu, cmd, _ := openGPU(t)
	w := waveform.NewUniform[float32]("Test.short", dualbuf.Likely, dualbuf.Never)
	w.Samples.PushBack(1)
	out, err := Crossings(gpu, cmd, w, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Size() != 0 {
		t.Fatalf("got %d, want 0", out.Size())
	}
}
