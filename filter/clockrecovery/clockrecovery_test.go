// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package clockrecovery

import (
	"math"
	"testing"

	"github.com/gviegas/scopecore/accel"
	_ "github.com/gviegas/scopecore/accel/cpu"
	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
)

func openGPU(t *testing.T) (accel.GPU, accel.CmdBuffer) {
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
			return g, cmd
		}
	}
	t.Fatal("cpu driver not registered")
	return nil, nil
}

// TestRecoverCleanSineLocksToBaud is property test #4: a noise-free
// sine crosses the threshold twice per cycle, so its edges are
// uniform at twice its frequency, which is the nominal baud rate here.
// The recovered clock should alternate polarity, with mean edge
// spacing within 10% of the nominal period.
func TestRecoverCleanSineLocksToBaud(t *testing.T) {
	const (
		timescale = int64(10_000) // 10 ps/sample
		freqHz    = 1e9
		n         = 200000
	)
	data := waveform.NewUniform[float32]("Test.data", dualbuf.Likely, dualbuf.Never)
	data.Timescale = timescale
	for i := 0; i < n; i++ {
		tSec := float64(i) * float64(timescale) * 1e-15
		data.Samples.PushBack(float32(math.Sin(2 * math.Pi * freqHz * tSec)))
	}
	data.MarkModifiedFromHost()

	res, err := Recover(nil, nil, data, nil, Params{NominalBaud: 2 * freqHz, Threshold: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Edges) < 2 {
		t.Fatalf("expected multiple recovered edges, got %d", len(res.Edges))
	}

	nominalPeriod := 1e15 / (2 * freqHz)
	var spacings []float64
	for i := 1; i < len(res.Edges); i++ {
		spacings = append(spacings, float64(res.Edges[i]-res.Edges[i-1]))
	}
	var sum float64
	for _, s := range spacings {
		sum += s
	}
	mean := sum / float64(len(spacings))
	if math.Abs(mean-nominalPeriod)/nominalPeriod > 0.1 {
		t.Errorf("mean edge spacing = %v, want within 10%% of %v", mean, nominalPeriod)
	}

	if res.Clock.Len() != len(res.Edges) {
		t.Errorf("Clock.Len() = %d, want %d", res.Clock.Len(), len(res.Edges))
	}
	states := res.Clock.Samples.Host()
	for i := 1; i < len(states); i++ {
		if states[i] == states[i-1] {
			t.Fatalf("clock polarity should alternate, repeated at %d", i)
		}
	}
}

// TestRecoverGPUFastPathLocksToBaud forces the two-dispatch GPU
// fast path (uniform analog input, no gate, >=100000 expected edges,
// CapInt64) by attaching the cpu software backend and requesting
// GPU mode, and checks it locks to the nominal baud the same way
// the single-threaded path does.
func TestRecoverGPUFastPathLocksToBaud(t *testing.T) {
	gpu, cmd := openGPU(t)
	const (
		timescale = int64(100_000) // 100 ps/sample
		freqHz    = 1e9
		n         = 501_000 // 50100 cycles -> ~100200 edges
	)
	data := waveform.NewUniform[float32]("Test.data", dualbuf.Likely, dualbuf.Never)
	data.Timescale = timescale
	for i := 0; i < n; i++ {
		tSec := float64(i) * float64(timescale) * 1e-15
		data.Samples.PushBack(float32(math.Sin(2 * math.Pi * freqHz * tSec)))
	}
	data.MarkModifiedFromHost()

	res, err := Recover(gpu, cmd, data, nil, Params{NominalBaud: 2 * freqHz, Threshold: 0, Mode: GPU})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Edges) < 99000 {
		t.Fatalf("expected ~100000 recovered edges, got %d", len(res.Edges))
	}

	nominalPeriod := 1e15 / (2 * freqHz)
	var sum float64
	for i := 1; i < len(res.Edges); i++ {
		sum += float64(res.Edges[i] - res.Edges[i-1])
	}
	mean := sum / float64(len(res.Edges)-1)
	if math.Abs(mean-nominalPeriod)/nominalPeriod > 0.1 {
		t.Errorf("mean edge spacing = %v, want within 10%% of %v", mean, nominalPeriod)
	}

	if res.Clock.Len() != len(res.Edges) {
		t.Errorf("Clock.Len() = %d, want %d", res.Clock.Len(), len(res.Edges))
	}
}

// TestRecoverBelowNyquistIsEmpty checks the Nyquist-floor bail-out
// path: a nominal baud whose half-period is below the sample
// timescale produces no recovered edges.
func TestRecoverBelowNyquistIsEmpty(t *testing.T) {
	data := waveform.NewUniform[float32]("Test.data", dualbuf.Likely, dualbuf.Never)
	data.Timescale = 1_000_000 // 1 ns/sample
	for i := 0; i < 1000; i++ {
		data.Samples.PushBack(float32(math.Sin(float64(i) * 0.1)))
	}
	data.MarkModifiedFromHost()

	res, err := Recover(nil, nil, data, nil, Params{NominalBaud: 1e9, Threshold: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Edges) != 0 {
		t.Errorf("expected no recovered edges below Nyquist, got %d", len(res.Edges))
	}
}
