// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package deembed

import (
	"math"
	"testing"

	"github.com/gviegas/scopecore/accel"
	_ "github.com/gviegas/scopecore/accel/cpu"
	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
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

// identityPath is a flat S-parameter curve: magnitude 1 (0 dB),
// phase 0 across the band.
func identityPath() []SParam {
	var path []SParam
	for hz := 0.0; hz <= 20e9; hz += 1e9 {
		path = append(path, SParam{Hz: hz, MagDB: 0, PhaseDeg: 0})
	}
	return path
}

func rms(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

// TestRunCouplerMissingPushDescriptor checks the capability-error
// path (§7.2): without an attached device, RunCoupler reports the
// fixed ErrMissingPushDescriptor rather than attempting to dispatch.
func TestRunCouplerMissingPushDescriptor(t *testing.T) {
	fwd := waveform.NewUniform[float32]("Test.fwd", dualbuf.Likely, dualbuf.Never)
	rev := waveform.NewUniform[float32]("Test.rev", dualbuf.Likely, dualbuf.Never)
	fwd.Samples.PushBack(1)
	rev.Samples.PushBack(1)

	_, _, err := RunCoupler(nil, nil, fwd, rev, CouplerParams{SampleHz: 10e9})
	if err != ErrMissingPushDescriptor {
		t.Fatalf("got err %v, want ErrMissingPushDescriptor", err)
	}
}

// TestCouplerIdentity is end-to-end scenario E, driven through
// RunCoupler (the real §4.10 CouplerDeEmbed entry point): with both
// coupled S-paths magnitude-1/phase-0 and both leakage paths
// effectively zero (-300 dB), output should match input to within
// 0.1% RMS.
func TestCouplerIdentity(t *testing.T) {
	gpu := openGPU(t)
	const n = 4096
	fwd := waveform.NewUniform[float32]("Test.fwd", dualbuf.Likely, dualbuf.Never)
	rev := waveform.NewUniform[float32]("Test.rev", dualbuf.Likely, dualbuf.Never)
	fwd.Timescale, rev.Timescale = 100, 100
	for i := 0; i < n; i++ {
		fwd.Samples.PushBack(float32(math.Sin(float64(i) * 0.05)))
		rev.Samples.PushBack(float32(math.Cos(float64(i) * 0.05)))
	}
	fwd.MarkModifiedFromHost()
	rev.MarkModifiedFromHost()

	leakage := []SParam{{Hz: 0, MagDB: -300, PhaseDeg: 0}, {Hz: 20e9, MagDB: -300, PhaseDeg: 0}}

	cleanFwd, cleanRev, err := RunCoupler(gpu, nil, fwd, rev, CouplerParams{
		CoupledForward: identityPath(),
		CoupledReverse: identityPath(),
		LeakageForward: leakage,
		LeakageReverse: leakage,
		SampleHz:       10e9,
		MaxGain:        10,
	})
	if err != nil {
		t.Fatal(err)
	}

	if r := rms(fwd.Samples.Host(), cleanFwd.Samples.Host()); r > 0.001 {
		t.Errorf("forward RMS error %v too large", r)
	}
	if r := rms(rev.Samples.Host(), cleanRev.Samples.Host()); r > 0.001 {
		t.Errorf("reverse RMS error %v too large", r)
	}
}
