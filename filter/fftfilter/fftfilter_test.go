// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package fftfilter

import (
	"math"
	"testing"

	_ "github.com/gviegas/scopecore/accel/cpu"
	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
)

// TestPureToneBlackmanHarris is end-to-end scenario C: a 1 GHz tone
// sampled at 10 GSa/s, 65536 samples, Blackman-Harris window, 50 ohm
// load, 2 Vpp amplitude.
func TestPureToneBlackmanHarris(t *testing.T) {
	const (
		n          = 65536
		sampleRate = 10e9
		toneHz     = 1e9
		vpp        = 2.0
	)
	amp := float32(vpp / 2)
	w := waveform.NewUniform[float32]("Test.tone", dualbuf.Likely, dualbuf.Never)
	w.Timescale = int64(1e15 / sampleRate)
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		w.Samples.PushBack(amp * float32(math.Sin(2*math.Pi*toneHz*t)))
	}
	w.MarkModifiedFromHost()

	res, err := Run(nil, nil, w, Params{
		Window:       BlackmanHarris,
		SampleRateHz: sampleRate,
		NumPeaks:     1,
		SearchHz:     1e6,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peaks) != 1 {
		t.Fatalf("got %d peaks, want 1", len(res.Peaks))
	}
	peak := res.Peaks[0]
	if math.Abs(peak.FreqHz-toneHz) > 2*res.BinSize {
		t.Errorf("peak at %g Hz, want near %g Hz", peak.FreqHz, toneHz)
	}
	if math.Abs(peak.DBm-10) > 0.7 {
		t.Errorf("peak amplitude %g dBm, want ~10 dBm", peak.DBm)
	}

	spectrum := res.Spectrum.Samples.Host()
	farBin := int(1.5e6 / res.BinSize)
	peakBin := int(peak.BinIndex)
	for i, v := range spectrum {
		if absInt(i-peakBin) > farBin {
			if v > -70 {
				t.Errorf("bin %d (%g Hz from peak) = %g dBm, want <= -70", i, float64(absInt(i-peakBin))*res.BinSize, v)
			}
		}
	}
}
