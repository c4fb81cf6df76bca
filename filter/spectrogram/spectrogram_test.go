// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package spectrogram

import (
	"math"
	"testing"

	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
)

// TestShapeAndRange is property test #7: output width =
// floor(input-length/L), height = L/2+1, all pixels in [0,1].
func TestShapeAndRange(t *testing.T) {
	const (
		n       = 4096
		blockLen = 256
	)
	w := waveform.NewUniform[float32]("Test.in", dualbuf.Likely, dualbuf.Never)
	w.Timescale = 1000
	for i := 0; i < n; i++ {
		w.Samples.PushBack(float32(math.Sin(float64(i) * 0.1)))
	}
	w.MarkModifiedFromHost()

	df, err := Run(nil, nil, w, Params{BlockLen: blockLen, SampleHz: 1e9, RangeMinDB: -100, RangeMaxDB: 0})
	if err != nil {
		t.Fatal(err)
	}
	wantWidth := n / blockLen
	wantHeight := blockLen/2 + 1
	if df.Width != wantWidth {
		t.Errorf("width = %d, want %d", df.Width, wantWidth)
	}
	if df.Height != wantHeight {
		t.Errorf("height = %d, want %d", df.Height, wantHeight)
	}
	for _, v := range df.Output.Host() {
		if v < 0 || v > 1 {
			t.Errorf("pixel out of [0,1]: %v", v)
		}
	}
}

func TestWaterfallScrolls(t *testing.T) {
	wf, err := NewWaterfall(8, 4)
	if err != nil {
		t.Fatal(err)
	}
	row1 := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	row2 := []float32{0, 0, 0, 0, 0, 0, 0, 0}
	wf.Refresh(row1)
	wf.Refresh(row2)
	out := wf.Accum.Output.Host()
	for i := 0; i < 8; i++ {
		if out[i] != 0 {
			t.Errorf("row 0 should be newest (row2=0), got %v at %d", out[i], i)
		}
	}
	for i := 8; i < 16; i++ {
		if out[i] != 1 {
			t.Errorf("row 1 should be row1=1, got %v at %d", out[i], i)
		}
	}
}
