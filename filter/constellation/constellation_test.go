// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package constellation

import (
	"math"
	"testing"

	"github.com/gviegas/scopecore/dualbuf"
	"github.com/gviegas/scopecore/waveform"
)

// TestEVMZeroOnNominalPoints feeds exact QAM-4 nominal points through
// Refresh and expects EVM to measure (near) zero.
func TestEVMZeroOnNominalPoints(t *testing.T) {
	st, err := NewState(64, 64)
	if err != nil {
		t.Fatal(err)
	}
	st.Modulation = QAM4

	pts := NominalPoints(QAM4)
	i := waveform.NewUniform[float32]("Test.i", dualbuf.Likely, dualbuf.Never)
	q := waveform.NewUniform[float32]("Test.q", dualbuf.Likely, dualbuf.Never)
	for rep := 0; rep < 100; rep++ {
		for _, p := range pts {
			i.Samples.PushBack(float32(p[0]))
			q.Samples.PushBack(float32(p[1]))
		}
	}
	i.MarkModifiedFromHost()
	q.MarkModifiedFromHost()

	evmVolts, evmPercent := st.Refresh(nil, nil, i, q)
	if evmVolts > 1e-6 {
		t.Errorf("evmVolts = %v, want ~0", evmVolts)
	}
	if evmPercent > 1e-6 {
		t.Errorf("evmPercent = %v, want ~0", evmPercent)
	}
	if st.Accum.TotalSymbols != int64(len(pts)*100) {
		t.Errorf("TotalSymbols = %d, want %d", st.Accum.TotalSymbols, len(pts)*100)
	}
}

// TestNormalizeCentersOnOffsetCloud checks that Normalize shifts
// Center toward a cloud of points offset from the grid's middle.
func TestNormalizeCentersOnOffsetCloud(t *testing.T) {
	st, err := NewState(128, 128)
	if err != nil {
		t.Fatal(err)
	}
	st.Radius = 2

	i := waveform.NewUniform[float32]("Test.i", dualbuf.Likely, dualbuf.Never)
	q := waveform.NewUniform[float32]("Test.q", dualbuf.Likely, dualbuf.Never)
	offset := 0.5
	for rep := 0; rep < 50; rep++ {
		for _, p := range [][2]float64{{1 + offset, 1}, {-1 + offset, 1}, {1 + offset, -1}, {-1 + offset, -1}} {
			i.Samples.PushBack(float32(p[0]))
			q.Samples.PushBack(float32(p[1]))
		}
	}
	i.MarkModifiedFromHost()
	q.MarkModifiedFromHost()

	st.Refresh(nil, nil, i, q)
	st.Normalize(4)

	if math.Abs(st.Center[0]-offset) > 0.3 {
		t.Errorf("Center[0] = %v, want near %v", st.Center[0], offset)
	}
}
