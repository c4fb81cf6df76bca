// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package eyepattern

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
			return g, cmd
		}
	}
	t.Fatal("cpu driver not registered")
	return nil, nil
}

// TestNRZEye is end-to-end scenario D: NRZ @ 10 Gbps, 1024x512 grid,
// center 0V, range 1V, saturation 1.
func TestNRZEye(t *testing.T) {
	const (
		n          = 20000
		bitRate    = 10e9
		uiFs       = int64(1e15 / bitRate)
		timescale  = int64(10_000) // 10 ps/sample
	)
	data := waveform.NewUniform[float32]("Test.nrz", dualbuf.Likely, dualbuf.Never)
	data.Timescale = timescale

	var edges []int64
	bit := float32(0)
	samplesPerUI := int(uiFs / timescale)
	for i := 0; i < n; i++ {
		if i%samplesPerUI == 0 {
			if bit == 0 {
				bit = 1
			} else {
				bit = -1
			}
			edges = append(edges, int64(i)*timescale)
		}
		data.Samples.PushBack(bit)
	}
	data.MarkModifiedFromHost()

	st, err := NewState(1024, 512)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Refresh(nil, nil, data, edges, Params{
		SaturationLevel: 1,
		CenterVoltage:   0,
		VerticalRange:   1,
		NumLevels:       2,
	}); err != nil {
		t.Fatal(err)
	}

	if math.Abs(float64(st.Accum.UIWidth-uiFs))/float64(uiFs) > 0.01 {
		t.Errorf("uiWidth = %d, want within 1%% of %d", st.Accum.UIWidth, uiFs)
	}
	if st.Accum.TotalUIs != int64(len(edges)) {
		t.Errorf("totalUIs = %d, want %d", st.Accum.TotalUIs, len(edges))
	}

	st.Normalize()
	var max float32
	for _, v := range st.Accum.Output.Host() {
		if v > max {
			max = v
		}
	}
	if max != 1.0 {
		t.Errorf("max(out) = %v, want 1.0", max)
	}
}

// TestNRZEyeGPUPath forces the index-search/integrate GPU dispatch
// pair (CapInt64 + CapAtomicInt64, attached via the cpu software
// backend) and checks it reaches the same totalUIs and post-
// normalize peak as the CPU dense path in TestNRZEye.
func TestNRZEyeGPUPath(t *testing.T) {
	gpu, cmd := openGPU(t)
	const (
		n         = 20000
		bitRate   = 10e9
		uiFs      = int64(1e15 / bitRate)
		timescale = int64(10_000) // 10 ps/sample
	)
	data := waveform.NewUniform[float32]("Test.nrz", dualbuf.Likely, dualbuf.Never)
	data.Timescale = timescale

	var edges []int64
	bit := float32(0)
	samplesPerUI := int(uiFs / timescale)
	for i := 0; i < n; i++ {
		if i%samplesPerUI == 0 {
			if bit == 0 {
				bit = 1
			} else {
				bit = -1
			}
			edges = append(edges, int64(i)*timescale)
		}
		data.Samples.PushBack(bit)
	}
	data.MarkModifiedFromHost()

	st, err := NewState(1024, 512)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Refresh(gpu, cmd, data, edges, Params{
		SaturationLevel: 1,
		CenterVoltage:   0,
		VerticalRange:   1,
		NumLevels:       2,
	}); err != nil {
		t.Fatal(err)
	}

	if st.Accum.TotalUIs != int64(len(edges)) {
		t.Errorf("totalUIs = %d, want %d", st.Accum.TotalUIs, len(edges))
	}
	if st.Accum.TotalSamples == 0 {
		t.Errorf("totalSamples = 0, want > 0 after GPU integration")
	}

	st.Normalize()
	var max float32
	for _, v := range st.Accum.Output.Host() {
		if v > max {
			max = v
		}
	}
	if max != 1.0 {
		t.Errorf("max(out) = %v, want 1.0", max)
	}
}
