// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package filter

import (
	"strings"
	"testing"

	"github.com/gviegas/scopecore/unit"
	"github.com/gviegas/scopecore/waveform"
)

func TestParameterAccessors(t *testing.T) {
	f := NewFloat(unit.Volts, 1.5)
	if f.Float() != 1.5 {
		t.Errorf("Float() = %v, want 1.5", f.Float())
	}
	f.SetFloat(2.5)
	if f.Float() != 2.5 {
		t.Errorf("Float() after SetFloat = %v, want 2.5", f.Float())
	}

	en := NewEnum(map[string]int{"a": 0, "b": 1, "c": 2}, 1)
	if en.String() != "b" {
		t.Errorf("enum String() = %q, want %q", en.String(), "b")
	}
	if err := en.SetEnumByName("c"); err != nil {
		t.Fatal(err)
	}
	if en.Int() != 2 {
		t.Errorf("enum Int() after SetEnumByName = %d, want 2", en.Int())
	}
	if err := en.SetEnumByName("nope"); err == nil {
		t.Error("SetEnumByName with unknown name should error")
	}

	b := NewBool(true)
	if !b.Bool() {
		t.Error("Bool() = false, want true")
	}
	if b.Float() != 1 {
		t.Errorf("Bool.Float() = %v, want 1", b.Float())
	}
}

func TestNodeWiringAndDownstream(t *testing.T) {
	up := NewNode("source", 0)
	up.AddOutput(waveform.Stream{Name: "out", Type: waveform.Analog})

	down := NewNode("sink", 1)
	down.SetInputName(0, "in")

	var changes int
	down.OnChange(func(n *Node, kind ChangeKind, index int) {
		if kind == InputChanged {
			changes++
		}
	})

	if err := down.SetInput(0, up, 0, true, nil); err != nil {
		t.Fatal(err)
	}
	if changes != 1 {
		t.Errorf("OnChange fired %d times, want 1", changes)
	}
	if !down.inputs[0].Connected() {
		t.Error("input should be connected")
	}

	ds := up.Downstream()
	if len(ds) != 1 || ds[0] != down {
		t.Errorf("Downstream() = %v, want [down]", ds)
	}

	if err := down.SetInput(0, nil, 0, true, nil); err != nil {
		t.Fatal(err)
	}
	if down.inputs[0].Connected() {
		t.Error("input should be disconnected")
	}
}

func TestSetInputValidation(t *testing.T) {
	up := NewNode("source", 0)
	up.AddOutput(waveform.Stream{Name: "out", Type: waveform.Digital})

	down := NewNode("sink", 1)
	reject := func(i int, s *waveform.Stream) bool { return s.Type == waveform.Analog }
	if err := down.SetInput(0, up, 0, false, reject); err == nil {
		t.Error("expected validation to reject Digital stream")
	}
	if down.inputs[0].Connected() {
		t.Error("rejected input should remain unconnected")
	}
}

func TestErrorLifecycle(t *testing.T) {
	n := NewNode("x", 0)
	if n.Error().HasError() {
		t.Error("fresh node should have no error")
	}
	n.SetError(ErrMissingGPUSupport, "no push descriptors")
	if !n.Error().HasError() {
		t.Error("expected error after SetError")
	}
	n.ClearError()
	if n.Error().HasError() {
		t.Error("expected no error after ClearError")
	}
}

func TestRegistry(t *testing.T) {
	Register("test.filter_test.echo", func() Refresher { return nil })
	found := false
	for _, name := range RegisteredNames() {
		if name == "test.filter_test.echo" {
			found = true
		}
	}
	if !found {
		t.Error("expected registered name in RegisteredNames()")
	}
	if _, err := Create("test.filter_test.nonexistent"); err == nil {
		t.Error("expected error creating unregistered filter")
	}
}

func TestMarshal(t *testing.T) {
	up := NewNode("source", 0)
	n := NewNode("gain", 1)
	n.AddParam("scale", NewFloat(unit.Ratio, 2))
	if err := n.SetInput(0, up, 0, true, nil); err != nil {
		t.Fatal(err)
	}
	ids := map[*Node]string{up: "node-0"}
	out, err := n.Marshal(ids)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if !strings.Contains(s, "type: gain") {
		t.Errorf("marshal output missing type: %s", s)
	}
	if !strings.Contains(s, "node-0") {
		t.Errorf("marshal output missing upstream id: %s", s)
	}
}
