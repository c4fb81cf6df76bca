// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package filter implements FlowGraphNode: the common base every
// filter in the compute core builds on — ordered named inputs, a
// typed parameter map, output streams, a string-keyed registry in
// place of RTTI-based factory construction, and the error-reporting
// and change-notification discipline shared by every leaf filter.
package filter

import (
	"fmt"
	"log"
	"sync"
	"weak"

	"gopkg.in/yaml.v3"

	"github.com/gviegas/scopecore/unit"
	"github.com/gviegas/scopecore/waveform"
)

// Residency is a node's preference for where it wants a given input
// (or output) resident before Refresh runs.
type Residency int

// Residency preferences.
const (
	DontCare Residency = iota
	Host
	Device
)

// ParamType enumerates the kinds of values a Parameter can hold.
type ParamType int

// Parameter types.
const (
	ParamFloat ParamType = iota
	ParamInt
	ParamBool
	ParamFilename
	ParamEnum
	ParamString
	Param8B10B
)

// Parameter is one entry of a node's parameter map: a typed value
// with a unit tag and UI hints.
type Parameter struct {
	Type ParamType
	Unit unit.Type

	Hide     bool
	ReadOnly bool

	f float64
	i int64
	b bool
	s string

	// Enum-only: bidirectional name<->int map.
	enumNames map[int]string
	enumVals  map[string]int

	// Filename-only.
	FileMask    string
	FileName    string
	FileIsOutput bool
}

// NewFloat creates a Float parameter.
func NewFloat(u unit.Type, v float64) *Parameter { return &Parameter{Type: ParamFloat, Unit: u, f: v} }

// NewInt creates an Int parameter.
func NewInt(u unit.Type, v int64) *Parameter { return &Parameter{Type: ParamInt, Unit: u, i: v} }

// NewBool creates a Bool parameter.
func NewBool(v bool) *Parameter { return &Parameter{Type: ParamBool, b: v} }

// NewString creates a String parameter.
func NewString(v string) *Parameter { return &Parameter{Type: ParamString, s: v} }

// New8B10B creates an "8B10B pattern" parameter, stored as its
// textual pattern representation.
func New8B10B(v string) *Parameter { return &Parameter{Type: Param8B10B, s: v} }

// NewFilename creates a Filename parameter.
func NewFilename(mask, name string, isOutput bool) *Parameter {
	return &Parameter{Type: ParamFilename, FileMask: mask, FileName: name, FileIsOutput: isOutput, s: name}
}

// NewEnum creates an Enum parameter from a name->int map; v is the
// initial value (by int).
func NewEnum(names map[string]int, v int) *Parameter {
	byInt := make(map[int]string, len(names))
	for n, i := range names {
		byInt[i] = n
	}
	return &Parameter{Type: ParamEnum, i: int64(v), enumNames: byInt, enumVals: names}
}

// Float returns the parameter's value as float64, converting from
// Int/Bool where meaningful.
func (p *Parameter) Float() float64 {
	switch p.Type {
	case ParamFloat:
		return p.f
	case ParamInt, ParamEnum:
		return float64(p.i)
	case ParamBool:
		if p.b {
			return 1
		}
		return 0
	}
	return 0
}

// Int returns the parameter's value as int64.
func (p *Parameter) Int() int64 {
	switch p.Type {
	case ParamInt, ParamEnum:
		return p.i
	case ParamFloat:
		return int64(p.f)
	case ParamBool:
		if p.b {
			return 1
		}
		return 0
	}
	return 0
}

// Bool returns the parameter's value as bool.
func (p *Parameter) Bool() bool {
	if p.Type == ParamBool {
		return p.b
	}
	return p.Float() != 0
}

// String returns the parameter's textual value (String, Filename,
// 8B10B, or the resolved Enum name).
func (p *Parameter) String() string {
	switch p.Type {
	case ParamEnum:
		return p.enumNames[int(p.i)]
	case ParamFloat:
		return fmt.Sprintf("%g", p.f)
	case ParamInt:
		return fmt.Sprintf("%d", p.i)
	case ParamBool:
		return fmt.Sprintf("%t", p.b)
	}
	return p.s
}

// SetFloat sets a Float parameter's value.
func (p *Parameter) SetFloat(v float64) { p.f = v }

// SetInt sets an Int parameter's value.
func (p *Parameter) SetInt(v int64) { p.i = v }

// SetBool sets a Bool parameter's value.
func (p *Parameter) SetBool(v bool) { p.b = v }

// SetString sets a String/Filename/8B10B parameter's value.
func (p *Parameter) SetString(v string) { p.s = v }

// SetEnumByName sets an Enum parameter by name, returning an error
// if the name is not in its map.
func (p *Parameter) SetEnumByName(name string) error {
	v, ok := p.enumVals[name]
	if !ok {
		return fmt.Errorf("filter: unknown enum value %q", name)
	}
	p.i = int64(v)
	return nil
}

// EnumNames returns the set of valid enum names for an Enum
// parameter.
func (p *Parameter) EnumNames() []string {
	names := make([]string, 0, len(p.enumVals))
	for n := range p.enumVals {
		names = append(names, n)
	}
	return names
}

// Input is one ordered, named input slot of a node: a reference to
// an upstream node's output stream, or nil if unconnected.
type Input struct {
	Name string

	Upstream *Node   // strong reference, per §9
	Channel  int     // index into Upstream's Outputs
	Required bool
}

// Connected reports whether the input is wired to an upstream
// output.
func (in *Input) Connected() bool { return in.Upstream != nil }

// Output is one named output slot, paired with a waveform owner.
type Output struct {
	Stream waveform.Stream
	Owner  waveform.Owner
}

// Errors is the (title, log) pair a node accumulates when Refresh
// encounters a configuration, capability, or data error (§7). It is
// never thrown across the Refresh call boundary.
type Errors struct {
	Title string
	Log   string
}

// HasError reports whether an error is currently recorded.
func (e Errors) HasError() bool { return e.Title != "" }

// ErrMissingGPUSupport is the fixed user-facing title used for
// capability errors (§7 category 2), e.g. a push-descriptor
// requirement the attached device does not meet.
const ErrMissingGPUSupport = "Missing GPU support"

// ChangeKind enumerates the events a node emits change signals for.
type ChangeKind int

// Change kinds.
const (
	ParamChanged ChangeKind = iota
	InputChanged
)

// ChangeFunc is a UI-facing change-signal subscriber.
type ChangeFunc func(n *Node, kind ChangeKind, index int)

// Node is the data-carrier struct re-expressing FlowGraphNode: every
// concrete filter embeds *Node and implements Refresher.
type Node struct {
	TypeName string // registry key, e.g. "clock_recovery"

	mu sync.RWMutex

	inputs  []Input
	outputs []Output
	params  map[string]*Parameter

	inputResidency  map[int]Residency
	outputResidency map[int]Residency

	errs Errors

	downstream []weak.Pointer[Node] // weak: avoids ownership cycles per §9

	onChange []ChangeFunc
}

// NewNode creates a Node with the given number of (initially
// unconnected) inputs.
func NewNode(typeName string, numInputs int) *Node {
	return &Node{
		TypeName:        typeName,
		inputs:          make([]Input, numInputs),
		params:          make(map[string]*Parameter),
		inputResidency:  make(map[int]Residency),
		outputResidency: make(map[int]Residency),
	}
}

// InputCount returns the number of ordered input slots.
func (n *Node) InputCount() int { return len(n.inputs) }

// InputName returns the name of input i.
func (n *Node) InputName(i int) string { return n.inputs[i].Name }

// SetInputName sets the display name of input i; used by
// constructors when building the ordered input list.
func (n *Node) SetInputName(i int, name string) { n.inputs[i].Name = name }

// SetInput wires input i to an upstream node's output channel. If
// force is false and ValidateChannel rejects the connection, an
// error is returned and the input is left unchanged.
func (n *Node) SetInput(i int, upstream *Node, channel int, force bool, validate func(int, *waveform.Stream) bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i < 0 || i >= len(n.inputs) {
		return fmt.Errorf("filter: input index %d out of range", i)
	}
	if upstream == nil {
		n.inputs[i].Upstream, n.inputs[i].Channel = nil, 0
		n.emit(InputChanged, i)
		return nil
	}
	if !force && validate != nil {
		if channel < 0 || channel >= len(upstream.outputs) {
			return fmt.Errorf("filter: channel %d out of range on upstream node", channel)
		}
		if !validate(i, &upstream.outputs[channel].Stream) {
			return fmt.Errorf("filter: input %d rejects upstream channel %d", i, channel)
		}
	}
	n.inputs[i].Upstream, n.inputs[i].Channel = upstream, channel
	upstream.addDownstream(n)
	n.emit(InputChanged, i)
	return nil
}

func (n *Node) addDownstream(child *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.downstream = append(n.downstream, weak.Make(child))
}

// Downstream returns the currently-live downstream nodes, pruning
// any that have been garbage collected.
func (n *Node) Downstream() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	live := n.downstream[:0]
	var out []*Node
	for _, w := range n.downstream {
		if p := w.Value(); p != nil {
			live = append(live, w)
			out = append(out, p)
		}
	}
	n.downstream = live
	return out
}

// AddOutput appends a new output slot with the given stream
// descriptor.
func (n *Node) AddOutput(s waveform.Stream) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outputs = append(n.outputs, Output{Stream: s})
	return len(n.outputs) - 1
}

// OutputCount returns the number of output slots.
func (n *Node) OutputCount() int { return len(n.outputs) }

// Output returns a pointer to output slot i.
func (n *Node) Output(i int) *Output { return &n.outputs[i] }

// SetInputResidency records where the node wants input i resident
// before Refresh runs.
func (n *Node) SetInputResidency(i int, r Residency) { n.inputResidency[i] = r }

// InputResidency returns the residency preference for input i,
// defaulting to DontCare.
func (n *Node) InputResidency(i int) Residency { return n.inputResidency[i] }

// AddParam registers a named parameter.
func (n *Node) AddParam(name string, p *Parameter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params[name] = p
	n.emit(ParamChanged, -1)
}

// Param returns the named parameter, or nil if absent.
func (n *Node) Param(name string) *Parameter {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.params[name]
}

// ParamNames returns the full parameter map name set, for iteration
// (e.g. serialization).
func (n *Node) ParamNames() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.params))
	for k := range n.params {
		names = append(names, k)
	}
	return names
}

// SetError records a (title, log) error pair (§7 categories 1-3).
func (n *Node) SetError(title, log string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = Errors{Title: title, Log: log}
}

// ClearError clears any recorded error; called at the top of a
// successful Refresh.
func (n *Node) ClearError() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = Errors{}
}

// Error returns the currently recorded error pair.
func (n *Node) Error() Errors {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.errs
}

// OnChange registers a change-signal subscriber.
func (n *Node) OnChange(f ChangeFunc) { n.onChange = append(n.onChange, f) }

func (n *Node) emit(kind ChangeKind, index int) {
	for _, f := range n.onChange {
		f(n, kind, index)
	}
}

// serialForm is the tagged-document (YAML) on-disk shape of one
// node, per §6: parameters, input references by ID-table lookup, and
// the error title/log pair.
type serialForm struct {
	Type   string            `yaml:"type"`
	Params map[string]string `yaml:"params"`
	Inputs []inputRef        `yaml:"inputs"`
	Error  Errors            `yaml:"error,omitempty"`
}

type inputRef struct {
	ID      string `yaml:"id,omitempty"`
	Channel int    `yaml:"channel"`
}

// Marshal serializes the node to the tagged-document YAML format.
// ids maps upstream *Node pointers to their stable document ID,
// supplied by the caller's graph-wide ID table.
func (n *Node) Marshal(ids map[*Node]string) ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sf := serialForm{
		Type:   n.TypeName,
		Params: make(map[string]string, len(n.params)),
		Inputs: make([]inputRef, len(n.inputs)),
		Error:  n.errs,
	}
	for name, p := range n.params {
		sf.Params[name] = p.String()
	}
	for i, in := range n.inputs {
		if in.Upstream != nil {
			sf.Inputs[i] = inputRef{ID: ids[in.Upstream], Channel: in.Channel}
		}
	}
	return yaml.Marshal(&sf)
}

// Refresher is implemented by every leaf filter: Refresh consumes
// its inputs and (re)populates its outputs, recording any error via
// SetError instead of returning one.
type Refresher interface {
	Refresh() error
}

// Registry replaces RTTI-based factory construction with an
// explicit string-keyed map of constructors, mirroring the
// accel.Register/Drivers discipline used by the accelerator
// abstraction.
var (
	registryMu sync.Mutex
	registry   = make(map[string]func() Refresher)
)

// Register adds (or replaces) the constructor for a named filter
// type.
func Register(name string, ctor func() Refresher) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		log.Printf("[!] filter: %q replaced", name)
	}
	registry[name] = ctor
}

// Create instantiates the named filter type, or returns an error if
// no constructor is registered under that name.
func Create(name string) (Refresher, error) {
	registryMu.Lock()
	ctor, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("filter: no constructor registered for %q", name)
	}
	return ctor(), nil
}

// RegisteredNames returns the set of registered filter type names.
func RegisteredNames() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}
