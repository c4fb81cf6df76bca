// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package unit implements Unit: a numeric quantity tagged with one
// of an enumerated set of units, with pretty-printing and parsing
// in both locale and neutral forms. Every Stream and filter
// parameter carries a Unit.
package unit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type enumerates the unit tags a Unit may carry.
type Type int

// Unit types.
const (
	FS Type = iota
	Seconds
	Hertz
	Volts
	DB
	DBm
	Ratio
	Counts
	SampleDepth
	BitRate
	Hex
	Percent
	UI
)

var names = [...]string{
	FS:          "fs",
	Seconds:     "s",
	Hertz:       "Hz",
	Volts:       "V",
	DB:          "dB",
	DBm:         "dBm",
	Ratio:       "",
	Counts:      "",
	SampleDepth: "S",
	BitRate:     "b/s",
	Hex:         "h",
	Percent:     "%",
	UI:          "UI",
}

// String returns the unit's symbol, the empty string for
// dimensionless types.
func (t Type) String() string {
	if int(t) < 0 || int(t) >= len(names) {
		return "?"
	}
	return names[t]
}

// si is the table of SI magnitude prefixes used by pretty-printing,
// ordered from largest to smallest.
var si = []struct {
	mag    float64
	prefix string
}{
	{1e12, "T"}, {1e9, "G"}, {1e6, "M"}, {1e3, "k"},
	{1, ""},
	{1e-3, "m"}, {1e-6, "u"}, {1e-9, "n"}, {1e-12, "p"}, {1e-15, "f"},
}

// Value is a numeric quantity tagged with a unit.
type Value struct {
	Type  Type
	Value float64
}

// New creates a Value.
func New(t Type, v float64) Value { return Value{t, v} }

// Pretty formats v with an SI magnitude prefix and its unit's
// symbol, e.g. "1.25 GHz" or "800 ps". Dimensionless units
// (Ratio, Counts) omit the prefix/symbol and print the bare
// number.
func (v Value) Pretty() string {
	switch v.Type {
	case Ratio, Counts:
		return strconv.FormatFloat(v.Value, 'g', 6, 64)
	case Percent:
		return strconv.FormatFloat(v.Value*100, 'f', 2, 64) + "%"
	case Hex:
		return fmt.Sprintf("0x%x", int64(v.Value))
	}
	mag := math.Abs(v.Value)
	prefix := ""
	scaled := v.Value
	for _, e := range si {
		if mag >= e.mag || e.mag == 1 {
			if mag == 0 {
				prefix = ""
				scaled = 0
				break
			}
			if mag >= e.mag {
				prefix = e.prefix
				scaled = v.Value / e.mag
				break
			}
		}
	}
	return strconv.FormatFloat(scaled, 'g', 6, 64) + " " + prefix + v.Type.String()
}

// Neutral formats v without any locale-specific grouping or
// decimal-separator substitution: a plain base-unit float followed
// by the unit symbol, e.g. "1250000000 Hz". Intended for
// machine-readable round-tripping (serialization, test fixtures).
func (v Value) Neutral() string {
	return strconv.FormatFloat(v.Value, 'g', -1, 64) + " " + v.Type.String()
}

// Parse parses a neutral-form or SI-prefixed string such as
// "1.25 GHz", "800ps" or "-3.5dB" into a Value of the given
// expected unit type. The unit symbol, if present, must match t's
// symbol (case-insensitively); if absent, the bare number is
// accepted.
func Parse(t Type, s string) (Value, error) {
	s = strings.TrimSpace(s)
	sym := t.String()
	body := s
	if sym != "" {
		// Find where the numeric part ends: the first run of
		// letters/% not part of an exponent.
		i := 0
		for i < len(s) {
			c := s[i]
			if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' {
				i++
				continue
			}
			if (c == 'e' || c == 'E') && i > 0 {
				i++
				continue
			}
			break
		}
		numPart := strings.TrimSpace(s[:i])
		rest := strings.TrimSpace(s[i:])
		if numPart == "" {
			return Value{}, fmt.Errorf("unit: cannot parse %q", s)
		}
		mul := 1.0
		unitFound := false
		for _, e := range si {
			p := e.prefix + sym
			if strings.EqualFold(rest, p) {
				mul = e.mag
				unitFound = true
				break
			}
		}
		if !unitFound && rest != "" && !strings.EqualFold(rest, sym) {
			return Value{}, fmt.Errorf("unit: unexpected suffix %q in %q", rest, s)
		}
		f, err := strconv.ParseFloat(numPart, 64)
		if err != nil {
			return Value{}, fmt.Errorf("unit: %w", err)
		}
		return Value{t, f * mul}, nil
	}
	if t == Percent {
		body = strings.TrimSuffix(body, "%")
		f, err := strconv.ParseFloat(strings.TrimSpace(body), 64)
		if err != nil {
			return Value{}, fmt.Errorf("unit: %w", err)
		}
		return Value{t, f / 100}, nil
	}
	f, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return Value{}, fmt.Errorf("unit: %w", err)
	}
	return Value{t, f}, nil
}
