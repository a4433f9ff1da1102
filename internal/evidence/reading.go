package evidence

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type readingState uint8

const (
	readingAbsent readingState = iota
	readingValue
	readingMalformed
)

// Reading is an optional numeric measurement. Decoding never fails on a bad
// value: anything that is not a finite number is kept as a malformed reading
// so the assessment can fail closed with the offending text in its rationale.
type Reading struct {
	value float64
	state readingState
	raw   string
}

// Value returns a present reading.
func Value(v float64) Reading {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Malformed(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return Reading{value: v, state: readingValue}
}

// Malformed returns a reading that carries unparseable input.
func Malformed(raw string) Reading {
	return Reading{state: readingMalformed, raw: raw}
}

// Float returns the value and whether it is present and well formed.
func (r Reading) Float() (float64, bool) {
	return r.value, r.state == readingValue
}

// Present reports whether the reading holds a number.
func (r Reading) Present() bool { return r.state == readingValue }

// Malformed reports whether the source supplied a value that is not a number.
func (r Reading) Malformed() bool { return r.state == readingMalformed }

// Raw returns the original text of a malformed reading.
func (r Reading) Raw() string { return r.raw }

// String formats the reading for rationales. The format is stable so that
// justifications reproduce byte for byte.
func (r Reading) String() string {
	switch r.state {
	case readingValue:
		return strconv.FormatFloat(r.value, 'f', -1, 64)
	case readingMalformed:
		return strconv.Quote(r.raw)
	default:
		return "absent"
	}
}

func (r Reading) MarshalJSON() ([]byte, error) {
	switch r.state {
	case readingValue:
		return []byte(strconv.FormatFloat(r.value, 'f', -1, 64)), nil
	case readingMalformed:
		return json.Marshal(r.raw)
	default:
		return []byte("null"), nil
	}
}

func (r *Reading) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = Reading{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*r = Malformed(string(b))
			return nil
		}
		*r = ParseReading(s)
		return nil
	}
	*r = ParseReading(string(b))
	return nil
}

func (r *Reading) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		*r = Malformed(node.Value)
		return nil
	}
	if node.Tag == "!!null" || node.Value == "" || node.Value == "~" {
		*r = Reading{}
		return nil
	}
	*r = ParseReading(node.Value)
	return nil
}

// ParseReading parses text from a feed. Empty text is absent; anything
// that is not a finite number is malformed.
func ParseReading(s string) Reading {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reading{}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Malformed(s)
	}
	return Value(v)
}
