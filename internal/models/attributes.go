package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Attribute names collected by the intake flow, plus the derived age column.
const (
	AttrBrand   = "brand"
	AttrModel   = "model"
	AttrYear    = "year"
	AttrMileage = "mileage"
	AttrEngine  = "engine"
	AttrFuel    = "fuel"
	AttrCountry = "country"
	AttrAge     = "age"
)

// ValueKind identifies how a collected answer was coerced.
type ValueKind string

const (
	ValueKindText    ValueKind = "text"
	ValueKindInteger ValueKind = "integer"
	ValueKindDecimal ValueKind = "decimal"
)

// Value is a coerced answer. Numeric kinds carry Number; integers also keep the
// exact parsed Integer. Every kind carries the textual form used to build
// composite column names.
type Value struct {
	Kind    ValueKind
	Text    string
	Number  float64
	Integer int64
}

// TextValue wraps a string answer.
func TextValue(s string) Value {
	return Value{Kind: ValueKindText, Text: s}
}

// IntegerValue wraps an integer answer.
func IntegerValue(n int64) Value {
	return Value{Kind: ValueKindInteger, Text: strconv.FormatInt(n, 10), Number: float64(n), Integer: n}
}

// DecimalValue wraps a decimal answer. The textual form always keeps a fractional
// part, so 2 renders as "2.0" and 1.6 as "1.6".
func DecimalValue(f float64) Value {
	return Value{Kind: ValueKindDecimal, Text: FormatDecimal(f), Number: f}
}

// IsNumeric reports whether the value came from integer or decimal coercion.
func (v Value) IsNumeric() bool {
	return v.Kind == ValueKindInteger || v.Kind == ValueKindDecimal
}

// String returns the textual form of the value.
func (v Value) String() string {
	return v.Text
}

// MarshalJSON encodes numeric values as JSON numbers and text as JSON strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == ValueKindText || v.Kind == "" {
		return json.Marshal(v.Text)
	}
	return []byte(v.Text), nil
}

// UnmarshalJSON restores a value written by MarshalJSON. Numbers without a
// fractional part or exponent come back as integers.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case string:
		*v = TextValue(t)
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value %q: %w", s, err)
			}
			*v = IntegerValue(n)
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid decimal value %q: %w", s, err)
		}
		*v = DecimalValue(f)
	default:
		return fmt.Errorf("unsupported attribute value %s", string(data))
	}
	return nil
}

// FormatDecimal renders f in shortest round-trip form with at least one
// fractional digit.
func FormatDecimal(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Attributes maps attribute names to coerced values.
type Attributes map[string]Value

// Clone returns an independent copy of the attribute set.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
