// Package flow implements the vehicle intake conversation: the attribute schema,
// the per-conversation state machine, the session store and the orchestrator that
// ties them to messaging and valuation.
package flow

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/CarValue/internal/models"
)

var (
	// ErrInvalidAnswer is returned when raw text fails an attribute's coercion rule.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrInvalidNumber is wrapped by ErrInvalidAnswer when a numeric parse fails.
	ErrInvalidNumber = errors.New("invalid number")
)

// InvalidAnswerError describes a rejected answer. It matches both ErrInvalidAnswer
// and the underlying coercion error under errors.Is.
type InvalidAnswerError struct {
	Attribute string
	Input     string
	Err       error
}

func (e *InvalidAnswerError) Error() string {
	return fmt.Sprintf("%s for %s: %q: %v", ErrInvalidAnswer, e.Attribute, e.Input, e.Err)
}

func (e *InvalidAnswerError) Unwrap() []error {
	return []error{ErrInvalidAnswer, e.Err}
}

// CoerceFunc converts raw chat text into a typed value.
type CoerceFunc func(text string) (models.Value, error)

// AttributeSpec is the static definition of one collected field.
type AttributeSpec struct {
	Name   string
	Kind   models.ValueKind
	Prompt string
	Coerce CoerceFunc
}

// Schema is the ordered list of attributes a session must collect.
type Schema struct {
	specs []AttributeSpec
}

// NewSchema builds a schema from specs. Names must be unique and non-empty.
func NewSchema(specs ...AttributeSpec) (*Schema, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("schema requires at least one attribute")
	}
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("attribute %d has no name", i)
		}
		if s.Coerce == nil {
			return nil, fmt.Errorf("attribute %s has no coercion rule", s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate attribute %s", s.Name)
		}
		seen[s.Name] = true
	}
	out := make([]AttributeSpec, len(specs))
	copy(out, specs)
	return &Schema{specs: out}, nil
}

// DefaultSchema returns the seven vehicle attributes in collection order.
func DefaultSchema() *Schema {
	s, err := NewSchema(
		AttributeSpec{Name: models.AttrBrand, Kind: models.ValueKindText, Prompt: "Enter the car brand (for example: Toyota):", Coerce: CoerceText},
		AttributeSpec{Name: models.AttrModel, Kind: models.ValueKindText, Prompt: "Enter the model:", Coerce: CoerceText},
		AttributeSpec{Name: models.AttrYear, Kind: models.ValueKindInteger, Prompt: "Year of manufacture:", Coerce: CoerceInteger},
		AttributeSpec{Name: models.AttrMileage, Kind: models.ValueKindInteger, Prompt: "Mileage (thousand km):", Coerce: CoerceInteger},
		AttributeSpec{Name: models.AttrEngine, Kind: models.ValueKindDecimal, Prompt: "Engine displacement (litres):", Coerce: CoerceDecimal},
		AttributeSpec{Name: models.AttrFuel, Kind: models.ValueKindText, Prompt: "Fuel type (petrol/diesel/hybrid/electric):", Coerce: CoerceLower},
		AttributeSpec{Name: models.AttrCountry, Kind: models.ValueKindText, Prompt: "Country (UA, EU, USA):", Coerce: CoerceUpper},
	)
	if err != nil {
		panic(fmt.Sprintf("default schema is invalid: %v", err))
	}
	return s
}

// Len returns the number of attributes.
func (s *Schema) Len() int {
	return len(s.specs)
}

// At returns the attribute at step i.
func (s *Schema) At(i int) (AttributeSpec, bool) {
	if i < 0 || i >= len(s.specs) {
		return AttributeSpec{}, false
	}
	return s.specs[i], true
}

// Names returns attribute names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.specs))
	for i, spec := range s.specs {
		names[i] = spec.Name
	}
	return names
}

// CoerceText returns the text unchanged.
func CoerceText(text string) (models.Value, error) {
	return models.TextValue(text), nil
}

// CoerceLower lowercases the text.
func CoerceLower(text string) (models.Value, error) {
	return models.TextValue(strings.ToLower(text)), nil
}

// CoerceUpper uppercases the text.
func CoerceUpper(text string) (models.Value, error) {
	return models.TextValue(strings.ToUpper(text)), nil
}

// CoerceInteger parses a base-10 integer, ignoring surrounding whitespace.
func CoerceInteger(text string) (models.Value, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return models.Value{}, fmt.Errorf("%w: %q is not a whole number", ErrInvalidNumber, text)
	}
	return models.IntegerValue(n), nil
}

// CoerceDecimal parses a finite decimal number, ignoring surrounding whitespace.
func CoerceDecimal(text string) (models.Value, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return models.Value{}, fmt.Errorf("%w: %q is not a number", ErrInvalidNumber, text)
	}
	return models.DecimalValue(f), nil
}
