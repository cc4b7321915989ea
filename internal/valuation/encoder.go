// Package valuation turns completed intake answers into model input and runs the
// regression model artifact to produce a price.
package valuation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/BTreeMap/CarValue/internal/models"
)

// DefaultReferenceYear is the training epoch used to derive vehicle age.
const DefaultReferenceYear = 2025

// ErrIncompleteAttributes is returned when encoding is attempted before every
// required attribute has been collected.
var ErrIncompleteAttributes = errors.New("incomplete attributes")

// DefaultAttributeOrder is the order in which collected attributes are encoded.
var DefaultAttributeOrder = []string{
	models.AttrBrand,
	models.AttrModel,
	models.AttrYear,
	models.AttrMileage,
	models.AttrEngine,
	models.AttrFuel,
	models.AttrCountry,
}

// ColumnSchema is the ordered list of feature columns a model expects.
type ColumnSchema struct {
	names []string
	index map[string][]int
}

// NewColumnSchema indexes names. Duplicate names are kept and all of their
// positions are written together.
func NewColumnSchema(names []string) *ColumnSchema {
	cs := &ColumnSchema{
		names: append([]string(nil), names...),
		index: make(map[string][]int, len(names)),
	}
	for i, n := range cs.names {
		cs.index[n] = append(cs.index[n], i)
	}
	return cs
}

// Len returns the number of columns.
func (c *ColumnSchema) Len() int {
	return len(c.names)
}

// Names returns a copy of the column names in order.
func (c *ColumnSchema) Names() []string {
	return append([]string(nil), c.names...)
}

// Has reports whether name is a column.
func (c *ColumnSchema) Has(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Feature is one entry of the working attribute set.
type Feature struct {
	Key   string
	Value models.Value
}

// PlacementMode says how a feature reached the vector.
type PlacementMode string

const (
	PlacementComposite PlacementMode = "composite"
	PlacementBare      PlacementMode = "bare"
	PlacementDropped   PlacementMode = "dropped"
)

// Placement records where a feature was written.
type Placement struct {
	Key    string        `json:"key"`
	Value  string        `json:"value"`
	Column string        `json:"column,omitempty"`
	Mode   PlacementMode `json:"mode"`
	Weight float64       `json:"weight"`
}

// Encoder rebuilds the model's one-hot and numeric layout from collected answers.
type Encoder struct {
	referenceYear int
	order         []string
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithReferenceYear sets the year used to compute age = referenceYear - year.
func WithReferenceYear(year int) EncoderOption {
	return func(e *Encoder) { e.referenceYear = year }
}

// WithAttributeOrder sets the required attributes and their encoding order.
func WithAttributeOrder(order []string) EncoderOption {
	return func(e *Encoder) { e.order = append([]string(nil), order...) }
}

// NewEncoder creates an encoder.
func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{referenceYear: DefaultReferenceYear, order: DefaultAttributeOrder}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReferenceYear returns the configured reference year.
func (e *Encoder) ReferenceYear() int {
	return e.referenceYear
}

// WorkingSet derives the features to encode: the collected attributes in encoding
// order with year replaced in place by age. Attributes outside the configured order
// follow in name order.
func (e *Encoder) WorkingSet(attrs models.Attributes) ([]Feature, error) {
	var missing []string
	for _, name := range e.order {
		if _, ok := attrs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrIncompleteAttributes, missing)
	}

	required := make(map[string]bool, len(e.order))
	features := make([]Feature, 0, len(attrs))
	for _, name := range e.order {
		required[name] = true
		features = append(features, e.derive(name, attrs[name]))
	}

	var extra []string
	for name := range attrs {
		if !required[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		features = append(features, e.derive(name, attrs[name]))
	}
	return features, nil
}

func (e *Encoder) derive(name string, v models.Value) Feature {
	if name == models.AttrYear && v.IsNumeric() {
		return Feature{Key: models.AttrAge, Value: e.age(v)}
	}
	return Feature{Key: name, Value: v}
}

// age returns referenceYear - year, exact for every int64 year. A difference
// outside the int64 range falls back to a decimal age.
func (e *Encoder) age(year models.Value) models.Value {
	ref := int64(e.referenceYear)
	if year.Kind != models.ValueKindInteger {
		return models.DecimalValue(float64(ref) - year.Number)
	}
	if (year.Integer < 0 && ref > math.MaxInt64+year.Integer) || (year.Integer > 0 && ref < math.MinInt64+year.Integer) {
		return models.DecimalValue(float64(ref) - float64(year.Integer))
	}
	return models.IntegerValue(ref - year.Integer)
}

// Encode produces a vector aligned to cols. Positions no feature reaches stay 0.
func (e *Encoder) Encode(attrs models.Attributes, cols *ColumnSchema) ([]float64, error) {
	vec, _, err := e.encode(attrs, cols)
	return vec, err
}

// Explain encodes attrs and reports where each feature landed.
func (e *Encoder) Explain(attrs models.Attributes, cols *ColumnSchema) ([]float64, []Placement, error) {
	return e.encode(attrs, cols)
}

func (e *Encoder) encode(attrs models.Attributes, cols *ColumnSchema) ([]float64, []Placement, error) {
	features, err := e.WorkingSet(attrs)
	if err != nil {
		return nil, nil, err
	}

	vec := make([]float64, cols.Len())
	placements := make([]Placement, 0, len(features))
	for _, f := range features {
		p := Placement{Key: f.Key, Value: f.Value.String(), Mode: PlacementDropped}

		composite := f.Key + "_" + f.Value.String()
		if positions, ok := cols.index[composite]; ok {
			p.Column, p.Mode, p.Weight = composite, PlacementComposite, 1
			write(vec, positions, 1)
		} else if positions, ok := cols.index[f.Key]; ok {
			weight := 1.0
			if f.Value.IsNumeric() {
				weight = f.Value.Number
			}
			p.Column, p.Mode, p.Weight = f.Key, PlacementBare, weight
			write(vec, positions, weight)
		}
		placements = append(placements, p)
	}
	return vec, placements, nil
}

func write(vec []float64, positions []int, v float64) {
	for _, i := range positions {
		vec[i] = v
	}
}
