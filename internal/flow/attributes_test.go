package flow

import (
	"errors"
	"testing"

	"github.com/BTreeMap/CarValue/internal/models"
)

func TestDefaultSchemaOrder(t *testing.T) {
	want := []string{
		models.AttrBrand, models.AttrModel, models.AttrYear, models.AttrMileage,
		models.AttrEngine, models.AttrFuel, models.AttrCountry,
	}
	got := DefaultSchema().Names()
	if len(got) != len(want) {
		t.Fatalf("schema has %d attributes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attribute %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNewSchemaValidation(t *testing.T) {
	tests := []struct {
		name  string
		specs []AttributeSpec
	}{
		{"empty", nil},
		{"no name", []AttributeSpec{{Coerce: CoerceText}}},
		{"no coercion", []AttributeSpec{{Name: "brand"}}},
		{"duplicate", []AttributeSpec{{Name: "brand", Coerce: CoerceText}, {Name: "brand", Coerce: CoerceLower}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSchema(tt.specs...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCoercion(t *testing.T) {
	tests := []struct {
		name    string
		coerce  CoerceFunc
		input   string
		want    models.Value
		wantErr bool
	}{
		{"text kept verbatim", CoerceText, "Toyota", models.TextValue("Toyota"), false},
		{"lower", CoerceLower, "PeTrol", models.TextValue("petrol"), false},
		{"upper", CoerceUpper, "ua", models.TextValue("UA"), false},
		{"integer", CoerceInteger, "2015", models.IntegerValue(2015), false},
		{"integer trims spaces", CoerceInteger, " 120 ", models.IntegerValue(120), false},
		{"integer negative", CoerceInteger, "-3", models.IntegerValue(-3), false},
		{"integer max", CoerceInteger, "9223372036854775807", models.IntegerValue(9223372036854775807), false},
		{"integer rejects overflow", CoerceInteger, "9223372036854775808", models.Value{}, true},
		{"integer rejects decimal", CoerceInteger, "2015.5", models.Value{}, true},
		{"integer rejects words", CoerceInteger, "twenty", models.Value{}, true},
		{"integer rejects empty", CoerceInteger, "", models.Value{}, true},
		{"decimal", CoerceDecimal, "1.6", models.DecimalValue(1.6), false},
		{"decimal whole", CoerceDecimal, "2", models.DecimalValue(2), false},
		{"decimal rejects words", CoerceDecimal, "big", models.Value{}, true},
		{"decimal rejects NaN", CoerceDecimal, "NaN", models.Value{}, true},
		{"decimal rejects Inf", CoerceDecimal, "Inf", models.Value{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.coerce(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidNumber) {
					t.Fatalf("expected ErrInvalidNumber, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCaseNormalizationIdempotent(t *testing.T) {
	coercions := map[string]CoerceFunc{"lower": CoerceLower, "upper": CoerceUpper}
	inputs := []string{"petrol", "UA", "Diesel", "usa", "PeTrol", ""}
	for name, coerce := range coercions {
		for _, input := range inputs {
			once, err := coerce(input)
			if err != nil {
				t.Fatalf("%s(%q): %v", name, input, err)
			}
			twice, err := coerce(once.Text)
			if err != nil {
				t.Fatalf("%s(%q): %v", name, once.Text, err)
			}
			if twice != once {
				t.Errorf("%s not idempotent for %q: %+v then %+v", name, input, once, twice)
			}
		}
	}
}

func TestDecimalTextKeepsFraction(t *testing.T) {
	v, err := CoerceDecimal("2")
	if err != nil {
		t.Fatal(err)
	}
	if v.Text != "2.0" {
		t.Errorf("Text = %q, want 2.0", v.Text)
	}
}

func TestInvalidAnswerErrorMatching(t *testing.T) {
	_, cause := CoerceInteger("abc")
	err := error(&InvalidAnswerError{Attribute: models.AttrYear, Input: "abc", Err: cause})

	if !errors.Is(err, ErrInvalidAnswer) {
		t.Error("should match ErrInvalidAnswer")
	}
	if !errors.Is(err, ErrInvalidNumber) {
		t.Error("should match ErrInvalidNumber")
	}
	var target *InvalidAnswerError
	if !errors.As(err, &target) || target.Attribute != models.AttrYear {
		t.Errorf("errors.As failed: %v", err)
	}
}
