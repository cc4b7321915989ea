package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testArtifact = `{
  "columns": ["brand_Toyota", "model_Corolla", "age", "mileage", "engine", "fuel_petrol", "country_UA"],
  "model": {"kind": "linear", "intercept": 1000, "coefficients": [100, 200, -50, -10, 500, 30, 40]}
}`

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, []byte(testArtifact), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

var corolla = []string{
	"--brand", "Toyota", "--model-name", "Corolla", "--year", "2015", "--mileage", "120",
	"--engine", "1.6", "--fuel", "Petrol", "--country", "ua",
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(append([]string{"carvaluectl"}, args...))
	return out.String(), err
}

func TestColumnsCommand(t *testing.T) {
	out, err := runApp(t, "--model", writeArtifact(t), "columns")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 7 {
		t.Fatalf("expected 7 columns, got %d: %q", len(lines), out)
	}
	if lines[0] != "0\tbrand_Toyota" || lines[6] != "6\tcountry_UA" {
		t.Errorf("unexpected listing: %q", out)
	}
}

func TestEncodeCommandJSON(t *testing.T) {
	args := append([]string{"--model", writeArtifact(t), "encode", "--json"}, corolla...)
	out, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got encodeOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	want := []float64{1, 1, 10, 120, 1.6, 1, 1}
	if len(got.Vector) != len(want) {
		t.Fatalf("vector = %v, want %v", got.Vector, want)
	}
	for i := range want {
		if got.Vector[i] != want[i] {
			t.Errorf("vector[%d] = %v, want %v", i, got.Vector[i], want[i])
		}
	}
	if len(got.Placements) != 7 {
		t.Errorf("expected 7 placements, got %d", len(got.Placements))
	}
}

func TestEncodeCommandTable(t *testing.T) {
	args := append([]string{"--model", writeArtifact(t), "encode"}, corolla...)
	out, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(out, "FEATURE") || !strings.Contains(out, "vector: [1 1 10 120 1.6 1 1]") {
		t.Errorf("unexpected table output:\n%s", out)
	}
}

func TestEstimateCommand(t *testing.T) {
	args := append([]string{"--model", writeArtifact(t), "estimate"}, corolla...)
	out, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if strings.TrimSpace(out) != "$470.00" {
		t.Errorf("estimate = %q, want $470.00", out)
	}
}

func TestEstimateCommand_InvalidNumber(t *testing.T) {
	args := []string{"--model", writeArtifact(t), "estimate",
		"--brand", "Toyota", "--model-name", "Corolla", "--year", "twenty", "--mileage", "120",
		"--engine", "1.6", "--fuel", "petrol", "--country", "UA"}
	_, err := runApp(t, args...)
	if err == nil || !strings.Contains(err.Error(), "--year") {
		t.Fatalf("expected --year error, got %v", err)
	}
}

func TestEstimateCommand_MissingArtifact(t *testing.T) {
	args := append([]string{"--model", filepath.Join(t.TempDir(), "absent.json"), "estimate"}, corolla...)
	if _, err := runApp(t, args...); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}
