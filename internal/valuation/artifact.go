package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"
)

var (
	// ErrArtifactLoad covers a missing, unreadable or inconsistent model artifact.
	ErrArtifactLoad = errors.New("model artifact unavailable")
	// ErrInference covers any failure of the predict call itself.
	ErrInference = errors.New("inference failed")
)

// DefaultArtifactPath is where the service looks for the model when none is configured.
const DefaultArtifactPath = "car_value_model.json"

// Model is a trained regressor. Predict takes a batch of rows and returns one
// prediction per row.
type Model interface {
	NumFeatures() int
	Predict(rows [][]float64) ([]float64, error)
}

// ModelDecoder builds a Model from the raw "model" section of an artifact file.
type ModelDecoder func(raw json.RawMessage) (Model, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]ModelDecoder{
		"linear": decodeLinear,
	}
)

// RegisterModelKind associates a model kind with its decoder.
func RegisterModelKind(kind string, dec ModelDecoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[kind] = dec
}

func decoderFor(kind string) (ModelDecoder, bool) {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	dec, ok := decoders[kind]
	return dec, ok
}

// Artifact pairs a model with the column layout it was trained on.
type Artifact struct {
	Columns  *ColumnSchema
	Model    Model
	Source   string
	LoadedAt time.Time
}

// Predict runs the model on a single-row batch and returns the only result.
func (a *Artifact) Predict(vec []float64) (float64, error) {
	if len(vec) != a.Model.NumFeatures() {
		return 0, fmt.Errorf("%w: vector has %d features, model expects %d", ErrInference, len(vec), a.Model.NumFeatures())
	}
	out, err := a.Model.Predict([][]float64{vec})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("%w: model returned no predictions", ErrInference)
	}
	if math.IsNaN(out[0]) || math.IsInf(out[0], 0) {
		return 0, fmt.Errorf("%w: non-finite prediction %v", ErrInference, out[0])
	}
	return out[0], nil
}

// ArtifactSource loads a model artifact.
type ArtifactSource interface {
	Load(ctx context.Context) (*Artifact, error)
}

// FileSource reads a JSON artifact from disk.
type FileSource struct {
	Path string
}

type artifactFile struct {
	Columns  []string        `json:"columns"`
	RawModel json.RawMessage `json:"model"`
}

// Load reads and validates the artifact. All failures wrap ErrArtifactLoad.
func (f FileSource) Load(ctx context.Context) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactLoad, err)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactLoad, err)
	}
	art, err := ParseArtifact(data)
	if err != nil {
		return nil, err
	}
	art.Source = f.Path
	slog.Info("FileSource.Load: model artifact loaded", "path", f.Path, "columns", art.Columns.Len())
	return art, nil
}

// ParseArtifact decodes an artifact document:
//
//	{"columns": [...], "model": {"kind": "linear", ...}}
func ParseArtifact(data []byte) (*Artifact, error) {
	var doc artifactFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %v", ErrArtifactLoad, err)
	}
	if len(doc.Columns) == 0 {
		return nil, fmt.Errorf("%w: artifact has no columns", ErrArtifactLoad)
	}
	if len(doc.RawModel) == 0 {
		return nil, fmt.Errorf("%w: artifact has no model", ErrArtifactLoad)
	}

	var header struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(doc.RawModel, &header); err != nil {
		return nil, fmt.Errorf("%w: decode model header: %v", ErrArtifactLoad, err)
	}
	dec, ok := decoderFor(header.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported model kind %q", ErrArtifactLoad, header.Kind)
	}
	model, err := dec(doc.RawModel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactLoad, err)
	}
	if model.NumFeatures() != len(doc.Columns) {
		return nil, fmt.Errorf("%w: model expects %d features but artifact lists %d columns", ErrArtifactLoad, model.NumFeatures(), len(doc.Columns))
	}

	return &Artifact{
		Columns:  NewColumnSchema(doc.Columns),
		Model:    model,
		LoadedAt: time.Now(),
	}, nil
}

// LinearModel predicts intercept + coefficients·x.
type LinearModel struct {
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
}

func decodeLinear(raw json.RawMessage) (Model, error) {
	var m LinearModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode linear model: %w", err)
	}
	if len(m.Coefficients) == 0 {
		return nil, fmt.Errorf("linear model has no coefficients")
	}
	return &m, nil
}

// NumFeatures returns the number of coefficients.
func (m *LinearModel) NumFeatures() int {
	return len(m.Coefficients)
}

// Predict evaluates each row.
func (m *LinearModel) Predict(rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(m.Coefficients) {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), len(m.Coefficients))
		}
		y := m.Intercept
		for j, x := range row {
			y += m.Coefficients[j] * x
		}
		out[i] = y
	}
	return out, nil
}
