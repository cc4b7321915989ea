package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/BTreeMap/CarValue/internal/models"
)

// PricePlaces is the number of decimal places shown to users.
const PricePlaces = 2

// Estimate is the result of one successful valuation.
type Estimate struct {
	Price  decimal.Decimal
	Raw    float64
	Vector []float64
}

// Display renders the price as "$<amount>" with two decimal places.
func (e Estimate) Display() string {
	return FormatPrice(e.Price)
}

// FormatPrice renders d as a dollar amount with two decimal places.
func FormatPrice(d decimal.Decimal) string {
	return "$" + d.StringFixed(PricePlaces)
}

// RoundPrice rounds a raw prediction half away from zero to two places.
func RoundPrice(raw float64) decimal.Decimal {
	return decimal.NewFromFloat(raw).Round(PricePlaces)
}

// Estimator wraps the model artifact. The artifact is loaded on first use and can
// be swapped atomically with Reload; concurrent estimates share it read-only.
type Estimator struct {
	source  ArtifactSource
	encoder *Encoder
	current atomic.Pointer[Artifact]
	loadMu  sync.Mutex
}

// NewEstimator creates an estimator over source using encoder.
func NewEstimator(source ArtifactSource, encoder *Encoder) *Estimator {
	if encoder == nil {
		encoder = NewEncoder()
	}
	return &Estimator{source: source, encoder: encoder}
}

// Encoder returns the feature encoder in use.
func (e *Estimator) Encoder() *Encoder {
	return e.encoder
}

// Artifact returns the loaded artifact, loading it if needed. A failed load is not
// cached, so the next call retries.
func (e *Estimator) Artifact(ctx context.Context) (*Artifact, error) {
	if art := e.current.Load(); art != nil {
		return art, nil
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if art := e.current.Load(); art != nil {
		return art, nil
	}
	art, err := e.source.Load(ctx)
	if err != nil {
		slog.Error("Estimator.Artifact: load failed", "error", err)
		return nil, err
	}
	e.current.Store(art)
	return art, nil
}

// Reload loads a fresh artifact and swaps it in. On failure the previous artifact
// stays active.
func (e *Estimator) Reload(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	art, err := e.source.Load(ctx)
	if err != nil {
		slog.Error("Estimator.Reload: keeping previous artifact", "error", err)
		return err
	}
	e.current.Store(art)
	slog.Info("Estimator.Reload: artifact swapped", "source", art.Source, "columns", art.Columns.Len())
	return nil
}

// Estimate encodes attrs against the artifact's columns and predicts a price.
// Artifact problems return ErrArtifactLoad, predict problems ErrInference;
// incomplete attributes return ErrIncompleteAttributes.
func (e *Estimator) Estimate(ctx context.Context, attrs models.Attributes) (Estimate, error) {
	art, err := e.Artifact(ctx)
	if err != nil {
		return Estimate{}, err
	}

	vec, placements, err := e.encoder.Explain(attrs, art.Columns)
	if err != nil {
		return Estimate{}, err
	}
	for _, p := range placements {
		if p.Mode == PlacementDropped {
			slog.Debug("Estimator.Estimate: feature matched no column", "key", p.Key, "value", p.Value)
		}
	}

	raw, err := predictSafely(art, vec)
	if err != nil {
		slog.Error("Estimator.Estimate: predict failed", "error", err)
		return Estimate{}, err
	}
	return Estimate{Price: RoundPrice(raw), Raw: raw, Vector: vec}, nil
}

func predictSafely(art *Artifact, vec []float64) (price float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: model panicked: %v", ErrInference, r)
		}
	}()
	return art.Predict(vec)
}
