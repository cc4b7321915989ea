// Package testutil provides common test fixtures and helpers for CarValue tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/store"
)

// SampleColumns is the column layout of SampleArtifact.
var SampleColumns = []string{"brand_Toyota", "model_Corolla", "age", "mileage", "engine", "fuel_petrol", "country_UA"}

// SampleArtifact is a linear model over SampleColumns. For CorollaAnswers it
// predicts 470.
const SampleArtifact = `{
  "columns": ["brand_Toyota", "model_Corolla", "age", "mileage", "engine", "fuel_petrol", "country_UA"],
  "model": {"kind": "linear", "intercept": 1000, "coefficients": [100, 200, -50, -10, 500, 30, 40]}
}`

// CorollaAnswers are the seven chat answers for a 2015 Toyota Corolla, in prompt order.
var CorollaAnswers = []string{"Toyota", "Corolla", "2015", "120", "1.6", "Petrol", "ua"}

// CorollaVector is the encoding of CorollaAnswers against SampleColumns with
// reference year 2025.
var CorollaVector = []float64{1, 1, 10, 120, 1.6, 1, 1}

// CorollaAttributes returns the coerced form of CorollaAnswers.
func CorollaAttributes() models.Attributes {
	return models.Attributes{
		models.AttrBrand:   models.TextValue("Toyota"),
		models.AttrModel:   models.TextValue("Corolla"),
		models.AttrYear:    models.IntegerValue(2015),
		models.AttrMileage: models.IntegerValue(120),
		models.AttrEngine:  models.DecimalValue(1.6),
		models.AttrFuel:    models.TextValue("petrol"),
		models.AttrCountry: models.TextValue("UA"),
	}
}

// WriteArtifact writes content to a model file in a fresh temp dir and returns its path.
func WriteArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "car_value_model.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	return path
}

// SentMessage is one message captured by RecordingSender.
type SentMessage struct {
	To   string
	Body string
}

// RecordingSender captures outbound messages. Set Err to make sends fail.
type RecordingSender struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// SendMessage records the message unless Err is set.
func (s *RecordingSender) SendMessage(ctx context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of all captured messages.
func (s *RecordingSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// Last returns the most recent message, failing the test if there is none.
func (s *RecordingSender) Last(t *testing.T) SentMessage {
	t.Helper()
	sent := s.Sent()
	if len(sent) == 0 {
		t.Fatal("no messages sent")
	}
	return sent[len(sent)-1]
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse envelope and validates its status field.
// The result is decoded into result when it is non-nil.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus, result interface{}) models.APIResponse {
	t.Helper()
	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response: %v (%s)", err, rr.Body.String())
	}
	if envelope.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, envelope.Status)
	}
	if result != nil {
		MustUnmarshalJSON(t, envelope.Result, result)
	}
	return models.APIResponse{Status: envelope.Status, Message: envelope.Message, Result: result}
}

// AssertValuationCount validates the number of valuations in the store.
func AssertValuationCount(t *testing.T, st store.Store, expected int, context string) []models.Valuation {
	t.Helper()
	valuations, err := st.GetValuations()
	if err != nil {
		t.Fatalf("%s: failed to get valuations: %v", context, err)
	}
	if len(valuations) != expected {
		t.Errorf("%s: expected %d valuations, got %d", context, expected, len(valuations))
	}
	return valuations
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
