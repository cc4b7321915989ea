package flow

import (
	"time"

	"github.com/BTreeMap/CarValue/internal/models"
)

// StateType names a conversation state.
type StateType string

const (
	StateAwaitingStart   StateType = "awaiting_start"
	StateAwaitingBrand   StateType = "awaiting_brand"
	StateAwaitingModel   StateType = "awaiting_model"
	StateAwaitingYear    StateType = "awaiting_year"
	StateAwaitingMileage StateType = "awaiting_mileage"
	StateAwaitingEngine  StateType = "awaiting_engine"
	StateAwaitingFuel    StateType = "awaiting_fuel"
	StateAwaitingCountry StateType = "awaiting_country"
	StateComplete        StateType = "complete"
)

// AwaitingState returns the state that waits for the named attribute.
func AwaitingState(attribute string) StateType {
	return StateType("awaiting_" + attribute)
}

// Session is one conversation's progress through the schema.
// Step indexes the attribute currently awaited; Step == schema length means complete.
type Session struct {
	ConversationID string
	Step           int
	Collected      models.Attributes
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// NewSession creates a session awaiting the first attribute.
func NewSession(conversationID string, now time.Time) Session {
	return Session{
		ConversationID: conversationID,
		Step:           0,
		Collected:      make(models.Attributes),
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a copy that shares no mutable state with s.
func (s Session) Clone() Session {
	s.Collected = s.Collected.Clone()
	return s
}

// State reports the session's position against schema.
func (s Session) State(schema *Schema) StateType {
	if s.Step >= schema.Len() {
		return StateComplete
	}
	spec, ok := schema.At(s.Step)
	if !ok {
		return StateAwaitingStart
	}
	return AwaitingState(spec.Name)
}

// IsComplete reports whether every attribute has been collected.
func (s Session) IsComplete(schema *Schema) bool {
	return s.Step >= schema.Len()
}
