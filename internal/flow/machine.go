package flow

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionComplete is returned when an answer is offered to a finished session.
var ErrSessionComplete = errors.New("session already complete")

// Transition is the outcome of feeding one answer to the state machine.
type Transition struct {
	From StateType
	To   StateType
	// Prompt is the next question; empty when Complete is true.
	Prompt string
	// Complete signals that the collected attributes are ready to encode.
	Complete bool
}

// Machine is the intake state machine. It holds no per-conversation state and is
// safe for concurrent use.
type Machine struct {
	schema *Schema
	now    func() time.Time
}

// NewMachine creates a state machine over schema.
func NewMachine(schema *Schema) *Machine {
	return &Machine{schema: schema, now: time.Now}
}

// Schema returns the attribute schema driving the machine.
func (m *Machine) Schema() *Schema {
	return m.schema
}

// Start returns a fresh session awaiting the first attribute and its prompt.
func (m *Machine) Start(conversationID string) (Session, Transition) {
	sess := NewSession(conversationID, m.now())
	first, _ := m.schema.At(0)
	return sess, Transition{
		From:   StateAwaitingStart,
		To:     AwaitingState(first.Name),
		Prompt: first.Prompt,
	}
}

// Prompt returns the question for the attribute the session currently awaits.
func (m *Machine) Prompt(sess Session) (string, bool) {
	spec, ok := m.schema.At(sess.Step)
	if !ok {
		return "", false
	}
	return spec.Prompt, true
}

// Advance coerces text as the answer to the awaited attribute. On success it
// returns the advanced session; on failure the returned session equals sess and the
// error is an *InvalidAnswerError. sess itself is never modified.
func (m *Machine) Advance(sess Session, text string) (Session, Transition, error) {
	from := sess.State(m.schema)
	spec, ok := m.schema.At(sess.Step)
	if !ok {
		return sess, Transition{From: from, To: from}, fmt.Errorf("%w: conversation %s", ErrSessionComplete, sess.ConversationID)
	}

	value, err := spec.Coerce(text)
	if err != nil {
		return sess, Transition{From: from, To: from, Prompt: spec.Prompt}, &InvalidAnswerError{Attribute: spec.Name, Input: text, Err: err}
	}

	next := sess.Clone()
	next.Collected[spec.Name] = value
	next.Step++
	next.UpdatedAt = m.now()

	if next.IsComplete(m.schema) {
		return next, Transition{From: from, To: StateComplete, Complete: true}, nil
	}
	nextSpec, _ := m.schema.At(next.Step)
	return next, Transition{From: from, To: AwaitingState(nextSpec.Name), Prompt: nextSpec.Prompt}, nil
}
