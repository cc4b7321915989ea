// Package models defines the core data structures for CarValue.
//
// It includes inbound message events, delivery receipts, valuation records and the
// JSON envelope used by the HTTP API. These types are shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for inbound events
const (
	// MaxMessageBodyLength defines the maximum accepted length for an inbound message body
	MaxMessageBodyLength = 4096
)

var (
	ErrEmptySender   = errors.New("sender cannot be empty")
	ErrBodyTooLong   = errors.New("message body exceeds maximum length")
	ErrEmptyResponse = errors.New("message body cannot be empty")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// Receipt records an outbound message and its delivery status.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming chat message from a user.
// ID is the transport message identifier used for de-duplication; it may be empty
// when the transport does not provide one. Opaque marks From as a caller-chosen
// conversation key that is used as-is instead of being read as a phone number.
type Response struct {
	ID     string `json:"id,omitempty"`
	From   string `json:"from"`
	Body   string `json:"body"`
	Time   int64  `json:"time"`
	Opaque bool   `json:"opaque,omitempty"`
}

// Validate checks that the response carries a sender and a usable body.
func (r Response) Validate() error {
	if r.From == "" {
		return ErrEmptySender
	}
	if r.Body == "" {
		return ErrEmptyResponse
	}
	if len(r.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// ValuationStatus describes the outcome of a completed intake.
type ValuationStatus string

const (
	// ValuationStatusEstimated means the model produced a price.
	ValuationStatusEstimated ValuationStatus = "estimated"
	// ValuationStatusFailed means the artifact could not be loaded or inference failed.
	ValuationStatusFailed ValuationStatus = "failed"
)

// Valuation is the durable record of one completed conversation.
type Valuation struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Attributes     Attributes      `json:"attributes"`
	Price          float64         `json:"price,omitempty"`
	Status         ValuationStatus `json:"status"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// WebhookAck is the acknowledgement returned for every inbound webhook delivery.
type WebhookAck struct {
	OK bool `json:"ok"`
}

// ValuationStats summarizes stored valuations.
type ValuationStats struct {
	Estimated    int     `json:"estimated"`
	Failed       int     `json:"failed"`
	AveragePrice float64 `json:"average_price"`
}
