package store

import (
	"time"
)

// DedupRecord is one inbound message ID seen by the service.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo records inbound message IDs so redelivered webhooks are handled once.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records messageID. It returns false when the ID was already
	// recorded.
	RecordInbound(messageID, participantID string) (bool, error)

	// MarkProcessed stamps the time the message was handled.
	MarkProcessed(messageID string) error
}
