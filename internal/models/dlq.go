package models

import "time"

// Failure types for DLQ records.
const (
	FailureTypeRetriesExhausted = "retries_exhausted"
)

// DLQRecord is written when a message exhausts its retry budget. The message
// stays in the outbox and may still be revived by the connectivity watcher, so
// a DLQ record is informational rather than terminal.
type DLQRecord struct {
	MessageID   string    `json:"message_id"`
	Node        string    `json:"node"`
	Text        string    `json:"text"`
	Attempts    int       `json:"attempts"`
	FailureType string    `json:"failure_type"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FailedAt    time.Time `json:"failed_at"`
}
