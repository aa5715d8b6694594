package models

import "time"

// Status event constants.
const (
	StatusEventCreated        = "created"
	StatusEventQueued         = "queued"
	StatusEventAttempt        = "attempt"
	StatusEventDropped        = "dropped"
	StatusEventDelayed        = "delayed"
	StatusEventFirstAck       = "first_acked"
	StatusEventSendFailed     = "send_failed"
	StatusEventRetryScheduled = "retry_scheduled"
	StatusEventFailed         = "failed"
	StatusEventResend         = "resend"
	StatusEventDelivered      = "delivered"
	StatusEventReceived       = "received"
	StatusEventDuplicate      = "duplicate"
	StatusEventInfo           = "info"
)

// StatusEvent represents a lifecycle or receipt event observed by a node.
type StatusEvent struct {
	MessageID    string    `json:"message_id,omitempty"`
	Node         string    `json:"node"`
	EventType    string    `json:"event_type"`
	State        State     `json:"state,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	Text         string    `json:"text,omitempty"`
	Error        string    `json:"error,omitempty"`
	RetryDelayMs int64     `json:"retry_delay_ms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
