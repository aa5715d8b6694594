package models

import (
	"fmt"
	"time"
)

// State enumerates the lifecycle states of an originated message.
type State string

const (
	StateNew       State = "new"
	StateQueued    State = "queued"
	StateSending   State = "sending"
	StateFirstAck  State = "first-acked"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// transitions lists the states reachable from each state. Re-entering queued
// from queued is allowed because a failed attempt that will be retried leaves
// the record queued. Any live state may jump to delivered because the second
// acknowledgment can overtake a first acknowledgment that timed out.
var transitions = map[State][]State{
	StateNew:      {StateQueued, StateSending, StateFirstAck, StateDelivered},
	StateQueued:   {StateQueued, StateSending, StateFirstAck, StateFailed, StateDelivered},
	StateSending:  {StateQueued, StateFirstAck, StateFailed, StateDelivered},
	StateFirstAck: {StateDelivered},
	StateFailed:   {StateSending, StateDelivered},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s State) CanTransition(next State) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// MessageRecord is the authoritative record of a message this node originated.
type MessageRecord struct {
	ID                string
	Text              string
	CreatedAt         time.Time
	Attempts          int
	FirstAckReceived  bool
	SecondAckReceived bool
	LastError         string
	NextRetryDelay    time.Duration
	State             State

	// InOutbox is true while the record is surfaced in the outbox view.
	InOutbox bool
	// InFlight is true while a send attempt (or its outbound delay) is pending.
	InFlight bool
	// Seq orders records by creation for stable outbox listings.
	Seq uint64
}

// Transition moves the record to next, rejecting backwards steps.
func (r *MessageRecord) Transition(next State) error {
	if r.State == next && next != StateQueued {
		return nil
	}
	if !r.State.CanTransition(next) {
		return fmt.Errorf("message %s: illegal transition %s -> %s", r.ID, r.State, next)
	}
	r.State = next
	return nil
}

// RecordAttempt raises the attempt counter; it never lowers it.
func (r *MessageRecord) RecordAttempt(attempt int) {
	if attempt > r.Attempts {
		r.Attempts = attempt
	}
}

// Entry returns the outbox view of the record.
func (r *MessageRecord) Entry() OutboxEntry {
	return OutboxEntry{
		ID:             r.ID,
		Text:           r.Text,
		State:          r.State,
		Attempts:       r.Attempts,
		FirstAck:       r.FirstAckReceived,
		LastError:      r.LastError,
		NextRetryDelay: r.NextRetryDelay,
		CreatedAt:      r.CreatedAt,
	}
}

// OutboxEntry is the operator-facing view of a message that has not yet been
// confirmed by a second acknowledgment.
type OutboxEntry struct {
	ID             string        `json:"id"`
	Text           string        `json:"text"`
	State          State         `json:"state"`
	Attempts       int           `json:"attempts"`
	FirstAck       bool          `json:"first_ack"`
	LastError      string        `json:"last_error,omitempty"`
	NextRetryDelay time.Duration `json:"next_retry_delay,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ShortID returns the 8 character prefix used in logs and the outbox table.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
