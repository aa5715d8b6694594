// Package outbox keeps the lifecycle record of every message a node
// originated, and the outbox view of those not yet confirmed by a second
// acknowledgment.
//
// A Store is owned by a single goroutine (the delivery engine loop) and is
// not safe for concurrent use.
package outbox

import (
	"fmt"
	"sort"
	"time"

	"github.com/ajayykmr/faultchat/internal/models"
)

// Store indexes message records by id.
type Store struct {
	records map[string]*models.MessageRecord
	seq     uint64
	queued  int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]*models.MessageRecord)}
}

// Create allocates a record in state new. Ids must be unique.
func (s *Store) Create(id, text string, now time.Time) (*models.MessageRecord, error) {
	if _, exists := s.records[id]; exists {
		return nil, fmt.Errorf("outbox: duplicate message id %s", id)
	}
	s.seq++
	rec := &models.MessageRecord{
		ID:        id,
		Text:      text,
		CreatedAt: now,
		State:     models.StateNew,
		Seq:       s.seq,
	}
	s.records[id] = rec
	return rec, nil
}

// Get returns the record for id.
func (s *Store) Get(id string) (*models.MessageRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// Enqueue ensures rec is in the outbox. A record entering the outbox is
// marked queued; it reports whether the record was newly added.
func (s *Store) Enqueue(rec *models.MessageRecord) (bool, error) {
	if rec.InOutbox {
		return false, nil
	}
	if err := rec.Transition(models.StateQueued); err != nil {
		return false, err
	}
	rec.InOutbox = true
	s.queued++
	return true, nil
}

// Complete records the second acknowledgment for id, removes it from the
// outbox and forgets it. The returned record is no longer tracked.
func (s *Store) Complete(id string) (*models.MessageRecord, bool) {
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	rec.SecondAckReceived = true
	rec.State = models.StateDelivered
	if rec.InOutbox {
		rec.InOutbox = false
		s.queued--
	}
	delete(s.records, id)
	return rec, true
}

// Len returns the number of outbox entries.
func (s *Store) Len() int { return s.queued }

// Tracked returns the number of records still held, in or out of the outbox.
func (s *Store) Tracked() int { return len(s.records) }

// Outbox returns the outbox records in creation order.
func (s *Store) Outbox() []*models.MessageRecord {
	out := make([]*models.MessageRecord, 0, s.queued)
	for _, rec := range s.records {
		if rec.InOutbox {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Entries returns the outbox view in creation order.
func (s *Store) Entries() []models.OutboxEntry {
	recs := s.Outbox()
	out := make([]models.OutboxEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Entry())
	}
	return out
}

// Resendable returns the outbox records the connectivity watcher may
// re-trigger: queued or failed, not first-acknowledged, and with no attempt
// currently in flight.
func (s *Store) Resendable() []*models.MessageRecord {
	var out []*models.MessageRecord
	for _, rec := range s.Outbox() {
		if rec.FirstAckReceived || rec.InFlight {
			continue
		}
		if rec.State == models.StateQueued || rec.State == models.StateFailed {
			out = append(out, rec)
		}
	}
	return out
}

// Prune forgets records that left the active path without entering the
// outbox (first-acknowledged directly) once they are older than maxAge. The
// second acknowledgment for such a record, if it ever arrives, is then
// treated as unknown.
func (s *Store) Prune(now time.Time, maxAge time.Duration) int {
	removed := 0
	for id, rec := range s.records {
		if rec.InOutbox || !rec.FirstAckReceived {
			continue
		}
		if now.Sub(rec.CreatedAt) >= maxAge {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}
