package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ajayykmr/faultchat/internal/models"
)

type publishedMessage struct {
	topic   string
	key     []byte
	headers map[string][]byte
	payload []byte
}

type stubProducer struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (s *stubProducer) PublishAsync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, publishedMessage{topic, key, headers, payload})
	return nil
}

func TestStatusPublisherEncodesEvent(t *testing.T) {
	prod := &stubProducer{}
	pub := NewStatusPublisher(prod, "faultchat.status", zerolog.Nop())

	ev := models.StatusEvent{
		MessageID:    "m-1",
		Node:         "alice",
		EventType:    models.StatusEventRetryScheduled,
		State:        models.StateQueued,
		Attempt:      2,
		RetryDelayMs: 1000,
		Timestamp:    time.Unix(100, 0).UTC(),
	}
	if err := pub.PublishStatus(context.Background(), ev); err != nil {
		t.Fatalf("PublishStatus returned error: %v", err)
	}

	if len(prod.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(prod.messages))
	}
	msg := prod.messages[0]
	if msg.topic != "faultchat.status" || string(msg.key) != "m-1" {
		t.Fatalf("unexpected topic/key: %s %s", msg.topic, msg.key)
	}
	if string(msg.headers["content-type"]) != "application/json" || string(msg.headers["event-type"]) != "retry_scheduled" {
		t.Fatalf("unexpected headers: %v", msg.headers)
	}

	var got models.StatusEvent
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Fatalf("timestamp mismatch: got %s want %s", got.Timestamp, ev.Timestamp)
	}
	got.Timestamp = ev.Timestamp
	if got != ev {
		t.Fatalf("payload mismatch: got %+v want %+v", got, ev)
	}
}

func TestStatusPublisherKeysNodeEventsByNode(t *testing.T) {
	prod := &stubProducer{}
	pub := NewStatusPublisher(prod, "status", zerolog.Nop())

	if err := pub.PublishStatus(context.Background(), models.StatusEvent{Node: "bob", EventType: models.StatusEventInfo}); err != nil {
		t.Fatalf("PublishStatus returned error: %v", err)
	}
	if string(prod.messages[0].key) != "bob" {
		t.Fatalf("expected node key, got %s", prod.messages[0].key)
	}
}

func TestDLQPublisherWrapsProducerError(t *testing.T) {
	base := errors.New("buffer full")
	pub := NewDLQPublisher(&stubProducer{err: base}, "dlq", zerolog.Nop())

	err := pub.PublishDLQ(context.Background(), models.DLQRecord{MessageID: "m-1", FailureType: models.FailureTypeRetriesExhausted})
	if !errors.Is(err, base) {
		t.Fatalf("expected producer error to be wrapped, got %v", err)
	}
}

func TestDLQPublisherEncodesRecord(t *testing.T) {
	prod := &stubProducer{}
	pub := NewDLQPublisher(prod, "dlq", zerolog.Nop())

	rec := models.DLQRecord{
		MessageID:   "m-2",
		Node:        "alice",
		Text:        "lost",
		Attempts:    4,
		FailureType: models.FailureTypeRetriesExhausted,
		LastError:   "connection refused",
	}
	if err := pub.PublishDLQ(context.Background(), rec); err != nil {
		t.Fatalf("PublishDLQ returned error: %v", err)
	}
	var got models.DLQRecord
	if err := json.Unmarshal(prod.messages[0].payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.MessageID != "m-2" || got.Attempts != 4 || got.LastError != "connection refused" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestNilProducer(t *testing.T) {
	if NewStatusPublisher(nil, "t", zerolog.Nop()) != nil {
		t.Fatalf("expected nil status publisher")
	}
	if NewDLQPublisher(nil, "t", zerolog.Nop()) != nil {
		t.Fatalf("expected nil dlq publisher")
	}

	var status *StatusPublisher
	if err := status.PublishStatus(context.Background(), models.StatusEvent{}); !errors.Is(err, ErrProducerNotInitialised()) {
		t.Fatalf("expected not initialised error, got %v", err)
	}
	var dlq *DLQPublisher
	if err := dlq.PublishDLQ(context.Background(), models.DLQRecord{}); !errors.Is(err, ErrProducerNotInitialised()) {
		t.Fatalf("expected not initialised error, got %v", err)
	}
}
