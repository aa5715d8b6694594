package delivery_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajayykmr/faultchat/internal/dedup"
	"github.com/ajayykmr/faultchat/internal/delivery"
	"github.com/ajayykmr/faultchat/internal/fault"
	"github.com/ajayykmr/faultchat/internal/models"
	"github.com/ajayykmr/faultchat/internal/transport"
	"github.com/ajayykmr/faultchat/internal/wire"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type statusCollector struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (c *statusCollector) PublishStatus(_ context.Context, ev models.StatusEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *statusCollector) ofType(eventType string) []models.StatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.StatusEvent
	for _, ev := range c.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *statusCollector) count(eventType string) int {
	return len(c.ofType(eventType))
}

// firstIndex returns the position of the first event of eventType for id, or
// -1.
func (c *statusCollector) firstIndex(eventType, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ev := range c.events {
		if ev.EventType == eventType && ev.MessageID == id {
			return i
		}
	}
	return -1
}

func (c *statusCollector) retryDelays(id string) []int64 {
	var out []int64
	for _, ev := range c.ofType(models.StatusEventRetryScheduled) {
		if ev.MessageID == id {
			out = append(out, ev.RetryDelayMs)
		}
	}
	return out
}

type dlqCollector struct {
	mu      sync.Mutex
	records []models.DLQRecord
}

func (c *dlqCollector) PublishDLQ(_ context.Context, rec models.DLQRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *dlqCollector) all() []models.DLQRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.DLQRecord(nil), c.records...)
}

// fakeTransport answers every exchange through handle and records what was
// sent.
type fakeTransport struct {
	mu     sync.Mutex
	msgs   []wire.Record
	pings  int
	sent   []wire.Record
	handle func(rec wire.Record) (*wire.Record, error)
}

func (f *fakeTransport) Exchange(_ context.Context, _ string, rec wire.Record, _ transport.Options) (*wire.Record, error) {
	f.mu.Lock()
	switch rec.Type {
	case wire.TypeMsg:
		f.msgs = append(f.msgs, rec)
	case wire.TypePing:
		f.pings++
	}
	handle := f.handle
	f.mu.Unlock()
	return handle(rec)
}

func (f *fakeTransport) Send(_ context.Context, _ string, rec wire.Record, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, rec)
	return nil
}

func (f *fakeTransport) messages() []wire.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Record(nil), f.msgs...)
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) sentCopies() []wire.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Record(nil), f.sent...)
}

func peerUp(rec wire.Record) (*wire.Record, error) {
	switch rec.Type {
	case wire.TypePing:
		pong := wire.Pong()
		return &pong, nil
	case wire.TypeMsg:
		ack := wire.Ack(rec.ID)
		return &ack, nil
	}
	return nil, nil
}

func peerDown(wire.Record) (*wire.Record, error) {
	return nil, transport.WrapTransient(errors.New("connection refused"))
}

// switchablePeer is down until up is set.
type switchablePeer struct {
	up atomic.Bool
}

func (p *switchablePeer) handle(rec wire.Record) (*wire.Record, error) {
	if p.up.Load() {
		return peerUp(rec)
	}
	return peerDown(rec)
}

type harness struct {
	engine *delivery.Engine
	faults *fault.Injector
	dedup  *dedup.Cache
	status *statusCollector
	dlq    *dlqCollector
}

func newHarness(t *testing.T, tr delivery.Transport, settings fault.Settings) *harness {
	t.Helper()

	seen, err := dedup.New(dedup.DefaultCapacity, nil)
	require.NoError(t, err)

	h := &harness{
		faults: fault.New(settings),
		dedup:  seen,
		status: &statusCollector{},
		dlq:    &dlqCollector{},
	}
	h.engine, err = delivery.New(delivery.Config{
		NodeName:      "alice",
		ListenPort:    9001,
		PeerAddr:      "127.0.0.1:9002",
		BaseBackoff:   10 * time.Millisecond,
		WatchInterval: 20 * time.Millisecond,
	}, delivery.Dependencies{
		Transport:       tr,
		Faults:          h.faults,
		Dedup:           seen,
		StatusPublisher: h.status,
		DLQPublisher:    h.dlq,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// stateIs reports whether the record for id is tracked and in state.
func (h *harness) stateIs(id string, state models.State) bool {
	rec, ok, err := h.engine.Lookup(context.Background(), id)
	return err == nil && ok && rec.State == state
}

func (h *harness) record(t *testing.T, id string) models.MessageRecord {
	t.Helper()
	rec, ok, err := h.engine.Lookup(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "record %s not tracked", id)
	return rec
}

func (h *harness) snapshot(t *testing.T) delivery.Snapshot {
	t.Helper()
	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}
