// Package delivery implements the reliable message-delivery protocol:
// originating messages, send attempts under fault injection, two-phase
// acknowledgment, retry scheduling, the outbox and the connectivity watcher.
//
// All lifecycle, outbox and dedup state is mutated by a single goroutine (the
// loop started by Run). Connection handlers, timers and network legs hand
// their results to that loop through one FIFO event channel.
package delivery

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajayykmr/faultchat/internal/dedup"
	"github.com/ajayykmr/faultchat/internal/fault"
	"github.com/ajayykmr/faultchat/internal/models"
	"github.com/ajayykmr/faultchat/internal/outbox"
	"github.com/ajayykmr/faultchat/internal/retry"
	"github.com/ajayykmr/faultchat/internal/transport"
	"github.com/ajayykmr/faultchat/internal/wire"
)

const (
	defaultWatchInterval    = 500 * time.Millisecond
	defaultProbeDialTimeout = 800 * time.Millisecond
	defaultProbeReadTimeout = 600 * time.Millisecond
	defaultSendDialTimeout  = 2500 * time.Millisecond
	defaultDuplicateDelay   = 50 * time.Millisecond
	defaultRecordRetention  = 10 * time.Minute
	defaultEventBuffer      = 256
)

// ErrStopped is returned by queries made after the engine loop has exited.
var ErrStopped = errors.New("delivery: engine stopped")

// Config contains the runtime settings of the engine.
type Config struct {
	// NodeName is carried as the sender of every MSG.
	NodeName string
	// ListenPort is advertised as reply_to_port so the peer can send the
	// second acknowledgment back.
	ListenPort int
	// PeerAddr is the host:port of the single configured peer.
	PeerAddr string
	// BaseBackoff is the delay before the second attempt; later attempts
	// double it.
	BaseBackoff time.Duration
	// WatchInterval is the connectivity watcher tick.
	WatchInterval time.Duration
	// ProbeDialTimeout and ProbeReadTimeout bound the liveness probe.
	ProbeDialTimeout time.Duration
	ProbeReadTimeout time.Duration
	// SendDialTimeout bounds connection establishment for MSG legs.
	SendDialTimeout time.Duration
	// DuplicateDelay is the pause before the duplicated copy is sent.
	DuplicateDelay time.Duration
	// RecordRetention is how long a first-acknowledged record that never
	// entered the outbox waits for its second acknowledgment.
	RecordRetention time.Duration
	// EventBuffer is the capacity of the hand-off queue.
	EventBuffer int
}

// Transport performs the blocking network legs.
type Transport interface {
	Exchange(ctx context.Context, addr string, rec wire.Record, opts transport.Options) (*wire.Record, error)
	Send(ctx context.Context, addr string, rec wire.Record, dialTimeout time.Duration) error
}

// StatusPublisher exports lifecycle and receipt events.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// DLQPublisher exports records whose retry budget ran out.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Transport       Transport
	Faults          *fault.Injector
	Dedup           *dedup.Cache
	StatusPublisher StatusPublisher
	DLQPublisher    DLQPublisher
	Clock           clock.Clock
	Logger          zerolog.Logger
	NewID           func() string
}

// Snapshot is a consistent view of the engine state.
type Snapshot struct {
	Outbox        []models.OutboxEntry
	WatcherActive bool
	Tracked       int
}

// Engine is the protocol engine. Create it with New and start it with Run.
type Engine struct {
	cfg             Config
	transport       Transport
	faults          *fault.Injector
	dedup           *dedup.Cache
	statusPublisher StatusPublisher
	dlqPublisher    DLQPublisher
	clock           clock.Clock
	logger          zerolog.Logger
	newID           func() string

	treatment atomic.Bool
	running   atomic.Bool

	events chan event
	done   chan struct{}
	runCtx context.Context

	// Owned by the loop goroutine.
	store         *outbox.Store
	retries       *retry.Scheduler
	watcherActive bool
	watchTimer    *clock.Timer
}

// New constructs an engine using the supplied configuration and
// collaborators.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.NodeName == "" {
		return nil, errors.New("delivery: node name must be provided")
	}
	if cfg.PeerAddr == "" {
		return nil, errors.New("delivery: peer address must be provided")
	}
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return nil, errors.New("delivery: listen port out of range")
	}
	if deps.Transport == nil {
		return nil, errors.New("delivery: transport dependency is required")
	}
	if deps.Faults == nil {
		return nil, errors.New("delivery: fault injector dependency is required")
	}
	if deps.Dedup == nil {
		return nil, errors.New("delivery: dedup cache dependency is required")
	}

	applyDefaults(&cfg)

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "delivery").Logger()

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Engine{
		cfg:             cfg,
		transport:       deps.Transport,
		faults:          deps.Faults,
		dedup:           deps.Dedup,
		statusPublisher: deps.StatusPublisher,
		dlqPublisher:    deps.DLQPublisher,
		clock:           clk,
		logger:          logger,
		newID:           newID,
		events:          make(chan event, cfg.EventBuffer),
		done:            make(chan struct{}),
		runCtx:          context.Background(),
		store:           outbox.NewStore(),
		retries:         retry.NewScheduler(clk, cfg.BaseBackoff),
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = retry.DefaultBaseDelay
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}
	if cfg.ProbeDialTimeout <= 0 {
		cfg.ProbeDialTimeout = defaultProbeDialTimeout
	}
	if cfg.ProbeReadTimeout <= 0 {
		cfg.ProbeReadTimeout = defaultProbeReadTimeout
	}
	if cfg.SendDialTimeout <= 0 {
		cfg.SendDialTimeout = defaultSendDialTimeout
	}
	if cfg.DuplicateDelay < 0 {
		cfg.DuplicateDelay = defaultDuplicateDelay
	}
	if cfg.RecordRetention <= 0 {
		cfg.RecordRetention = defaultRecordRetention
	}
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = defaultEventBuffer
	}
}

// Run consumes the event queue until ctx is cancelled. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("delivery: engine already running")
	}
	e.runCtx = ctx
	defer close(e.done)
	defer e.shutdown()

	e.logger.Info().
		Str("node", e.cfg.NodeName).
		Str("peer", e.cfg.PeerAddr).
		Int("reply_to_port", e.cfg.ListenPort).
		Msg("delivery engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Int("outbox", e.store.Len()).Msg("delivery engine stopping")
			return nil
		case ev := <-e.events:
			e.dispatch(ev)
		}
	}
}

func (e *Engine) shutdown() {
	e.retries.Stop()
	if e.watchTimer != nil {
		e.watchTimer.Stop()
	}
}

// Originate creates a message for text and starts delivering it. It returns
// the generated id immediately.
func (e *Engine) Originate(text string) string {
	id := e.newID()
	e.post(event{kind: eventOriginate, id: id, text: text, treatment: e.treatment.Load()})
	return id
}

// SetFailureTreatment toggles pre-registration of every new message in the
// outbox.
func (e *Engine) SetFailureTreatment(on bool) { e.treatment.Store(on) }

// FailureTreatment reports whether fault-treatment mode is on.
func (e *Engine) FailureTreatment() bool { return e.treatment.Load() }

// Snapshot returns the outbox view and watcher status.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, func() {
		snap = Snapshot{
			Outbox:        e.store.Entries(),
			WatcherActive: e.watcherActive,
			Tracked:       e.store.Tracked(),
		}
	})
	return snap, err
}

// Lookup returns a copy of the record for id while it is still tracked.
func (e *Engine) Lookup(ctx context.Context, id string) (models.MessageRecord, bool, error) {
	var (
		out   models.MessageRecord
		found bool
	)
	err := e.do(ctx, func() {
		if rec, ok := e.store.Get(id); ok {
			out, found = *rec, true
		}
	})
	return out, found, err
}

// Received implements listener.Notifier.
func (e *Engine) Received(sender, id, text string) {
	e.post(event{kind: eventReceived, id: id, sender: sender, text: text})
}

// SecondAck implements listener.Notifier.
func (e *Engine) SecondAck(id string) {
	e.post(event{kind: eventSecondAck, id: id})
}

// Info implements listener.Notifier.
func (e *Engine) Info(msgType, raw string) {
	e.post(event{kind: eventInfo, sender: msgType, text: raw})
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	ev := event{kind: eventQuery, query: func() {
		fn()
		close(finished)
	}}
	select {
	case e.events <- ev:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands ev to the loop. Events posted after the loop exits are dropped.
func (e *Engine) post(ev event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) dispatch(ev event) {
	switch ev.kind {
	case eventOriginate:
		e.onOriginate(ev)
	case eventRetry:
		e.onRetry(ev)
	case eventDeferredSend:
		e.onDeferredSend(ev)
	case eventSendResult:
		e.onSendResult(ev)
	case eventWatchTick:
		e.onWatchTick()
	case eventProbeResult:
		e.onProbeResult(ev)
	case eventReceived:
		e.onReceived(ev)
	case eventSecondAck:
		e.onSecondAck(ev)
	case eventInfo:
		e.onInfo(ev)
	case eventQuery:
		ev.query()
	}
}

func (e *Engine) onReceived(ev event) {
	if e.dedup.Observe(ev.id) {
		e.logger.Info().
			Str("message_id", ev.id).
			Str("sender", ev.sender).
			Msg("duplicate discarded")
		e.publishStatus(models.StatusEvent{
			MessageID: ev.id,
			EventType: models.StatusEventDuplicate,
			Sender:    ev.sender,
		})
		return
	}

	e.logger.Info().
		Str("message_id", ev.id).
		Str("sender", ev.sender).
		Str("text", ev.text).
		Msgf("[%s] -> [%s] received %s", ev.sender, e.cfg.NodeName, models.ShortID(ev.id))
	e.publishStatus(models.StatusEvent{
		MessageID: ev.id,
		EventType: models.StatusEventReceived,
		Sender:    ev.sender,
		Text:      ev.text,
	})
}

func (e *Engine) onSecondAck(ev event) {
	rec, ok := e.store.Complete(ev.id)
	if !ok {
		e.logger.Debug().Str("message_id", ev.id).Msg("second acknowledgment for unknown message")
		return
	}
	e.retries.Cancel(ev.id)

	e.logger.Info().
		Str("message_id", rec.ID).
		Int("attempts", rec.Attempts).
		Msg("second acknowledgment received (delivered)")
	e.publishStatus(models.StatusEvent{
		MessageID: rec.ID,
		EventType: models.StatusEventDelivered,
		State:     models.StateDelivered,
		Attempt:   rec.Attempts,
	})
}

func (e *Engine) onInfo(ev event) {
	e.logger.Info().Str("type", ev.sender).Str("raw", ev.text).Msg("informational record received")
	e.publishStatus(models.StatusEvent{
		EventType: models.StatusEventInfo,
		Text:      ev.text,
	})
}

func (e *Engine) publishStatus(ev models.StatusEvent) {
	if e.statusPublisher == nil {
		return
	}
	ev.Node = e.cfg.NodeName
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	if err := e.statusPublisher.PublishStatus(e.runCtx, ev); err != nil {
		e.logger.Error().
			Str("message_id", ev.MessageID).
			Str("event", ev.EventType).
			Err(err).
			Msg("failed to publish status event")
	}
}

func (e *Engine) publishDLQ(rec *models.MessageRecord) {
	if e.dlqPublisher == nil {
		return
	}
	record := models.DLQRecord{
		MessageID:   rec.ID,
		Node:        e.cfg.NodeName,
		Text:        rec.Text,
		Attempts:    rec.Attempts,
		FailureType: models.FailureTypeRetriesExhausted,
		LastError:   rec.LastError,
		CreatedAt:   rec.CreatedAt,
		FailedAt:    e.clock.Now(),
	}
	if err := e.dlqPublisher.PublishDLQ(e.runCtx, record); err != nil {
		e.logger.Error().
			Str("message_id", rec.ID).
			Err(err).
			Msg("failed to publish DLQ record")
	}
}
