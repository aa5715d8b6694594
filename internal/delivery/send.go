package delivery

import (
	"errors"

	"github.com/ajayykmr/faultchat/internal/models"
	"github.com/ajayykmr/faultchat/internal/transport"
	"github.com/ajayykmr/faultchat/internal/wire"
)

var errSimulatedDrop = errors.New("simulated drop")

func (e *Engine) onOriginate(ev event) {
	now := e.clock.Now()
	rec, err := e.store.Create(ev.id, ev.text, now)
	if err != nil {
		e.logger.Error().Str("message_id", ev.id).Err(err).Msg("failed to create message record")
		return
	}
	if n := e.store.Prune(now, e.cfg.RecordRetention); n > 0 {
		e.logger.Debug().Int("removed", n).Msg("pruned first-acknowledged records")
	}

	e.logger.Info().
		Str("message_id", rec.ID).
		Str("text", rec.Text).
		Msgf("[%s] sending %s", e.cfg.NodeName, models.ShortID(rec.ID))
	e.publishStatus(models.StatusEvent{
		MessageID: rec.ID,
		EventType: models.StatusEventCreated,
		State:     rec.State,
		Text:      rec.Text,
	})

	if ev.treatment {
		e.enqueue(rec)
		e.transition(rec, models.StateSending)
	}
	e.attemptSend(rec, 1)
}

// attemptSend runs one send attempt for rec. The fault gates are evaluated
// here; a passing attempt is handed to a network goroutine.
func (e *Engine) attemptSend(rec *models.MessageRecord, attempt int) {
	rec.RecordAttempt(attempt)
	e.publishStatus(models.StatusEvent{
		MessageID: rec.ID,
		EventType: models.StatusEventAttempt,
		State:     rec.State,
		Attempt:   attempt,
	})

	if e.faults.ConsumeDropNext() {
		e.logger.Warn().Str("message_id", rec.ID).Int("attempt", attempt).Msg("one-shot drop (simulated)")
		e.dropAttempt(rec)
		return
	}
	if e.faults.ShouldDrop() {
		e.logger.Warn().
			Str("message_id", rec.ID).
			Int("attempt", attempt).
			Int("drop_pct", e.faults.DropPercent()).
			Msg("random drop (simulated)")
		e.dropAttempt(rec)
		return
	}

	rec.InFlight = true
	if delay := e.faults.OutboundDelay(); delay > 0 {
		e.logger.Info().
			Str("message_id", rec.ID).
			Dur("delay", delay).
			Msg("outbound delay (simulated)")
		e.publishStatus(models.StatusEvent{
			MessageID: rec.ID,
			EventType: models.StatusEventDelayed,
			State:     rec.State,
			Attempt:   attempt,
		})
		id := rec.ID
		e.clock.AfterFunc(delay, func() {
			e.post(event{kind: eventDeferredSend, id: id, attempt: attempt})
		})
		return
	}
	e.startSend(rec, attempt)
}

func (e *Engine) dropAttempt(rec *models.MessageRecord) {
	rec.LastError = errSimulatedDrop.Error()
	e.publishStatus(models.StatusEvent{
		MessageID: rec.ID,
		EventType: models.StatusEventDropped,
		State:     rec.State,
		Attempt:   rec.Attempts,
	})
	e.requeue(rec)
	e.scheduleRetry(rec)
}

func (e *Engine) onDeferredSend(ev event) {
	rec, ok := e.store.Get(ev.id)
	if !ok || !rec.InFlight || rec.Attempts != ev.attempt {
		return
	}
	e.startSend(rec, ev.attempt)
}

// startSend opens the MSG leg on its own goroutine and, when duplication is
// on, a second fire-and-forget copy.
func (e *Engine) startSend(rec *models.MessageRecord, attempt int) {
	payload := wire.Message(rec.ID, rec.Text, e.cfg.NodeName, e.cfg.ListenPort, e.clock.Now())
	opts := transport.Options{
		DialTimeout: e.cfg.SendDialTimeout,
		ReadTimeout: e.faults.AckTimeout(),
		ExpectReply: true,
	}
	id := rec.ID
	ctx := e.runCtx

	go func() {
		resp, err := e.transport.Exchange(ctx, e.cfg.PeerAddr, payload, opts)
		if err == nil {
			if ackErr := wire.ExpectAck(resp, id); ackErr != nil {
				err = transport.WrapTransient(ackErr)
			}
		}
		e.post(event{kind: eventSendResult, id: id, attempt: attempt, err: err})
	}()

	if e.faults.Duplicate() {
		go e.sendDuplicate(payload)
	}
}

func (e *Engine) sendDuplicate(payload wire.Record) {
	ctx := e.runCtx
	select {
	case <-ctx.Done():
		return
	case <-e.clock.After(e.cfg.DuplicateDelay):
	}
	if err := e.transport.Send(ctx, e.cfg.PeerAddr, payload, e.cfg.SendDialTimeout); err != nil {
		e.logger.Debug().Str("message_id", payload.ID).Err(err).Msg("duplicate copy not sent")
		return
	}
	e.logger.Info().Str("message_id", payload.ID).Msg("duplicate copy sent (simulated)")
}

func (e *Engine) onSendResult(ev event) {
	rec, ok := e.store.Get(ev.id)
	if !ok {
		e.logger.Debug().Str("message_id", ev.id).Msg("send result for completed message")
		return
	}
	if !rec.InFlight || rec.Attempts != ev.attempt {
		e.logger.Debug().Str("message_id", ev.id).Int("attempt", ev.attempt).Msg("stale send result discarded")
		return
	}
	rec.InFlight = false

	if ev.err == nil {
		rec.FirstAckReceived = true
		e.retries.Cancel(rec.ID)
		e.transition(rec, models.StateFirstAck)
		e.logger.Info().
			Str("message_id", rec.ID).
			Int("attempt", ev.attempt).
			Msg("first acknowledgment received")
		e.publishStatus(models.StatusEvent{
			MessageID: rec.ID,
			EventType: models.StatusEventFirstAck,
			State:     rec.State,
			Attempt:   ev.attempt,
		})
		return
	}

	rec.LastError = ev.err.Error()
	e.logger.Warn().
		Str("message_id", rec.ID).
		Int("attempt", ev.attempt).
		Bool("transient", transport.IsTransient(ev.err)).
		Err(ev.err).
		Msg("send attempt failed")
	e.publishStatus(models.StatusEvent{
		MessageID: rec.ID,
		EventType: models.StatusEventSendFailed,
		State:     rec.State,
		Attempt:   ev.attempt,
		Error:     rec.LastError,
	})

	e.requeue(rec)
	e.scheduleRetry(rec)
}

// requeue returns a record whose attempt failed to the queued state, adding
// it to the outbox on its first failure.
func (e *Engine) requeue(rec *models.MessageRecord) {
	if rec.InOutbox {
		e.transition(rec, models.StateQueued)
		return
	}
	e.enqueue(rec)
}

// scheduleRetry arms the next attempt or, when the budget is spent, marks
// the record failed. Failed records stay in the outbox for the watcher.
func (e *Engine) scheduleRetry(rec *models.MessageRecord) {
	id := rec.ID
	decision := e.retries.Schedule(id, rec.Attempts, e.faults.MaxRetries(), func(next int) {
		e.post(event{kind: eventRetry, id: id, attempt: next})
	})

	if decision.Exhausted {
		e.enqueue(rec)
		e.transition(rec, models.StateFailed)
		rec.NextRetryDelay = 0
		e.logger.Warn().
			Str("message_id", rec.ID).
			Int("attempts", rec.Attempts).
			Str("last_error", rec.LastError).
			Msg("no retries left, marked failed")
		e.publishStatus(models.StatusEvent{
			MessageID: rec.ID,
			EventType: models.StatusEventFailed,
			State:     rec.State,
			Attempt:   rec.Attempts,
			Error:     rec.LastError,
		})
		e.publishDLQ(rec)
		return
	}

	rec.NextRetryDelay = decision.Delay
	e.logger.Info().
		Str("message_id", rec.ID).
		Int("next_attempt", decision.NextAttempt).
		Dur("delay", decision.Delay).
		Msg("retry scheduled")
	e.publishStatus(models.StatusEvent{
		MessageID:    rec.ID,
		EventType:    models.StatusEventRetryScheduled,
		State:        rec.State,
		Attempt:      decision.NextAttempt,
		RetryDelayMs: decision.Delay.Milliseconds(),
	})
}

func (e *Engine) onRetry(ev event) {
	rec, ok := e.store.Get(ev.id)
	if !ok {
		return
	}
	// A watcher re-trigger or an acknowledgment may have overtaken the timer.
	if rec.FirstAckReceived || rec.InFlight || rec.Attempts != ev.attempt-1 {
		e.logger.Debug().Str("message_id", ev.id).Int("attempt", ev.attempt).Msg("stale retry discarded")
		return
	}
	e.retries.Forget(ev.id)
	e.attemptSend(rec, ev.attempt)
}

func (e *Engine) enqueue(rec *models.MessageRecord) {
	added, err := e.store.Enqueue(rec)
	if err != nil {
		e.logger.Warn().Str("message_id", rec.ID).Err(err).Msg("cannot add to outbox")
		return
	}
	if !added {
		return
	}
	e.logger.Info().Str("message_id", rec.ID).Int("outbox", e.store.Len()).Msg("stored in outbox")
	e.publishStatus(models.StatusEvent{
		MessageID: rec.ID,
		EventType: models.StatusEventQueued,
		State:     rec.State,
		Attempt:   rec.Attempts,
	})
	e.ensureWatcher()
}

func (e *Engine) transition(rec *models.MessageRecord, next models.State) {
	if err := rec.Transition(next); err != nil {
		e.logger.Warn().Str("message_id", rec.ID).Err(err).Msg("invalid state transition")
	}
}
