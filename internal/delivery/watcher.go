package delivery

import (
	"github.com/ajayykmr/faultchat/internal/models"
	"github.com/ajayykmr/faultchat/internal/transport"
	"github.com/ajayykmr/faultchat/internal/wire"
)

// ensureWatcher starts the connectivity watcher unless it is already ticking.
func (e *Engine) ensureWatcher() {
	if e.watcherActive {
		return
	}
	e.watcherActive = true
	e.logger.Debug().Dur("interval", e.cfg.WatchInterval).Msg("connectivity watcher started")
	e.armWatch()
}

func (e *Engine) armWatch() {
	e.watchTimer = e.clock.AfterFunc(e.cfg.WatchInterval, func() {
		e.post(event{kind: eventWatchTick})
	})
}

func (e *Engine) idleWatcher() {
	e.watcherActive = false
	e.watchTimer = nil
	e.logger.Debug().Msg("connectivity watcher idle")
}

func (e *Engine) onWatchTick() {
	if e.store.Len() == 0 {
		e.idleWatcher()
		return
	}

	opts := transport.Options{
		DialTimeout: e.cfg.ProbeDialTimeout,
		ReadTimeout: e.cfg.ProbeReadTimeout,
		ExpectReply: true,
	}
	ctx := e.runCtx
	go func() {
		resp, err := e.transport.Exchange(ctx, e.cfg.PeerAddr, wire.Ping(), opts)
		if err == nil {
			err = wire.ExpectPong(resp)
		}
		e.post(event{kind: eventProbeResult, err: err})
	}()
}

func (e *Engine) onProbeResult(ev event) {
	if ev.err != nil {
		e.logger.Debug().Err(ev.err).Msg("peer unreachable")
	} else {
		e.flushOutbox()
	}

	if e.store.Len() == 0 {
		e.idleWatcher()
		return
	}
	e.armWatch()
}

// flushOutbox re-triggers every resendable outbox entry once the peer answers
// the probe.
func (e *Engine) flushOutbox() {
	for _, rec := range e.store.Resendable() {
		next := rec.Attempts + 1
		e.retries.Cancel(rec.ID)
		e.transition(rec, models.StateSending)
		e.logger.Info().
			Str("message_id", rec.ID).
			Int("attempt", next).
			Msg("peer reachable, resending from outbox")
		e.publishStatus(models.StatusEvent{
			MessageID: rec.ID,
			EventType: models.StatusEventResend,
			State:     rec.State,
			Attempt:   next,
		})
		e.attemptSend(rec, next)
	}
}
