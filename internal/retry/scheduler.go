// Package retry decides when a failed send is attempted again and arms the
// corresponding one-shot timers.
package retry

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultBaseDelay is the delay before the second attempt.
const DefaultBaseDelay = time.Second

// MaxBackoff is returned once doubling would overflow time.Duration.
const MaxBackoff = time.Duration(math.MaxInt64)

// Decision is the outcome of scheduling a retry.
type Decision struct {
	// Exhausted is set when the retry budget is spent and no timer was armed.
	Exhausted bool
	// NextAttempt is the attempt number the armed timer will start.
	NextAttempt int
	// Delay is the backoff before NextAttempt.
	Delay time.Duration
}

// Backoff returns base * 2^(attemptsSoFar-1) without jitter. The result
// saturates at MaxBackoff instead of wrapping.
func Backoff(base time.Duration, attemptsSoFar int) time.Duration {
	if attemptsSoFar < 1 {
		attemptsSoFar = 1
	}
	if base <= 0 {
		return 0
	}
	shift := attemptsSoFar - 1
	if shift >= 63 || base > MaxBackoff>>shift {
		return MaxBackoff
	}
	return base << shift
}

// Scheduler arms at most one retry timer per message. It is not safe for
// concurrent use; the owner serialises calls.
type Scheduler struct {
	clock  clock.Clock
	base   time.Duration
	timers map[string]*clock.Timer
}

// NewScheduler constructs a Scheduler. A nil clock uses the wall clock.
func NewScheduler(clk clock.Clock, base time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return &Scheduler{
		clock:  clk,
		base:   base,
		timers: make(map[string]*clock.Timer),
	}
}

// Schedule gives up when attemptsSoFar has reached maxRetries. Otherwise it
// arms a timer that calls fire with the next attempt number after the
// backoff delay, replacing any timer already armed for id.
func (s *Scheduler) Schedule(id string, attemptsSoFar, maxRetries int, fire func(nextAttempt int)) Decision {
	if attemptsSoFar >= maxRetries {
		s.Cancel(id)
		return Decision{Exhausted: true}
	}

	next := attemptsSoFar + 1
	delay := Backoff(s.base, attemptsSoFar)

	s.Cancel(id)
	s.timers[id] = s.clock.AfterFunc(delay, func() { fire(next) })

	return Decision{NextAttempt: next, Delay: delay}
}

// Cancel stops the timer armed for id, if any.
func (s *Scheduler) Cancel(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Forget drops the bookkeeping for id once its timer has fired.
func (s *Scheduler) Forget(id string) {
	delete(s.timers, id)
}

// Pending reports whether a timer is armed for id.
func (s *Scheduler) Pending(id string) bool {
	_, ok := s.timers[id]
	return ok
}

// Stop cancels every armed timer.
func (s *Scheduler) Stop() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
