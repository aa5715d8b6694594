// Package fault holds the operator-controlled knobs that corrupt the send and
// receive paths on purpose. Every knob is live-mutable and read with atomic
// loads, so concurrent send attempts and connection handlers always observe a
// recent value without taking a lock.
package fault

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Settings is a point-in-time copy of every knob.
type Settings struct {
	OutboundDelay  time.Duration
	DropPercent    int
	DropNext       bool
	Duplicate      bool
	CrashBeforeAck bool
	InboundDelay   time.Duration
	RejectConns    bool
	AckTimeout     time.Duration
	MaxRetries     int
}

// DefaultSettings returns the "no fault" configuration. simple selects the
// presentation-mode timeout and retry budget.
func DefaultSettings(simple bool) Settings {
	if simple {
		return Settings{AckTimeout: 1500 * time.Millisecond, MaxRetries: 4}
	}
	return Settings{AckTimeout: 3000 * time.Millisecond, MaxRetries: 3}
}

// Injector is the live fault configuration shared by the engine and the
// listener.
type Injector struct {
	outDelay       atomic.Int64
	dropPct        atomic.Int32
	dropNext       atomic.Bool
	duplicate      atomic.Bool
	crashBeforeAck atomic.Bool
	inDelay        atomic.Int64
	reject         atomic.Bool
	ackTimeout     atomic.Int64
	maxRetries     atomic.Int32

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New constructs an Injector initialised with s.
func New(s Settings) *Injector {
	inj := &Injector{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- simulation only.
	}
	inj.Apply(s)
	return inj
}

// Apply replaces every knob with the values in s.
func (i *Injector) Apply(s Settings) {
	i.SetOutboundDelay(s.OutboundDelay)
	i.SetDropPercent(s.DropPercent)
	i.dropNext.Store(s.DropNext)
	i.duplicate.Store(s.Duplicate)
	i.crashBeforeAck.Store(s.CrashBeforeAck)
	i.SetInboundDelay(s.InboundDelay)
	i.reject.Store(s.RejectConns)
	i.SetAckTimeout(s.AckTimeout)
	i.SetMaxRetries(s.MaxRetries)
}

// Snapshot returns the current value of every knob.
func (i *Injector) Snapshot() Settings {
	return Settings{
		OutboundDelay:  i.OutboundDelay(),
		DropPercent:    i.DropPercent(),
		DropNext:       i.dropNext.Load(),
		Duplicate:      i.Duplicate(),
		CrashBeforeAck: i.CrashBeforeAck(),
		InboundDelay:   i.InboundDelay(),
		RejectConns:    i.RejectConns(),
		AckTimeout:     i.AckTimeout(),
		MaxRetries:     i.MaxRetries(),
	}
}

// Reset clears every fault while keeping the ACK timeout and retry budget.
func (i *Injector) Reset() {
	i.outDelay.Store(0)
	i.dropPct.Store(0)
	i.duplicate.Store(false)
	i.dropNext.Store(false)
	i.crashBeforeAck.Store(false)
	i.inDelay.Store(0)
	i.reject.Store(false)
}

func (i *Injector) SetOutboundDelay(d time.Duration) { i.outDelay.Store(int64(max(d, 0))) }
func (i *Injector) OutboundDelay() time.Duration { return time.Duration(i.outDelay.Load()) }

// SetDropPercent clamps pct into [0, 100].
func (i *Injector) SetDropPercent(pct int) { i.dropPct.Store(int32(min(max(pct, 0), 100))) }
func (i *Injector) DropPercent() int { return int(i.dropPct.Load()) }

// ArmDropNext makes the next send attempt be dropped.
func (i *Injector) ArmDropNext() { i.dropNext.Store(true) }

// ConsumeDropNext reports whether the one-shot drop was armed and disarms it.
func (i *Injector) ConsumeDropNext() bool { return i.dropNext.Swap(false) }

// ShouldDrop draws uniformly from 1..100 and reports whether the draw falls
// within the configured drop percentage.
func (i *Injector) ShouldDrop() bool {
	pct := i.DropPercent()
	if pct <= 0 {
		return false
	}
	i.rndMu.Lock()
	draw := i.rnd.Intn(100) + 1
	i.rndMu.Unlock()
	return draw <= pct
}

func (i *Injector) SetDuplicate(on bool) { i.duplicate.Store(on) }
func (i *Injector) Duplicate() bool { return i.duplicate.Load() }

func (i *Injector) SetCrashBeforeAck(on bool) { i.crashBeforeAck.Store(on) }
func (i *Injector) CrashBeforeAck() bool { return i.crashBeforeAck.Load() }

func (i *Injector) SetInboundDelay(d time.Duration) { i.inDelay.Store(int64(max(d, 0))) }
func (i *Injector) InboundDelay() time.Duration { return time.Duration(i.inDelay.Load()) }

func (i *Injector) SetRejectConns(on bool) { i.reject.Store(on) }
func (i *Injector) RejectConns() bool { return i.reject.Load() }

func (i *Injector) SetAckTimeout(d time.Duration) { i.ackTimeout.Store(int64(max(d, 0))) }
func (i *Injector) AckTimeout() time.Duration { return time.Duration(i.ackTimeout.Load()) }

func (i *Injector) SetMaxRetries(n int) { i.maxRetries.Store(int32(max(n, 0))) }
func (i *Injector) MaxRetries() int { return int(i.maxRetries.Load()) }
