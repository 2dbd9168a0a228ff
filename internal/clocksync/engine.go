package clocksync

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/match"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
}

// Engine tracks the offset between the server's wall clock and ours so timer
// deadlines can be compared against server-corrected time. Devices routinely
// drift by seconds; an uncorrected client either fires compensation early or
// sits on an expired timer.
type Engine struct {
	clock Clock

	mu           sync.Mutex
	offset       time.Duration
	synced       bool
	lastIdentity string
}

// NewEngine creates an engine with no offset. Until the first snapshot with a
// server timestamp arrives, Now() returns uncorrected local time.
func NewEngine(clock Clock) *Engine {
	return &Engine{clock: clock}
}

// Observe feeds a timer snapshot into the engine. The offset is recomputed
// only when the snapshot is a new activation; re-observing the same activation
// never moves the offset, so corrective re-reads cannot make the clock jitter.
func (e *Engine) Observe(snap *match.TimerSnapshot) {
	if snap == nil {
		return
	}

	identity := snap.Identity()

	e.mu.Lock()
	defer e.mu.Unlock()

	if identity == e.lastIdentity {
		return
	}
	e.lastIdentity = identity

	if snap.ServerNow.IsZero() {
		// No server timestamp on this activation. Fall back to uncorrected
		// local time rather than trusting a stale offset.
		e.offset = 0
		e.synced = false
		log.Debug().Str("sequence_id", snap.SequenceID).Msg("timer snapshot missing server timestamp; clock sync disabled")
		return
	}

	e.offset = snap.ServerNow.Sub(e.clock.Now())
	e.synced = true
	log.Debug().
		Str("sequence_id", snap.SequenceID).
		Dur("offset", e.offset).
		Msg("recomputed server clock offset")
}

// Now returns the current time corrected to the server's clock. Unsynced
// engines return local time unchanged.
func (e *Engine) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Now().Add(e.offset)
}

// Offset returns the current server-minus-local offset.
func (e *Engine) Offset() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Synced reports whether the engine has a usable offset.
func (e *Engine) Synced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}
