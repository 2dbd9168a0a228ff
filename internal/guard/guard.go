package guard

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStaleAfter is how old a held guard must be before we assume its
// holder crashed mid-run and allow a forced reacquire.
const DefaultStaleAfter = 30 * time.Second

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
}

// Guard is a process-local re-entrancy guard for compensation runs. The held
// value is the acquisition timestamp, so a guard abandoned by a crashed or
// wedged holder goes stale and can be taken over. It is not a distributed
// lock: two clients can both hold their own guard, and correctness across
// clients comes from the server's atomic move validation alone.
type Guard struct {
	clock      Clock
	staleAfter time.Duration

	mu        sync.Mutex
	heldSince time.Time
}

// New creates a guard. staleAfter <= 0 selects DefaultStaleAfter.
func New(clock Clock, staleAfter time.Duration) *Guard {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Guard{clock: clock, staleAfter: staleAfter}
}

// TryAcquire takes the guard if it is free or stale. It never blocks.
func (g *Guard) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if !g.heldSince.IsZero() {
		age := now.Sub(g.heldSince)
		if age < g.staleAfter {
			return false
		}
		log.Warn().
			Dur("held_for", age).
			Dur("stale_after", g.staleAfter).
			Msg("execution guard stale; overriding previous holder")
	}
	g.heldSince = now
	return true
}

// Release frees the guard. Callers defer this immediately after a successful
// TryAcquire so error paths release too.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heldSince = time.Time{}
}

// Held reports whether the guard is currently taken.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.heldSince.IsZero()
}
