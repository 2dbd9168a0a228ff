package turnwatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/clocksync"
	"github.com/lebdeal/lebdeal-go/internal/match"
)

// DefaultPollInterval is the watch loop cadence. Polling is deliberate:
// replicated snapshot delivery has no latency guarantee, so a short local
// loop is what actually detects expiry on time.
const DefaultPollInterval = 50 * time.Millisecond

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// ExpireFunc receives the expired activation exactly once. The context is
// cancelled if a newer activation replaces this one mid-handling.
type ExpireFunc func(ctx context.Context, snap *match.TimerSnapshot)

// Watcher owns the single live timer watch for one match. Every state
// observation is routed through Observe, which decides between no-op,
// teardown, and rearm based on the activation identity, so repeated
// deliveries of the same snapshot never stack watch loops.
type Watcher struct {
	matchID uuid.UUID
	clock   Clock
	sync    *clocksync.Engine
	expire  ExpireFunc
	poll    time.Duration

	mu        sync.Mutex
	identity  string             // activation currently being watched
	running   bool               // its loop goroutine is live
	lastFired string             // last activation handed off, to absorb stale redeliveries
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher for one match. poll <= 0 selects
// DefaultPollInterval.
func NewWatcher(matchID uuid.UUID, clock Clock, sync *clocksync.Engine, expire ExpireFunc, poll time.Duration) *Watcher {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Watcher{
		matchID: matchID,
		clock:   clock,
		sync:    sync,
		expire:  expire,
		poll:    poll,
	}
}

// Observe routes one state observation. ctx must be the session-lived
// context; watch loops started here outlive the call.
func (w *Watcher) Observe(ctx context.Context, turn *match.TurnState, snap *match.TimerSnapshot) {
	if turn != nil && turn.Phase.Terminal() {
		// A terminal match must drop its watch immediately or the loop
		// re-arms against state that will never change again.
		w.teardown("match reached terminal phase")
		return
	}
	if snap == nil || !snap.Active {
		w.teardown("no active timer")
		return
	}

	id := snap.Identity()

	w.mu.Lock()
	if id == w.lastFired {
		w.mu.Unlock()
		return
	}
	if w.running && w.identity == id {
		// Same activation, watch already live.
		w.mu.Unlock()
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.identity = id
	w.running = true
	w.cancel = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	log.Debug().
		Str("match_id", w.matchID.String()).
		Str("sequence_id", id).
		Dur("remaining", snap.RemainingAt(w.sync.Now())).
		Msg("watching turn timer")

	go w.watch(loopCtx, snap, id)
}

// Stop tears down any live watch and waits for in-flight expiry handling.
func (w *Watcher) Stop() {
	w.teardown("watcher stopped")
	w.wg.Wait()
}

// Watching reports whether a watch loop is live.
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) teardown(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.identity != "" {
		log.Debug().
			Str("match_id", w.matchID.String()).
			Str("sequence_id", w.identity).
			Str("reason", reason).
			Msg("stopped timer watch")
	}
	w.identity = ""
	w.running = false
}

func (w *Watcher) watch(ctx context.Context, snap *match.TimerSnapshot, id string) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		// Check before waiting: an activation that arrives already expired
		// must fire now, not one poll interval from now.
		if snap.ExpiredAt(w.sync.Now()) {
			w.mu.Lock()
			current := w.running && w.identity == id
			if current {
				w.running = false
				w.lastFired = id
			}
			w.mu.Unlock()
			if !current {
				return
			}

			log.Info().
				Str("match_id", w.matchID.String()).
				Str("sequence_id", id).
				Int("exempt_player", snap.ExemptPlayerIndex).
				Msg("turn timer expired")
			w.expire(ctx, snap)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
