package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/match"
)

const (
	// DefaultGrace is how long a bot-held turn may sit unchanged before we
	// ask the server to step in. The client-side bot runner normally moves
	// well inside this window.
	DefaultGrace = 3 * time.Second
	// DefaultCooldown spaces repeat invocations while the same turn stays
	// stuck.
	DefaultCooldown = 5 * time.Second
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	NewTimer(d time.Duration) clockwork.Timer
}

// ticket pins an armed fallback to one specific bot turn.
type ticket struct {
	matchNumber int
	turnIndex   int
}

// Coordinator is the last line of defence for a stalled bot seat. When the
// turn sits on a bot and does not advance within a grace period it nudges
// the server-side coordinator, then repeats at most once per cooldown window
// until the table moves on. It backs up the local bot runner, it never
// replaces it. The grace runs on the local clock from the first observation
// of the stalled turn; no server time is involved.
type Coordinator struct {
	matchID  uuid.UUID
	clock    Clock
	seats    map[int]bool
	invoker  match.CoordinatorInvoker
	grace    time.Duration
	cooldown time.Duration

	mu     sync.Mutex
	armed  bool
	ticket ticket
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a fallback coordinator for one match. botSeats are
// the seats driven by bots; without any the coordinator stays inert. grace
// and cooldown fall back to the package defaults when <= 0.
func NewCoordinator(matchID uuid.UUID, clock Clock, botSeats []int, invoker match.CoordinatorInvoker, grace, cooldown time.Duration) *Coordinator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	seats := make(map[int]bool, len(botSeats))
	for _, s := range botSeats {
		seats[s] = true
	}
	return &Coordinator{
		matchID:  matchID,
		clock:    clock,
		seats:    seats,
		invoker:  invoker,
		grace:    grace,
		cooldown: cooldown,
	}
}

// Observe routes one state observation. A bot-held turn arms the grace
// timer; a change of turn while armed re-arms from scratch, and a human
// turn, a non-actionable phase, or a terminal match disarms outright.
// Repeated observations of an unchanged turn are no-ops, so invocation
// pacing is owned entirely by the armed loop.
func (c *Coordinator) Observe(ctx context.Context, turn *match.TurnState) {
	if turn == nil {
		return
	}
	if turn.Phase.Terminal() {
		c.disarm("match reached terminal phase")
		return
	}
	if turn.Phase == match.PhaseDealing || !c.seats[turn.CurrentTurnIndex] {
		c.disarm("turn not on an actionable bot seat")
		return
	}

	tk := ticket{matchNumber: turn.MatchNumber, turnIndex: turn.CurrentTurnIndex}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed && c.ticket == tk {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.armed = true
	c.ticket = tk
	c.cancel = cancel

	log.Debug().
		Str("match_id", c.matchID.String()).
		Int("seat", tk.turnIndex).
		Dur("fires_in", c.grace).
		Msg("fallback armed")
	c.wg.Add(1)
	go c.loop(loopCtx, tk)
}

// Stop disarms and waits for the loop to exit.
func (c *Coordinator) Stop() {
	c.disarm("coordinator stopping")
	c.wg.Wait()
}

// Armed reports whether a fallback is pending. Status use.
func (c *Coordinator) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *Coordinator) disarm(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return
	}
	log.Debug().Str("match_id", c.matchID.String()).Str("reason", reason).Msg("fallback disarmed")
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.armed = false
	c.ticket = ticket{}
}

func (c *Coordinator) loop(ctx context.Context, tk ticket) {
	defer c.wg.Done()
	if !c.sleep(ctx, c.grace) {
		return
	}
	for {
		c.mu.Lock()
		live := c.armed && c.ticket == tk
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.invoker.InvokeCoordinator(ctx, c.matchID); err != nil {
			log.Warn().
				Err(err).
				Str("match_id", c.matchID.String()).
				Int("seat", tk.turnIndex).
				Msg("fallback invocation failed; will retry after cooldown")
		} else {
			log.Info().
				Str("match_id", c.matchID.String()).
				Int("seat", tk.turnIndex).
				Msg("invoked server coordinator for stalled bot turn")
		}
		if !c.sleep(ctx, c.cooldown) {
			return
		}
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := c.clock.NewTimer(d)
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.Chan():
			default:
			}
		}
		return false
	}
}
