package autopass

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/guard"
	"github.com/lebdeal/lebdeal-go/internal/match"
)

// DefaultSettleDelay is how long a run waits after its last pass before
// clearing the timer snapshot, giving replication time to settle.
const DefaultSettleDelay = 500 * time.Millisecond

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Executor runs the auto-pass compensation sequence when a turn timer
// expires: every player except the exempt one passes, in turn order, until
// the round clears. Any number of clients may race this sequence; the
// server's atomic move validation decides each step, and re-reading the turn
// index before every submission keeps the racers converging instead of
// double-passing.
type Executor struct {
	store        match.Store
	guard        *guard.Guard
	clock        Clock
	totalPlayers int
	settleDelay  time.Duration
}

// NewExecutor creates an executor for matches of totalPlayers seats.
// settleDelay <= 0 selects DefaultSettleDelay.
func NewExecutor(store match.Store, g *guard.Guard, clock Clock, totalPlayers int, settleDelay time.Duration) *Executor {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	return &Executor{
		store:        store,
		guard:        g,
		clock:        clock,
		totalPlayers: totalPlayers,
		settleDelay:  settleDelay,
	}
}

// Run executes the compensation sequence for one expired activation. It
// returns nil both on success and when it stands down because another run
// holds the guard or the world moved on; only genuine failures surface.
func (e *Executor) Run(ctx context.Context, matchID uuid.UUID, snap *match.TimerSnapshot) error {
	if !e.guard.TryAcquire() {
		log.Debug().Str("match_id", matchID.String()).Msg("compensation already in flight; standing down")
		return nil
	}
	defer e.guard.Release()

	turn, err := e.store.ReadTurnState(ctx, matchID)
	if err != nil {
		return fmt.Errorf("read turn state: %w", err)
	}
	if turn.Phase.Terminal() {
		return nil
	}
	if turn.RoundCleared() {
		log.Debug().Str("match_id", matchID.String()).Msg("round already cleared; compensation not needed")
		return nil
	}

	// The activation that triggered us must still be the live one. A replaced
	// or cleared timer means another client or the server got here first.
	current, err := e.store.ReadTimerSnapshot(ctx, matchID)
	if err != nil {
		return fmt.Errorf("read timer snapshot: %w", err)
	}
	if current == nil || !current.Active || current.Identity() != snap.Identity() {
		log.Debug().
			Str("match_id", matchID.String()).
			Str("sequence_id", snap.Identity()).
			Msg("timer gone or replaced; compensation not needed")
		return nil
	}

	required := e.totalPlayers - 1
	if required-turn.PassCount <= 0 {
		return nil
	}

	exempt := snap.ExemptPlayerIndex
	executed := 0

	log.Info().
		Str("match_id", matchID.String()).
		Str("sequence_id", snap.Identity()).
		Int("exempt_player", exempt).
		Int("pass_count", turn.PassCount).
		Msg("starting auto-pass compensation")

	for step := 0; step < e.totalPlayers-1; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Never act on a precomputed list: the turn index is re-read before
		// every single step because racing executors advance it under us.
		turn, err = e.store.ReadTurnState(ctx, matchID)
		if err != nil {
			return fmt.Errorf("re-read turn state: %w", err)
		}
		if turn.Phase.Terminal() || turn.RoundCleared() {
			break
		}
		if turn.CurrentTurnIndex == exempt {
			log.Debug().
				Str("match_id", matchID.String()).
				Int("exempt_player", exempt).
				Msg("turn reached exempt player; round complete")
			break
		}

		result, err := e.store.SubmitMove(ctx, matchID, turn.CurrentTurnIndex, match.Pass())
		if err != nil {
			if match.IsStaleTurn(err) {
				// Another client won this step. Expected under concurrency;
				// re-read and keep going.
				log.Debug().
					Str("match_id", matchID.String()).
					Int("player_index", turn.CurrentTurnIndex).
					Msg("pass lost race; re-reading state")
				continue
			}
			return fmt.Errorf("submit auto-pass for player %d: %w", turn.CurrentTurnIndex, err)
		}

		executed++
		log.Info().
			Str("match_id", matchID.String()).
			Int("player_index", turn.CurrentTurnIndex).
			Int("pass_count", result.PassCount).
			Bool("round_cleared", result.RoundCleared).
			Msg("auto-pass applied")

		if result.RoundCleared {
			break
		}
	}

	// Only a run that actually passed someone clears the snapshot; a
	// bystander that stood down must leave it for whoever is still working.
	if executed > 0 {
		if err := e.sleep(ctx, e.settleDelay); err != nil {
			return err
		}
		if err := e.store.ClearTimerSnapshot(ctx, matchID); err != nil {
			return fmt.Errorf("clear timer snapshot: %w", err)
		}
		log.Info().
			Str("match_id", matchID.String()).
			Int("passes_executed", executed).
			Msg("auto-pass compensation finished")
	}

	return nil
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := e.clock.NewTimer(d)
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.Chan():
			default:
			}
		}
		return ctx.Err()
	}
}
