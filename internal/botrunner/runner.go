package botrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/match"
	"github.com/lebdeal/lebdeal-go/internal/retry"
)

// DefaultSettlePause is how long a runner waits after a successful
// submission before it considers the next turn, so it cannot outrun state
// replication and act on its own half-propagated move.
const DefaultSettlePause = 800 * time.Millisecond

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Ticket identifies one bot turn for in-flight deduplication.
type Ticket struct {
	MatchNumber int
	TurnIndex   int
}

// Input is everything a decision function may look at: the bot's own hand
// plus the public table state. It is assembled fresh per run, never cached.
type Input struct {
	Hand            []match.Card
	LastPlay        *match.Play
	IsFirstPlay     bool
	CardCounts      []int
	NextPlayerIndex int
}

// Decision is the decision function's verdict.
type Decision struct {
	Move      match.Move
	Reasoning string
}

// Brain is the opaque decision function driving a bot seat. Implementations
// see a read-only view and return a move; they never touch the store.
type Brain interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// Runner drives the bot seats of one match. Bots submit through the same
// validated interface humans use; the runner's job is purely coordination:
// one in-flight attempt per turn, fresh re-validation around the slow parts,
// and bounded retries for transport hiccups.
type Runner struct {
	matchID uuid.UUID
	store   match.Store
	views   match.SeatViewReader
	brain   Brain
	clock   Clock
	policy  retry.Policy
	seats   map[int]bool
	settle  time.Duration

	mu       sync.Mutex
	inFlight map[Ticket]bool
	wg       sync.WaitGroup
}

// NewRunner creates a runner controlling botSeats of the given match.
// settle <= 0 selects DefaultSettlePause; a zero policy selects
// retry.DefaultPolicy.
func NewRunner(matchID uuid.UUID, store match.Store, views match.SeatViewReader, brain Brain, clock Clock, botSeats []int, policy retry.Policy, settle time.Duration) *Runner {
	if settle <= 0 {
		settle = DefaultSettlePause
	}
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	seats := make(map[int]bool, len(botSeats))
	for _, s := range botSeats {
		seats[s] = true
	}
	return &Runner{
		matchID:  matchID,
		store:    store,
		views:    views,
		brain:    brain,
		clock:    clock,
		policy:   policy,
		seats:    seats,
		settle:   settle,
		inFlight: make(map[Ticket]bool),
	}
}

// Observe routes one state observation. If the turn belongs to a bot seat
// and no attempt for this ticket is in flight, a run starts in the
// background; everything else is a no-op. ctx must be the session-lived
// context.
func (r *Runner) Observe(ctx context.Context, turn *match.TurnState) {
	if turn == nil || turn.Phase.Terminal() || turn.Phase == match.PhaseDealing {
		return
	}
	seat := turn.CurrentTurnIndex
	if !r.seats[seat] {
		return
	}

	ticket := Ticket{MatchNumber: turn.MatchNumber, TurnIndex: seat}
	r.mu.Lock()
	if r.inFlight[ticket] {
		r.mu.Unlock()
		return
	}
	r.inFlight[ticket] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(ticket)
		r.run(ctx, seat, ticket)
	}()
}

// Close waits for in-flight runs to finish. Callers cancel the observe
// context first.
func (r *Runner) Close() {
	r.wg.Wait()
}

// InFlight reports whether an attempt for the ticket is live. Status use.
func (r *Runner) InFlight(ticket Ticket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[ticket]
}

func (r *Runner) release(ticket Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, ticket)
}

func (r *Runner) run(ctx context.Context, seat int, ticket Ticket) {
	// Deciding can take a while; make sure the turn is still ours before
	// spending the effort, and again before every submission attempt. An
	// observation can be arbitrarily stale by the time we act on it.
	turn, err := r.freshTurn(ctx, seat, ticket)
	if err != nil {
		logBotAbort(r.matchID, seat, err)
		return
	}

	view, err := r.views.ReadSeatView(ctx, r.matchID, seat)
	if err != nil {
		log.Error().Err(err).Str("match_id", r.matchID.String()).Int("seat", seat).Msg("bot seat view read failed")
		return
	}

	in := Input{
		Hand:            view.Hand,
		LastPlay:        turn.LastPlay,
		IsFirstPlay:     turn.Phase == match.PhaseFirstPlay,
		CardCounts:      view.CardCounts,
		NextPlayerIndex: nextPlayer(turn, seat, len(view.CardCounts)),
	}
	decision, err := r.brain.Decide(ctx, in)
	if err != nil {
		log.Error().Err(err).Str("match_id", r.matchID.String()).Int("seat", seat).Msg("bot decision failed")
		return
	}

	policy := r.policy
	policy.ValidateBeforeRetry = func(ctx context.Context) error {
		_, err := r.freshTurn(ctx, seat, ticket)
		return err
	}
	policy.RetryableError = match.IsTransient

	err = policy.Do(ctx, r.clock, func(ctx context.Context) error {
		_, err := r.store.SubmitMove(ctx, r.matchID, seat, decision.Move)
		return err
	})
	switch {
	case err == nil:
		log.Info().
			Str("match_id", r.matchID.String()).
			Int("seat", seat).
			Str("move", string(decision.Move.Kind)).
			Str("reasoning", decision.Reasoning).
			Msg("bot move submitted")
		// Hold the ticket through the settle pause so a stale redelivery of
		// this same turn cannot start a second run while our move is still
		// propagating.
		r.pause(ctx)
	case retry.Aborted(err):
		logBotAbort(r.matchID, seat, err)
	case match.IsStaleTurn(err):
		// Someone (another client's compensation, the server coordinator)
		// moved for this seat first. Not a failure.
		logBotAbort(r.matchID, seat, err)
	default:
		log.Error().
			Err(err).
			Str("match_id", r.matchID.String()).
			Int("seat", seat).
			Msg("bot submission failed terminally; releasing ticket for retry")
	}
}

// freshTurn re-reads the authoritative state and confirms the ticket's turn
// is still live and ours.
func (r *Runner) freshTurn(ctx context.Context, seat int, ticket Ticket) (*match.TurnState, error) {
	turn, err := r.store.ReadTurnState(ctx, r.matchID)
	if err != nil {
		return nil, fmt.Errorf("read turn state: %w", err)
	}
	if turn.Phase.Terminal() || turn.Phase == match.PhaseDealing {
		return nil, fmt.Errorf("match in phase %s", turn.Phase)
	}
	if turn.MatchNumber != ticket.MatchNumber || turn.CurrentTurnIndex != seat {
		return nil, fmt.Errorf("turn moved on to player %d", turn.CurrentTurnIndex)
	}
	return turn, nil
}

func (r *Runner) pause(ctx context.Context) {
	if r.settle <= 0 {
		return
	}
	timer := r.clock.NewTimer(r.settle)
	select {
	case <-timer.Chan():
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.Chan():
			default:
			}
		}
	}
}

func nextPlayer(turn *match.TurnState, seat, players int) int {
	if players <= 0 {
		return 0
	}
	next := (seat + 1) % players
	if turn.LastPlay != nil && next == turn.LastPlay.PlayerIndex {
		next = (next + 1) % players
	}
	return next
}

func logBotAbort(matchID uuid.UUID, seat int, err error) {
	log.Debug().
		Err(err).
		Str("match_id", matchID.String()).
		Int("seat", seat).
		Msg("bot run aborted; turn no longer actionable")
}
