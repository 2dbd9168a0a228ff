package autopass

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lebdeal/lebdeal-go/internal/guard"
	"github.com/lebdeal/lebdeal-go/internal/match"
	"github.com/lebdeal/lebdeal-go/internal/memstore"
)

// recordingStore wraps the in-memory store and logs every accepted pass, so
// tests can assert on submission order and totals.
type recordingStore struct {
	*memstore.Store

	mu     sync.Mutex
	passes []int
}

func (r *recordingStore) SubmitMove(ctx context.Context, matchID uuid.UUID, playerIndex int, move match.Move) (*match.MoveResult, error) {
	result, err := r.Store.SubmitMove(ctx, matchID, playerIndex, move)
	if err == nil && move.Kind == match.MoveKindPass {
		r.mu.Lock()
		r.passes = append(r.passes, playerIndex)
		r.mu.Unlock()
	}
	return result, err
}

func (r *recordingStore) recorded() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.passes))
	copy(out, r.passes)
	return out
}

// seedExpiredTimer builds a 4-player match mid-round: player 2 holds the
// unbeaten play, player 0 is on turn, and the turn timer ran out 500ms ago.
func seedExpiredTimer(t *testing.T, clock Clock) (*recordingStore, uuid.UUID, *match.TimerSnapshot) {
	t.Helper()
	base := memstore.New(clock)
	matchID := uuid.New()
	base.CreateMatch(matchID, 4)
	base.SetTurnState(matchID, match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: 0,
		PassCount:        0,
		LastPlay:         &match.Play{PlayerIndex: 2, Cards: []match.Card{{Rank: "A", Suit: "♠"}}},
		Phase:            match.PhasePlaying,
	})
	snap := base.ArmTimer(matchID, 2, -500*time.Millisecond)
	require.NotNil(t, snap)
	return &recordingStore{Store: base}, matchID, snap
}

func newExecutor(store match.Store, clock Clock) *Executor {
	return NewExecutor(store, guard.New(clock, 30*time.Second), clock, 4, time.Millisecond)
}

func TestRunPassesEveryoneExceptExempt(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)
	exec := newExecutor(store, clock)

	require.NoError(t, exec.Run(context.Background(), matchID, snap))

	assert.Equal(t, []int{0, 1, 3}, store.recorded())

	turn, err := store.ReadTurnState(context.Background(), matchID)
	require.NoError(t, err)
	assert.True(t, turn.RoundCleared())
	assert.Equal(t, 2, turn.CurrentTurnIndex)

	timer, err := store.ReadTimerSnapshot(context.Background(), matchID)
	require.NoError(t, err)
	assert.Nil(t, timer, "timer snapshot should be cleared after compensation")
}

func TestRunConcurrentExecutorsConvergeOnThreePasses(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)

	// Two independent clients, each with its own guard, racing the same
	// expired activation against one authoritative store.
	execA := newExecutor(store, clock)
	execB := newExecutor(store, clock)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, exec := range []*Executor{execA, execB} {
		wg.Add(1)
		go func(e *Executor) {
			defer wg.Done()
			errs <- e.Run(context.Background(), matchID, snap)
		}(exec)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, store.recorded(), 3, "passes applied across both executors combined")

	turn, err := store.ReadTurnState(context.Background(), matchID)
	require.NoError(t, err)
	assert.True(t, turn.RoundCleared())
	assert.Equal(t, 2, turn.CurrentTurnIndex)
}

func TestRunStandsDownWhenGuardHeld(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)

	g := guard.New(clock, 30*time.Second)
	require.True(t, g.TryAcquire())

	exec := NewExecutor(store, g, clock, 4, time.Millisecond)
	require.NoError(t, exec.Run(context.Background(), matchID, snap))

	assert.Empty(t, store.recorded())
	assert.True(t, g.Held(), "stand-down must not release someone else's hold")
}

func TestRunReleasesGuardAfterRun(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)

	g := guard.New(clock, 30*time.Second)
	exec := NewExecutor(store, g, clock, 4, time.Millisecond)
	require.NoError(t, exec.Run(context.Background(), matchID, snap))

	assert.False(t, g.Held())
}

func TestRunAbortsWhenRoundAlreadyCleared(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)
	store.SetTurnState(matchID, match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: 2,
		Phase:            match.PhasePlaying,
	})

	exec := newExecutor(store, clock)
	require.NoError(t, exec.Run(context.Background(), matchID, snap))

	assert.Empty(t, store.recorded())

	// A run that passed nobody must leave the snapshot alone.
	timer, err := store.ReadTimerSnapshot(context.Background(), matchID)
	require.NoError(t, err)
	assert.NotNil(t, timer)
}

func TestRunAbortsWhenTimerReplaced(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)

	// The server armed a fresh activation before we got the guard.
	replacement := store.ArmTimer(matchID, 2, 30*time.Second)
	require.NotEqual(t, snap.Identity(), replacement.Identity())

	exec := newExecutor(store, clock)
	require.NoError(t, exec.Run(context.Background(), matchID, snap))

	assert.Empty(t, store.recorded())
}

func TestRunAbortsWhenTimerGone(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)
	require.NoError(t, store.ClearTimerSnapshot(context.Background(), matchID))

	exec := newExecutor(store, clock)
	require.NoError(t, exec.Run(context.Background(), matchID, snap))

	assert.Empty(t, store.recorded())
}

// raceOnFirstSubmit lets another actor pass player 0 right before the
// executor's first submission, forcing a StaleTurn on that step.
type raceOnFirstSubmit struct {
	*recordingStore

	once    sync.Once
	matchID uuid.UUID
}

func (r *raceOnFirstSubmit) SubmitMove(ctx context.Context, matchID uuid.UUID, playerIndex int, move match.Move) (*match.MoveResult, error) {
	r.once.Do(func() {
		_, _ = r.recordingStore.SubmitMove(ctx, r.matchID, 0, match.Pass())
	})
	return r.recordingStore.SubmitMove(ctx, matchID, playerIndex, move)
}

func TestRunTreatsStaleTurnAsProgress(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)
	racy := &raceOnFirstSubmit{recordingStore: store, matchID: matchID}

	exec := NewExecutor(racy, guard.New(clock, 30*time.Second), clock, 4, time.Millisecond)
	require.NoError(t, exec.Run(context.Background(), matchID, snap))

	// The rival's pass plus the executor's surviving steps still add up to
	// exactly one full round of compensation.
	assert.Equal(t, []int{0, 1, 3}, store.recorded())

	turn, err := store.ReadTurnState(context.Background(), matchID)
	require.NoError(t, err)
	assert.True(t, turn.RoundCleared())
}

// failingStore rejects submissions with a transport error after allowing
// allowed successes.
type failingStore struct {
	*recordingStore

	mu      sync.Mutex
	allowed int
}

func (f *failingStore) SubmitMove(ctx context.Context, matchID uuid.UUID, playerIndex int, move match.Move) (*match.MoveResult, error) {
	f.mu.Lock()
	if f.allowed <= 0 {
		f.mu.Unlock()
		return nil, match.ErrUnavailable
	}
	f.allowed--
	f.mu.Unlock()
	return f.recordingStore.SubmitMove(ctx, matchID, playerIndex, move)
}

func TestRunAbortsOnUnexpectedErrorWithoutClearingTimer(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)
	flaky := &failingStore{recordingStore: store, allowed: 1}

	exec := NewExecutor(flaky, guard.New(clock, 30*time.Second), clock, 4, time.Millisecond)
	err := exec.Run(context.Background(), matchID, snap)

	require.Error(t, err)
	assert.True(t, match.IsTransient(err))
	assert.Equal(t, []int{0}, store.recorded())

	// The aborted run leaves the snapshot so a later trigger can finish the
	// job.
	timer, readErr := store.ReadTimerSnapshot(context.Background(), matchID)
	require.NoError(t, readErr)
	assert.NotNil(t, timer)
}

func TestRunAbortsOnTerminalPhase(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)
	store.SetTurnState(matchID, match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: 0,
		Phase:            match.PhaseFinished,
	})

	exec := newExecutor(store, clock)
	require.NoError(t, exec.Run(context.Background(), matchID, snap))
	assert.Empty(t, store.recorded())
}

func TestRunHonoursCancellation(t *testing.T) {
	clock := clockwork.NewRealClock()
	store, matchID, snap := seedExpiredTimer(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := newExecutor(store, clock)
	err := exec.Run(ctx, matchID, snap)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.recorded())
}
