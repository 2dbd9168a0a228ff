package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lebdeal/lebdeal-go/internal/feed"
	"github.com/lebdeal/lebdeal-go/internal/match"
	"github.com/lebdeal/lebdeal-go/internal/memstore"
)

type sessionFixture struct {
	session *Session
	done    chan error
	cancel  context.CancelFunc
}

// startSession builds a session against an in-memory store with a fast poll
// feed and millisecond coordination windows.
func startSession(t *testing.T, store match.Store, views match.SeatViewReader, invoker match.CoordinatorInvoker, matchID uuid.UUID, botSeats []int) *sessionFixture {
	t.Helper()
	clock := clockwork.NewRealClock()
	poller := feed.NewPoller(matchID, store, clock, 10*time.Millisecond)

	s := Build(matchID, Options{
		Store:        store,
		Views:        views,
		Invoker:      invoker,
		Feed:         poller,
		Clock:        clock,
		TotalPlayers: 4,
		BotSeats:     botSeats,
		PollInterval: 5 * time.Millisecond,
		SettleDelay:  time.Millisecond,
		SettlePause:  time.Millisecond,
		Grace:        5 * time.Millisecond,
		Cooldown:     50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return &sessionFixture{session: s, done: done, cancel: cancel}
}

// seedStuckRound sets up the canonical stuck table: player 2 holds the live
// play, player 0 is on turn, and the pass timer has already run out.
func seedStuckRound(t *testing.T) (*memstore.Store, uuid.UUID) {
	t.Helper()
	store := memstore.New(clockwork.NewRealClock())
	matchID := uuid.New()
	store.CreateMatch(matchID, 4)
	store.SetTurnState(matchID, match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: 0,
		LastPlay:         &match.Play{PlayerIndex: 2, Cards: []match.Card{{Rank: "A", Suit: "♠"}}, Combo: "single"},
		Phase:            match.PhasePlaying,
	})
	store.ArmTimer(matchID, 2, -500*time.Millisecond)
	return store, matchID
}

func TestSessionCompensatesExpiredTimer(t *testing.T) {
	store, matchID := seedStuckRound(t)
	f := startSession(t, store, store, nil, matchID, nil)

	require.Eventually(t, func() bool {
		turn, err := store.ReadTurnState(context.Background(), matchID)
		if err != nil {
			return false
		}
		return turn.RoundCleared() && turn.CurrentTurnIndex == 2
	}, 2*time.Second, 5*time.Millisecond, "round never cleared back to the live-play owner")

	require.Eventually(t, func() bool {
		snap, err := store.ReadTimerSnapshot(context.Background(), matchID)
		return err == nil && snap == nil
	}, 2*time.Second, 5*time.Millisecond, "consumed timer never cleared")

	assert.False(t, f.session.Finished())
}

func TestSessionPlaysBotTurns(t *testing.T) {
	store := memstore.New(clockwork.NewRealClock())
	matchID := uuid.New()
	store.CreateMatch(matchID, 4)
	store.SetHand(matchID, 1, []match.Card{{Rank: "6", Suit: "♦"}, {Rank: "3", Suit: "♣"}})
	store.SetTurnState(matchID, match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: 1,
		Phase:            match.PhaseFirstPlay,
	})

	startSession(t, store, store, nil, matchID, []int{1})

	require.Eventually(t, func() bool {
		turn, err := store.ReadTurnState(context.Background(), matchID)
		if err != nil || turn.LastPlay == nil {
			return false
		}
		return turn.LastPlay.PlayerIndex == 1 && turn.CurrentTurnIndex == 2
	}, 2*time.Second, 5*time.Millisecond, "bot never opened the trick")

	turn, err := store.ReadTurnState(context.Background(), matchID)
	require.NoError(t, err)
	assert.Equal(t, []match.Card{{Rank: "3", Suit: "♣"}}, turn.LastPlay.Cards)
}

// submitRefused simulates an API outage for writes while reads stay healthy.
type submitRefused struct {
	*memstore.Store
}

func (s *submitRefused) SubmitMove(ctx context.Context, matchID uuid.UUID, playerIndex int, move match.Move) (*match.MoveResult, error) {
	return nil, match.ErrUnavailable
}

func TestSessionFallsBackToServerCoordinator(t *testing.T) {
	inner := memstore.New(clockwork.NewRealClock())
	matchID := uuid.New()
	inner.CreateMatch(matchID, 4)
	inner.SetTurnState(matchID, match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: 1,
		LastPlay:         &match.Play{PlayerIndex: 2, Cards: []match.Card{{Rank: "A", Suit: "♠"}}, Combo: "single"},
		Phase:            match.PhasePlaying,
	})
	store := &submitRefused{Store: inner}

	startSession(t, store, store, inner, matchID, []int{1})

	// The bot cannot submit, so its stalled turn must escalate to the
	// server-side coordinator after the grace period.
	require.Eventually(t, func() bool {
		return inner.CoordinatorInvocations(matchID) >= 1
	}, 2*time.Second, 5*time.Millisecond, "server coordinator never invoked")
}

func TestSessionEndsWhenMatchFinishes(t *testing.T) {
	store := memstore.New(clockwork.NewRealClock())
	matchID := uuid.New()
	store.CreateMatch(matchID, 4)

	f := startSession(t, store, store, nil, matchID, nil)

	store.SetTurnState(matchID, match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: 0,
		Phase:            match.PhaseFinished,
	})

	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on terminal phase")
	}
	assert.True(t, f.session.Finished())
}
