package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lebdeal/lebdeal-go/internal/match"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
}

// Store is an in-memory authoritative match store. SubmitMove validates and
// applies under one mutex, so concurrent submissions for the same turn get
// exactly one winner and the rest ErrStaleTurn, the same contract the real
// game server gives. The race simulator and the package tests share it so
// every convergence check runs against identical semantics.
type Store struct {
	clock Clock

	mu          sync.Mutex
	matches     map[uuid.UUID]*matchState
	invocations map[uuid.UUID]int
}

type matchState struct {
	players int
	turn    match.TurnState
	timer   *match.TimerSnapshot
	hands   [][]match.Card
}

// New creates an empty store.
func New(clock Clock) *Store {
	return &Store{
		clock:       clock,
		matches:     make(map[uuid.UUID]*matchState),
		invocations: make(map[uuid.UUID]int),
	}
}

// CreateMatch registers a match with players seats, ready for its first play.
func (s *Store) CreateMatch(matchID uuid.UUID, players int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[matchID] = &matchState{
		players: players,
		turn: match.TurnState{
			MatchNumber:      1,
			CurrentTurnIndex: 0,
			Phase:            match.PhaseFirstPlay,
		},
		hands: make([][]match.Card, players),
	}
}

// SetTurnState overwrites the turn record. Test and simulator seeding only.
func (s *Store) SetTurnState(matchID uuid.UUID, turn match.TurnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.matches[matchID]; ok {
		ms.turn = cloneTurn(turn)
	}
}

// SetHand deals a hand to one seat. Test and simulator seeding only.
func (s *Store) SetHand(matchID uuid.UUID, playerIndex int, cards []match.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.matches[matchID]
	if !ok || playerIndex < 0 || playerIndex >= ms.players {
		return
	}
	ms.hands[playerIndex] = slices.Clone(cards)
}

// ArmTimer installs a fresh timer activation exempting exemptPlayer and
// returns a copy of the stored snapshot.
func (s *Store) ArmTimer(matchID uuid.UUID, exemptPlayer int, d time.Duration) *match.TimerSnapshot {
	now := s.clock.Now()
	end := now.Add(d)
	snap := &match.TimerSnapshot{
		Active:            true,
		StartedAt:         now,
		DurationMs:        d.Milliseconds(),
		EndTimestamp:      &end,
		ExemptPlayerIndex: exemptPlayer,
		SequenceID:        uuid.New().String(),
		ServerNow:         now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.matches[matchID]
	if !ok {
		return nil
	}
	ms.timer = cloneTimer(snap)
	return snap
}

// ReadTurnState implements match.StateReader.
func (s *Store) ReadTurnState(ctx context.Context, matchID uuid.UUID) (*match.TurnState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.matches[matchID]
	if !ok {
		return nil, match.ErrMatchNotFound
	}
	turn := cloneTurn(ms.turn)
	return &turn, nil
}

// SubmitMove implements match.MoveSubmitter with atomic turn-check-and-apply.
func (s *Store) SubmitMove(ctx context.Context, matchID uuid.UUID, playerIndex int, move match.Move) (*match.MoveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.matches[matchID]
	if !ok {
		return nil, match.ErrMatchNotFound
	}
	if playerIndex < 0 || playerIndex >= ms.players {
		return nil, fmt.Errorf("player index %d out of range: %w", playerIndex, match.ErrInvalidMove)
	}
	if ms.turn.Phase == match.PhaseDealing || ms.turn.Phase.Terminal() {
		return nil, fmt.Errorf("no moves in phase %s: %w", ms.turn.Phase, match.ErrInvalidMove)
	}
	if playerIndex != ms.turn.CurrentTurnIndex {
		return nil, fmt.Errorf("player %d submitted on player %d's turn: %w",
			playerIndex, ms.turn.CurrentTurnIndex, match.ErrStaleTurn)
	}

	switch move.Kind {
	case match.MoveKindPass:
		return s.applyPass(ms)
	case match.MoveKindPlay:
		return s.applyPlay(ms, playerIndex, move.Cards)
	default:
		return nil, fmt.Errorf("unknown move kind %q: %w", move.Kind, match.ErrInvalidMove)
	}
}

func (s *Store) applyPass(ms *matchState) (*match.MoveResult, error) {
	if ms.turn.LastPlay == nil {
		// The round leader must play; passing on an open table is illegal.
		return nil, fmt.Errorf("cannot pass with no live play: %w", match.ErrInvalidMove)
	}

	ms.turn.PassCount++
	cleared := ms.turn.PassCount >= ms.players-1
	if cleared {
		// Everyone else passed: the table clears and the turn returns to
		// whoever made the unbeaten play.
		ms.turn.CurrentTurnIndex = ms.turn.LastPlay.PlayerIndex
		ms.turn.LastPlay = nil
		ms.turn.PassCount = 0
	} else {
		// Rotation skips the seat whose play is live; it only gets the turn
		// back when the round clears to it.
		next := (ms.turn.CurrentTurnIndex + 1) % ms.players
		if next == ms.turn.LastPlay.PlayerIndex {
			next = (next + 1) % ms.players
		}
		ms.turn.CurrentTurnIndex = next
	}

	return &match.MoveResult{
		NextTurnIndex: ms.turn.CurrentTurnIndex,
		PassCount:     ms.turn.PassCount,
		RoundCleared:  cleared,
	}, nil
}

func (s *Store) applyPlay(ms *matchState, playerIndex int, cards []match.Card) (*match.MoveResult, error) {
	if len(cards) == 0 {
		return nil, fmt.Errorf("play without cards: %w", match.ErrInvalidMove)
	}

	// Hands are only enforced when seeded; convergence tests that do not
	// care about cards skip dealing.
	if hand := ms.hands[playerIndex]; len(hand) > 0 {
		remaining := slices.Clone(hand)
		for _, c := range cards {
			i := slices.Index(remaining, c)
			if i < 0 {
				return nil, fmt.Errorf("card %s not in hand: %w", c, match.ErrInvalidMove)
			}
			remaining = slices.Delete(remaining, i, i+1)
		}
		ms.hands[playerIndex] = remaining
		if len(remaining) == 0 {
			ms.turn.Phase = match.PhaseFinished
		}
	}

	if ms.turn.Phase == match.PhaseFirstPlay {
		ms.turn.Phase = match.PhasePlaying
	}
	if !ms.turn.Phase.Terminal() {
		ms.turn.CurrentTurnIndex = (playerIndex + 1) % ms.players
	}
	ms.turn.LastPlay = &match.Play{PlayerIndex: playerIndex, Cards: slices.Clone(cards)}
	ms.turn.PassCount = 0

	return &match.MoveResult{
		NextTurnIndex: ms.turn.CurrentTurnIndex,
		PassCount:     0,
		RoundCleared:  false,
	}, nil
}

// ReadTimerSnapshot implements match.TimerStore. Absent timers read as
// (nil, nil).
func (s *Store) ReadTimerSnapshot(ctx context.Context, matchID uuid.UUID) (*match.TimerSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.matches[matchID]
	if !ok {
		return nil, match.ErrMatchNotFound
	}
	return cloneTimer(ms.timer), nil
}

// ClearTimerSnapshot implements match.TimerStore. Clearing an already
// cleared timer is a no-op.
func (s *Store) ClearTimerSnapshot(ctx context.Context, matchID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.matches[matchID]
	if !ok {
		return match.ErrMatchNotFound
	}
	ms.timer = nil
	return nil
}

// ReadSeatView implements match.SeatViewReader.
func (s *Store) ReadSeatView(ctx context.Context, matchID uuid.UUID, playerIndex int) (*match.SeatView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.matches[matchID]
	if !ok {
		return nil, match.ErrMatchNotFound
	}
	if playerIndex < 0 || playerIndex >= ms.players {
		return nil, fmt.Errorf("player index %d out of range: %w", playerIndex, match.ErrInvalidMove)
	}
	counts := make([]int, ms.players)
	for i, hand := range ms.hands {
		counts[i] = len(hand)
	}
	return &match.SeatView{
		Hand:       slices.Clone(ms.hands[playerIndex]),
		CardCounts: counts,
	}, nil
}

// InvokeCoordinator implements match.CoordinatorInvoker by counting
// invocations, standing in for the server-side bot coordinator.
func (s *Store) InvokeCoordinator(ctx context.Context, matchID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[matchID]; !ok {
		return match.ErrMatchNotFound
	}
	s.invocations[matchID]++
	return nil
}

// CoordinatorInvocations returns how often the server-side coordinator was
// kicked for a match.
func (s *Store) CoordinatorInvocations(matchID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invocations[matchID]
}

func cloneTurn(t match.TurnState) match.TurnState {
	out := t
	if t.LastPlay != nil {
		play := *t.LastPlay
		play.Cards = slices.Clone(t.LastPlay.Cards)
		out.LastPlay = &play
	}
	return out
}

func cloneTimer(t *match.TimerSnapshot) *match.TimerSnapshot {
	if t == nil {
		return nil
	}
	out := *t
	if t.EndTimestamp != nil {
		end := *t.EndTimestamp
		out.EndTimestamp = &end
	}
	return &out
}
