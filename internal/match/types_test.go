package match

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerSnapshotRemainingPrefersEndTimestamp(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// EndTimestamp disagrees with StartedAt+Duration on purpose; the
	// server-computed deadline must win.
	end := started.Add(20 * time.Second)
	snap := &TimerSnapshot{
		Active:       true,
		StartedAt:    started,
		DurationMs:   30_000,
		EndTimestamp: &end,
	}

	now := started.Add(15 * time.Second)
	assert.Equal(t, 5*time.Second, snap.RemainingAt(now))
	assert.False(t, snap.ExpiredAt(now))
	assert.True(t, snap.ExpiredAt(started.Add(21*time.Second)))
}

func TestTimerSnapshotRemainingFallsBackToDuration(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &TimerSnapshot{
		Active:     true,
		StartedAt:  started,
		DurationMs: 30_000,
	}

	assert.Equal(t, 10*time.Second, snap.RemainingAt(started.Add(20*time.Second)))
	assert.Equal(t, time.Duration(0), snap.RemainingAt(started.Add(45*time.Second)))
}

func TestTimerSnapshotIdentity(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	withSeq := &TimerSnapshot{SequenceID: "seq-42", StartedAt: started}
	assert.Equal(t, "seq-42", withSeq.Identity())

	withoutSeq := &TimerSnapshot{StartedAt: started}
	other := &TimerSnapshot{StartedAt: started.Add(time.Millisecond)}
	assert.NotEqual(t, withoutSeq.Identity(), other.Identity())
}

func TestRoundCleared(t *testing.T) {
	cleared := &TurnState{CurrentTurnIndex: 2}
	assert.True(t, cleared.RoundCleared())

	live := &TurnState{
		CurrentTurnIndex: 3,
		PassCount:        1,
		LastPlay:         &Play{PlayerIndex: 2, Cards: []Card{{Rank: "K", Suit: "♠"}}},
	}
	assert.False(t, live.RoundCleared())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrUnavailable))
	assert.True(t, IsTransient(fmt.Errorf("submit move: %w", ErrUnavailable)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrStaleTurn))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestCardValueOrdering(t *testing.T) {
	three := Card{Rank: "3", Suit: "♦"}
	ace := Card{Rank: "A", Suit: "♥"}
	two := Card{Rank: "2", Suit: "♠"}

	assert.Less(t, three.Value(), ace.Value())
	assert.Less(t, ace.Value(), two.Value())
	assert.Equal(t, -1, Card{Rank: "joker"}.Value())
}
