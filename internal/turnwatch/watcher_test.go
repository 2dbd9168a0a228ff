package turnwatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lebdeal/lebdeal-go/internal/clocksync"
	"github.com/lebdeal/lebdeal-go/internal/match"
)

type watchFixture struct {
	clock   *clockwork.FakeClock
	watcher *Watcher
	fired   chan *match.TimerSnapshot
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	fired := make(chan *match.TimerSnapshot, 4)
	expire := func(ctx context.Context, snap *match.TimerSnapshot) {
		fired <- snap
	}
	w := NewWatcher(uuid.New(), clock, clocksync.NewEngine(clock), expire, 50*time.Millisecond)
	t.Cleanup(w.Stop)
	return &watchFixture{clock: clock, watcher: w, fired: fired}
}

func (f *watchFixture) snapshot(seq string, expiresIn time.Duration) *match.TimerSnapshot {
	started := f.clock.Now()
	end := started.Add(expiresIn)
	return &match.TimerSnapshot{
		Active:            true,
		StartedAt:         started,
		DurationMs:        expiresIn.Milliseconds(),
		EndTimestamp:      &end,
		ExemptPlayerIndex: 2,
		SequenceID:        seq,
		ServerNow:         started,
	}
}

func playingTurn() *match.TurnState {
	return &match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: 3,
		Phase:            match.PhasePlaying,
		LastPlay:         &match.Play{PlayerIndex: 2, Cards: []match.Card{{Rank: "K", Suit: "♠"}}},
	}
}

func (f *watchFixture) expectFire(t *testing.T, seq string) {
	t.Helper()
	select {
	case snap := <-f.fired:
		assert.Equal(t, seq, snap.SequenceID)
	case <-time.After(2 * time.Second):
		t.Fatalf("timer %s never fired", seq)
	}
}

func (f *watchFixture) expectNoFire(t *testing.T) {
	t.Helper()
	select {
	case snap := <-f.fired:
		t.Fatalf("unexpected expiry handoff for %s", snap.SequenceID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcherFiresOnExpiry(t *testing.T) {
	f := newWatchFixture(t)
	ctx := context.Background()

	f.watcher.Observe(ctx, playingTurn(), f.snapshot("seq-1", 100*time.Millisecond))
	require.True(t, f.watcher.Watching())

	f.clock.BlockUntil(1)
	f.clock.Advance(150 * time.Millisecond)

	f.expectFire(t, "seq-1")
}

func TestWatcherFiresImmediatelyWhenAlreadyExpired(t *testing.T) {
	f := newWatchFixture(t)

	snap := f.snapshot("seq-late", 50*time.Millisecond)
	f.clock.Advance(200 * time.Millisecond)

	f.watcher.Observe(context.Background(), playingTurn(), snap)

	f.expectFire(t, "seq-late")
}

func TestWatcherDoesNotRefireSameActivation(t *testing.T) {
	f := newWatchFixture(t)
	ctx := context.Background()

	snap := f.snapshot("seq-1", 50*time.Millisecond)
	f.clock.Advance(100 * time.Millisecond)
	f.watcher.Observe(ctx, playingTurn(), snap)
	f.expectFire(t, "seq-1")

	// A stale feed can redeliver the consumed activation.
	f.watcher.Observe(ctx, playingTurn(), snap)
	f.expectNoFire(t)
}

func TestWatcherRearmsOnNewActivation(t *testing.T) {
	f := newWatchFixture(t)
	ctx := context.Background()

	f.watcher.Observe(ctx, playingTurn(), f.snapshot("seq-1", time.Hour))
	require.True(t, f.watcher.Watching())

	// The round restarted with a new timer that is already out of time.
	replacement := f.snapshot("seq-2", 10*time.Millisecond)
	f.clock.Advance(time.Minute)
	f.watcher.Observe(ctx, playingTurn(), replacement)

	f.expectFire(t, "seq-2")
	f.expectNoFire(t)
}

func TestWatcherStopsWhenTimerDisappears(t *testing.T) {
	f := newWatchFixture(t)
	ctx := context.Background()

	f.watcher.Observe(ctx, playingTurn(), f.snapshot("seq-1", 100*time.Millisecond))
	require.True(t, f.watcher.Watching())

	f.watcher.Observe(ctx, playingTurn(), nil)
	assert.False(t, f.watcher.Watching())

	f.clock.Advance(time.Second)
	f.expectNoFire(t)
}

func TestWatcherStopsOnTerminalPhase(t *testing.T) {
	f := newWatchFixture(t)
	ctx := context.Background()

	f.watcher.Observe(ctx, playingTurn(), f.snapshot("seq-1", 100*time.Millisecond))
	require.True(t, f.watcher.Watching())

	finished := playingTurn()
	finished.Phase = match.PhaseFinished
	f.watcher.Observe(ctx, finished, f.snapshot("seq-1", 100*time.Millisecond))
	assert.False(t, f.watcher.Watching())

	f.clock.Advance(time.Second)
	f.expectNoFire(t)
}

func TestWatcherReappearingTimerStartsFreshWatch(t *testing.T) {
	f := newWatchFixture(t)
	ctx := context.Background()

	snap := f.snapshot("seq-1", time.Hour)
	f.watcher.Observe(ctx, playingTurn(), snap)
	f.watcher.Observe(ctx, playingTurn(), nil)
	require.False(t, f.watcher.Watching())

	// Replication flicker: the same activation comes back before expiring.
	f.watcher.Observe(ctx, playingTurn(), snap)
	assert.True(t, f.watcher.Watching())
}
