package guard

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestGuardBlocksSecondAcquire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(clock, 30*time.Second)

	assert.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
	assert.True(t, g.Held())

	g.Release()
	assert.False(t, g.Held())
	assert.True(t, g.TryAcquire())
}

func TestGuardStaleOverride(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(clock, 30*time.Second)

	assert.True(t, g.TryAcquire())

	clock.Advance(29 * time.Second)
	assert.False(t, g.TryAcquire())

	// A holder this old is presumed crashed.
	clock.Advance(2 * time.Second)
	assert.True(t, g.TryAcquire())

	// The override re-stamps the hold, so it is fresh again.
	assert.False(t, g.TryAcquire())
}

func TestGuardDefaultStaleThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(clock, 0)

	assert.True(t, g.TryAcquire())
	clock.Advance(DefaultStaleAfter - time.Second)
	assert.False(t, g.TryAcquire())
	clock.Advance(2 * time.Second)
	assert.True(t, g.TryAcquire())
}

func TestGuardReleaseWhenFreeIsHarmless(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(clock, time.Minute)

	g.Release()
	assert.True(t, g.TryAcquire())
}
