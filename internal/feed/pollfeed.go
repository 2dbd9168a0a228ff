package feed

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/match"
)

// DefaultPollInterval is the state refresh cadence when polling is the only
// transport available.
const DefaultPollInterval = 2 * time.Second

const updateBuffer = 16

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// PollSource is the read surface the poller needs.
type PollSource interface {
	ReadTurnState(ctx context.Context, matchID uuid.UUID) (*match.TurnState, error)
	ReadTimerSnapshot(ctx context.Context, matchID uuid.UUID) (*match.TimerSnapshot, error)
}

// Poller is the fallback Feed: it re-reads match state on a fixed interval.
// Push transports are preferred, but polling stays wired in so coordination
// keeps working when the event stream is down.
type Poller struct {
	matchID  uuid.UUID
	source   PollSource
	clock    Clock
	interval time.Duration
	out      chan Update
}

// NewPoller creates a poller for one match. interval <= 0 selects
// DefaultPollInterval.
func NewPoller(matchID uuid.UUID, source PollSource, clock Clock, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		matchID:  matchID,
		source:   source,
		clock:    clock,
		interval: interval,
		out:      make(chan Update, updateBuffer),
	}
}

// Start polls until ctx is cancelled. The first poll happens immediately so
// consumers see state without waiting a full interval.
func (p *Poller) Start(ctx context.Context) error {
	log.Info().
		Str("match_id", p.matchID.String()).
		Dur("interval", p.interval).
		Msg("state polling started")
	defer close(p.out)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("match_id", p.matchID.String()).Msg("state polling stopped")
			return nil
		case <-ticker.Chan():
			p.pollOnce(ctx)
		}
	}
}

// Updates returns the delivery channel. Closed when Start returns.
func (p *Poller) Updates() <-chan Update {
	return p.out
}

// Close is part of the Feed interface; the poller holds no connection.
func (p *Poller) Close() error {
	return nil
}

func (p *Poller) pollOnce(ctx context.Context) {
	turn, err := p.source.ReadTurnState(ctx, p.matchID)
	if err != nil {
		log.Debug().Err(err).Str("match_id", p.matchID.String()).Msg("turn state poll failed")
		return
	}
	// A failed timer read skips the whole tick rather than delivering a
	// turn with no timer, which consumers would read as "timer cleared".
	snap, err := p.source.ReadTimerSnapshot(ctx, p.matchID)
	if err != nil {
		log.Debug().Err(err).Str("match_id", p.matchID.String()).Msg("timer snapshot poll failed")
		return
	}

	select {
	case p.out <- Update{MatchID: p.matchID, Turn: turn, Timer: snap}:
	default:
		log.Debug().Str("match_id", p.matchID.String()).Msg("update channel full; dropping poll result")
	}
}
