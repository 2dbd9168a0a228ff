package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/autopass"
	"github.com/lebdeal/lebdeal-go/internal/botrunner"
	"github.com/lebdeal/lebdeal-go/internal/clocksync"
	"github.com/lebdeal/lebdeal-go/internal/fallback"
	"github.com/lebdeal/lebdeal-go/internal/feed"
	"github.com/lebdeal/lebdeal-go/internal/guard"
	"github.com/lebdeal/lebdeal-go/internal/match"
	"github.com/lebdeal/lebdeal-go/internal/retry"
	"github.com/lebdeal/lebdeal-go/internal/turnwatch"
)

// defaultPlayers is the standard Leb Deal table size.
const defaultPlayers = 4

// Options configures a session build.
type Options struct {
	Store        match.Store
	Views        match.SeatViewReader     // required when BotSeats is set
	Invoker      match.CoordinatorInvoker // nil disables the server fallback
	Feed         feed.Feed
	Clock        clockwork.Clock
	TotalPlayers int
	BotSeats     []int
	Brain        botrunner.Brain // nil selects botrunner.BasicBrain

	PollInterval    time.Duration // watcher expiry check cadence
	SettleDelay     time.Duration // pause before clearing a consumed timer
	SettlePause     time.Duration // bot pause after a successful move
	Grace           time.Duration // how long a bot turn may stall before the fallback fires
	Cooldown        time.Duration // fallback re-invocation spacing
	GuardStaleAfter time.Duration
	RetryPolicy     retry.Policy
}

// Session drives the coordination layers of one match from its state feed.
// Every update fans out in a fixed order: clock sync first so deadlines are
// computed against server time, then the watcher, the fallback, and the bot
// runner. The session ends itself when the match reaches a terminal phase.
type Session struct {
	matchID  uuid.UUID
	feed     feed.Feed
	sync     *clocksync.Engine
	watcher  *turnwatch.Watcher
	executor *autopass.Executor
	runner   *botrunner.Runner
	fb       *fallback.Coordinator

	mu           sync.Mutex
	lastIdentity string
	finished     bool
}

// Build wires a full session from its building blocks. Zero durations select
// each layer's default.
func Build(matchID uuid.UUID, opts Options) *Session {
	players := opts.TotalPlayers
	if players <= 0 {
		players = defaultPlayers
	}

	eng := clocksync.NewEngine(opts.Clock)
	g := guard.New(opts.Clock, opts.GuardStaleAfter)
	executor := autopass.NewExecutor(opts.Store, g, opts.Clock, players, opts.SettleDelay)

	expire := func(ctx context.Context, snap *match.TimerSnapshot) {
		if err := executor.Run(ctx, matchID, snap); err != nil {
			log.Error().
				Err(err).
				Str("match_id", matchID.String()).
				Str("timer_identity", snap.Identity()).
				Msg("auto-pass compensation failed")
		}
	}
	watcher := turnwatch.NewWatcher(matchID, opts.Clock, eng, expire, opts.PollInterval)

	var runner *botrunner.Runner
	if len(opts.BotSeats) > 0 {
		brain := opts.Brain
		if brain == nil {
			brain = botrunner.BasicBrain{}
		}
		runner = botrunner.NewRunner(matchID, opts.Store, opts.Views, brain, opts.Clock, opts.BotSeats, opts.RetryPolicy, opts.SettlePause)
	}

	var fb *fallback.Coordinator
	if opts.Invoker != nil {
		fb = fallback.NewCoordinator(matchID, opts.Clock, opts.BotSeats, opts.Invoker, opts.Grace, opts.Cooldown)
	}

	return &Session{
		matchID:  matchID,
		feed:     opts.Feed,
		sync:     eng,
		watcher:  watcher,
		executor: executor,
		runner:   runner,
		fb:       fb,
	}
}

// Run consumes the feed until ctx is cancelled or the match finishes.
func (s *Session) Run(ctx context.Context) error {
	log.Info().Str("match_id", s.matchID.String()).Msg("coordination session started")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	feedErr := make(chan error, 1)
	go func() {
		feedErr <- s.feed.Start(ctx)
	}()

	updates := s.feed.Updates()
	for {
		select {
		case <-ctx.Done():
			<-feedErr
			return nil
		case err := <-feedErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("state feed failed: %w", err)
			}
			return nil
		case u, ok := <-updates:
			if !ok {
				// Feed closed its channel; wait for its Start to report.
				updates = nil
				continue
			}
			if s.handle(ctx, u) {
				cancel()
			}
		}
	}
}

// handle fans one update out to the layers. Returns true when the match is
// over and the session should wind down.
func (s *Session) handle(ctx context.Context, u feed.Update) bool {
	if u.Turn == nil {
		return false
	}

	identity := u.Identity()
	s.mu.Lock()
	if identity == s.lastIdentity {
		s.mu.Unlock()
		return false
	}
	s.lastIdentity = identity
	s.mu.Unlock()

	log.Debug().
		Str("match_id", s.matchID.String()).
		Str("identity", identity).
		Msg("state update")

	s.sync.Observe(u.Timer)
	s.watcher.Observe(ctx, u.Turn, u.Timer)
	if s.fb != nil {
		s.fb.Observe(ctx, u.Turn)
	}
	if s.runner != nil {
		s.runner.Observe(ctx, u.Turn)
	}

	if u.Turn.Phase.Terminal() {
		log.Info().Str("match_id", s.matchID.String()).Msg("match finished; session winding down")
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		return true
	}
	return false
}

func (s *Session) teardown() {
	s.watcher.Stop()
	if s.fb != nil {
		s.fb.Stop()
	}
	if s.runner != nil {
		s.runner.Close()
	}
	if err := s.feed.Close(); err != nil {
		log.Error().Err(err).Str("match_id", s.matchID.String()).Msg("feed close failed")
	}
	log.Info().Str("match_id", s.matchID.String()).Msg("coordination session stopped")
}

// MatchID returns the match this session drives.
func (s *Session) MatchID() uuid.UUID {
	return s.matchID
}

// Identity returns the identity of the last state observed. Status use.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIdentity
}

// Finished reports whether the session observed a terminal phase.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
