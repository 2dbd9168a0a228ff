package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/clients/matchapi"
	"github.com/lebdeal/lebdeal-go/internal/clients/redismirror"
	"github.com/lebdeal/lebdeal-go/internal/config"
	"github.com/lebdeal/lebdeal-go/internal/feed"
	"github.com/lebdeal/lebdeal-go/internal/feed/natsfeed"
	"github.com/lebdeal/lebdeal-go/internal/feed/wsfeed"
	"github.com/lebdeal/lebdeal-go/internal/retry"
	"github.com/lebdeal/lebdeal-go/internal/session"
)

// Agent supervises one coordination session per configured match. All
// sessions share one API client and, when the mirror transport is selected,
// one Redis connection.
type Agent struct {
	cfg   *config.Config
	api   *matchapi.Client
	clock clockwork.Clock

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionState
	mirror   *redismirror.Mirror
	started  time.Time

	wg sync.WaitGroup
}

type sessionState struct {
	sess *session.Session
	done bool
	err  error
}

// New builds an agent from configuration.
func New(cfg *config.Config) *Agent {
	api := matchapi.NewClient(cfg.API.BaseURL)
	if cfg.API.Token != "" {
		api.SetToken(cfg.API.Token)
	}
	if d := cfg.API.Timeout.Std(); d > 0 {
		api.SetTimeout(d)
	}
	return &Agent{
		cfg:      cfg,
		api:      api,
		clock:    clockwork.NewRealClock(),
		sessions: make(map[uuid.UUID]*sessionState),
	}
}

// Run starts a session for every configured match plus the status server,
// then blocks until ctx is cancelled or every session has finished.
func (a *Agent) Run(ctx context.Context) error {
	if len(a.cfg.Matches) == 0 {
		return fmt.Errorf("no matches configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.started = a.clock.Now()
	a.mu.Unlock()

	for _, m := range a.cfg.Matches {
		if err := a.startSession(ctx, m); err != nil {
			cancel()
			a.wg.Wait()
			a.closeMirror()
			return fmt.Errorf("start session for match %s: %w", m.ID, err)
		}
	}

	srv := a.statusServer()
	if srv != nil {
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("status server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("agent shutting down")
	case <-done:
		log.Info().Msg("all match sessions finished")
	}

	cancel()
	a.wg.Wait()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("status server shutdown failed")
		}
	}
	a.closeMirror()
	return nil
}

func (a *Agent) startSession(ctx context.Context, m config.MatchConfig) error {
	matchID, err := uuid.Parse(m.ID)
	if err != nil {
		return fmt.Errorf("parse match id: %w", err)
	}

	f, err := a.buildFeed(matchID)
	if err != nil {
		return err
	}

	co := a.cfg.Coordination
	opts := session.Options{
		Store:        a.api,
		Views:        a.api,
		Feed:         f,
		Clock:        a.clock,
		TotalPlayers: m.Players,
		BotSeats:     m.BotSeats,

		PollInterval:    co.WatchInterval.Std(),
		SettleDelay:     co.SettleDelay.Std(),
		SettlePause:     co.SettlePause.Std(),
		Grace:           co.FallbackGrace.Std(),
		Cooldown:        co.FallbackCooldown.Std(),
		GuardStaleAfter: co.GuardStaleAfter.Std(),
	}
	if co.ServerFallback {
		opts.Invoker = a.api
	}
	if co.MaxAttempts > 0 || co.RetryBaseDelay > 0 {
		policy := retry.DefaultPolicy()
		if co.MaxAttempts > 0 {
			policy.MaxAttempts = co.MaxAttempts
		}
		if d := co.RetryBaseDelay.Std(); d > 0 {
			policy.BaseDelay = d
		}
		opts.RetryPolicy = policy
	}

	sess := session.Build(matchID, opts)
	st := &sessionState{sess: sess}

	a.mu.Lock()
	a.sessions[matchID] = st
	a.mu.Unlock()

	log.Info().
		Str("match_id", matchID.String()).
		Str("transport", a.cfg.Feed.Transport).
		Ints("bot_seats", m.BotSeats).
		Msg("starting match session")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := sess.Run(ctx)
		a.mu.Lock()
		st.done = true
		st.err = err
		a.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("match_id", matchID.String()).Msg("match session failed")
		}
	}()
	return nil
}

func (a *Agent) buildFeed(matchID uuid.UUID) (feed.Feed, error) {
	switch a.cfg.Feed.Transport {
	case "nats":
		fc := natsfeed.DefaultConfig()
		if a.cfg.NATS.URL != "" {
			fc.URL = a.cfg.NATS.URL
		}
		if a.cfg.NATS.Stream != "" {
			fc.StreamName = a.cfg.NATS.Stream
		}
		if a.cfg.NATS.Consumer != "" {
			fc.ConsumerName = a.cfg.NATS.Consumer
		}
		return natsfeed.New(matchID, fc)
	case "websocket":
		wc := wsfeed.DefaultConfig()
		wc.URL = feedURL(a.cfg.WebSocket.BaseURL, matchID)
		wc.Token = a.cfg.API.Token
		return wsfeed.New(matchID, wc), nil
	case "poll":
		source, err := a.pollSource()
		if err != nil {
			return nil, err
		}
		return feed.NewPoller(matchID, source, a.clock, a.cfg.Feed.PollInterval.Std()), nil
	default:
		return nil, fmt.Errorf("unknown feed transport %q", a.cfg.Feed.Transport)
	}
}

// pollSource picks where the poller reads from. The Redis mirror connection
// is shared across sessions and opened on first use.
func (a *Agent) pollSource() (feed.PollSource, error) {
	if !a.cfg.Feed.UseMirror {
		return a.api, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mirror == nil {
		mirror, err := redismirror.Connect(a.cfg.Redis.Addr, a.cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect to redis mirror: %w", err)
		}
		a.mirror = mirror
	}
	return a.mirror, nil
}

func (a *Agent) closeMirror() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis mirror")
		}
		a.mirror = nil
	}
}

func feedURL(base string, matchID uuid.UUID) string {
	return fmt.Sprintf("%s/api/matches/%s/feed", strings.TrimRight(base, "/"), matchID)
}
