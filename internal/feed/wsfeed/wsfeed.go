package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/feed"
)

// Config holds configuration for the WebSocket state feed.
type Config struct {
	URL            string // full ws:// or wss:// endpoint for one match
	Token          string // optional bearer token
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	RedialMin      time.Duration
	RedialMax      time.Duration
}

// DefaultConfig returns default WebSocket feed configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		RedialMin:      time.Second,
		RedialMax:      30 * time.Second,
	}
}

// Feed consumes match state events over a WebSocket connection, redialing
// with capped backoff whenever the connection drops. The server pushes the
// same EventPayload envelope the NATS transport carries.
type Feed struct {
	matchID uuid.UUID
	config  Config
	out     chan feed.Update
}

// New creates a WebSocket feed for one match.
func New(matchID uuid.UUID, config Config) *Feed {
	return &Feed{
		matchID: matchID,
		config:  config,
		out:     make(chan feed.Update, 16),
	}
}

// Start dials and reads until ctx is cancelled, redialing on failure. It
// closes Updates on the way out.
func (f *Feed) Start(ctx context.Context) error {
	defer close(f.out)

	delay := f.config.RedialMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		delivered, err := f.runConn(ctx)
		if ctx.Err() != nil {
			log.Info().Str("match_id", f.matchID.String()).Msg("websocket feed shutting down")
			return nil
		}
		if delivered > 0 {
			// A session that carried updates was healthy; start the
			// backoff over.
			delay = f.config.RedialMin
		}
		log.Warn().
			Err(err).
			Str("match_id", f.matchID.String()).
			Dur("redial_in", delay).
			Msg("websocket feed disconnected")
		if !sleepCtx(ctx, delay) {
			return nil
		}
		delay *= 2
		if delay > f.config.RedialMax {
			delay = f.config.RedialMax
		}
	}
}

// Updates returns the delivery channel. Closed when Start returns.
func (f *Feed) Updates() <-chan feed.Update {
	return f.out
}

// Close is part of the Feed interface; connections are owned by Start.
func (f *Feed) Close() error {
	return nil
}

// runConn runs one dial-read session and reports how many updates it
// delivered before failing.
func (f *Feed) runConn(ctx context.Context) (int, error) {
	header := http.Header{}
	if f.config.Token != "" {
		header.Set("Authorization", "Bearer "+f.config.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.config.URL, header)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	log.Info().Str("match_id", f.matchID.String()).Str("url", f.config.URL).Msg("websocket feed connected")

	conn.SetReadLimit(f.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		return nil
	})

	// Pings keep the read deadline honest; the connection is read-only
	// otherwise, so WriteControl is the only writer.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(f.config.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					log.Error().Err(err).Str("match_id", f.matchID.String()).Msg("failed to send ping")
					conn.Close()
					return
				}
			}
		}
	}()

	delivered := 0
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("match_id", f.matchID.String()).Msg("unexpected WebSocket close")
			}
			return delivered, err
		}
		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))

		if f.deliver(ctx, message) {
			delivered++
		}
	}
}

// deliver decodes one frame and hands it to the consumer side. Frames that
// are not state events for this match are dropped.
func (f *Feed) deliver(ctx context.Context, message []byte) bool {
	var payload feed.EventPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		log.Error().Err(err).Str("match_id", f.matchID.String()).Msg("failed to decode state event frame")
		return false
	}
	if payload.EventType != "" && payload.EventType != feed.StateEventType {
		log.Debug().Str("event_type", payload.EventType).Msg("skipping non-state event")
		return false
	}
	if payload.MatchID != f.matchID {
		log.Warn().
			Str("event_match_id", payload.MatchID.String()).
			Str("match_id", f.matchID.String()).
			Msg("dropping state event for foreign match")
		return false
	}

	update, err := payload.Update()
	if err != nil {
		log.Error().Err(err).Str("match_id", f.matchID.String()).Msg("invalid state event frame")
		return false
	}

	select {
	case f.out <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
