package redismirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lebdeal/lebdeal-go/internal/match"
)

// Mirror reads the server-maintained Redis replica of match state. The game
// server writes every turn and timer change as JSON under well-known keys,
// so polling clients can read the mirror instead of hammering the HTTP API.
// The mirror is strictly read-only; moves always go through the API where
// the server validates them.
type Mirror struct {
	rdb *redis.Client
}

// Connect creates a mirror client and verifies the connection.
func Connect(addr string, db int) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Mirror{rdb: rdb}, nil
}

// New wraps an existing client.
func New(rdb *redis.Client) *Mirror {
	return &Mirror{rdb: rdb}
}

func turnKey(matchID uuid.UUID) string {
	return fmt.Sprintf("lebdeal:match:%s:turn", matchID)
}

func timerKey(matchID uuid.UUID) string {
	return fmt.Sprintf("lebdeal:match:%s:timer", matchID)
}

// ReadTurnState reads the mirrored turn state.
func (m *Mirror) ReadTurnState(ctx context.Context, matchID uuid.UUID) (*match.TurnState, error) {
	data, err := m.rdb.Get(ctx, turnKey(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no mirror entry for %s", match.ErrMatchNotFound, matchID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read turn mirror: %w", match.ErrUnavailable, err)
	}

	var turn match.TurnState
	if err := json.Unmarshal(data, &turn); err != nil {
		return nil, fmt.Errorf("decode turn mirror: %w", err)
	}
	return &turn, nil
}

// ReadTimerSnapshot reads the mirrored timer activation. A missing key means
// no timer exists, which is a normal state, not an error.
func (m *Mirror) ReadTimerSnapshot(ctx context.Context, matchID uuid.UUID) (*match.TimerSnapshot, error) {
	data, err := m.rdb.Get(ctx, timerKey(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read timer mirror: %w", match.ErrUnavailable, err)
	}

	var snap match.TimerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode timer mirror: %w", err)
	}
	return &snap, nil
}

// Close releases the client.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}
