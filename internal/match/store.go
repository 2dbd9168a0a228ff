package match

import (
	"context"

	"github.com/google/uuid"
)

// StateReader reads the authoritative turn record. Coordinators call this at
// the point of use and never cache the result across decisions.
type StateReader interface {
	ReadTurnState(ctx context.Context, matchID uuid.UUID) (*TurnState, error)
}

// MoveSubmitter submits a move for a player. The server validates and applies
// atomically: of N concurrent submissions for the same turn exactly one
// succeeds and the rest fail with ErrStaleTurn. This is the only real
// synchronization primitive between clients.
type MoveSubmitter interface {
	SubmitMove(ctx context.Context, matchID uuid.UUID, playerIndex int, move Move) (*MoveResult, error)
}

// TimerStore reads and clears the turn timer snapshot.
// ReadTimerSnapshot returns (nil, nil) when no snapshot exists.
// ClearTimerSnapshot is idempotent: clearing an already-cleared timer is a
// no-op, not an error.
type TimerStore interface {
	ReadTimerSnapshot(ctx context.Context, matchID uuid.UUID) (*TimerSnapshot, error)
	ClearTimerSnapshot(ctx context.Context, matchID uuid.UUID) error
}

// Store is the full authoritative-store surface a coordination session needs.
type Store interface {
	StateReader
	MoveSubmitter
	TimerStore
}

// SeatViewReader reads the private projection for one seat.
type SeatViewReader interface {
	ReadSeatView(ctx context.Context, matchID uuid.UUID, playerIndex int) (*SeatView, error)
}

// CoordinatorInvoker kicks the server-side bot coordinator for a match. The
// fallback layer uses this when client-side recovery paths have stalled.
type CoordinatorInvoker interface {
	InvokeCoordinator(ctx context.Context, matchID uuid.UUID) error
}
