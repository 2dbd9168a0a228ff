package match

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for move submission and store access. Adapters map their
// transport-level failures onto these so coordinators can branch with
// errors.Is instead of string matching.
var (
	// ErrStaleTurn means the submitted player index no longer matches the
	// current turn. Under concurrent compensation this is an expected,
	// recoverable outcome: someone else advanced the turn first.
	ErrStaleTurn = errors.New("stale turn")

	// ErrInvalidMove means the move itself was rejected (wrong phase, illegal
	// action). Retrying the identical move cannot succeed.
	ErrInvalidMove = errors.New("invalid move")

	// ErrMatchNotFound means the store has no record of the match.
	ErrMatchNotFound = errors.New("match not found")

	// ErrUnavailable marks transient transport or infrastructure failures
	// where a retry may succeed.
	ErrUnavailable = errors.New("service unavailable")
)

// IsStaleTurn reports whether err is a stale-turn rejection.
func IsStaleTurn(err error) bool {
	return errors.Is(err, ErrStaleTurn)
}

// IsInvalidMove reports whether err is a move validation rejection.
func IsInvalidMove(err error) bool {
	return errors.Is(err, ErrInvalidMove)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMatchNotFound)
}

// IsTransient reports whether err looks like a temporary failure worth
// retrying: an explicit ErrUnavailable, a network timeout, or a deadline
// expiry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
