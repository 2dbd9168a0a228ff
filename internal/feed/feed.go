package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lebdeal/lebdeal-go/internal/match"
)

// StateEventType labels full-state events on the match event stream.
const StateEventType = "match.state_changed"

// Update is one observation of a match delivered by a feed: the full turn
// state plus the timer snapshot, always together so consumers never mix
// fields from different moments. Turn is never nil; Timer is nil when no
// timer exists server-side.
type Update struct {
	MatchID uuid.UUID
	Turn    *match.TurnState
	Timer   *match.TimerSnapshot
}

// Identity collapses an update to a comparable key. Two updates with equal
// identities describe the same world, so redeliveries and poll repeats can
// be dropped before they reach the coordination layers.
func (u Update) Identity() string {
	timer := "-"
	if u.Timer != nil && u.Timer.Active {
		timer = u.Timer.Identity()
	}
	if u.Turn == nil {
		return timer
	}
	return fmt.Sprintf("%d:%d:%d:%s:%s",
		u.Turn.MatchNumber, u.Turn.CurrentTurnIndex, u.Turn.PassCount, u.Turn.Phase, timer)
}

// Feed delivers match state updates from some transport. Start blocks until
// ctx is cancelled or the transport fails fatally, and closes Updates on the
// way out; Close releases the underlying connection.
type Feed interface {
	Start(ctx context.Context) error
	Updates() <-chan Update
	Close() error
}

// EventPayload is the wire envelope every push transport carries: the full
// turn and timer state of one match as of EmittedAt on the server clock.
type EventPayload struct {
	EventID   string               `json:"event_id"`
	EventType string               `json:"event_type"`
	MatchID   uuid.UUID            `json:"match_id"`
	EmittedAt time.Time            `json:"emitted_at"`
	Turn      *match.TurnState     `json:"turn"`
	Timer     *match.TimerSnapshot `json:"timer,omitempty"`
}

// Update converts the payload, validating it carries turn state. Timer
// snapshots from servers that omit their own clock reading inherit the
// envelope timestamp, so clock sync still has something to work with.
func (p *EventPayload) Update() (Update, error) {
	if p.Turn == nil {
		return Update{}, fmt.Errorf("state event %s carries no turn state", p.EventID)
	}
	if p.Timer != nil && p.Timer.ServerNow.IsZero() {
		p.Timer.ServerNow = p.EmittedAt
	}
	return Update{MatchID: p.MatchID, Turn: p.Turn, Timer: p.Timer}, nil
}

// DecodeUpdate parses a state event into an Update.
func DecodeUpdate(data []byte) (Update, error) {
	var p EventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Update{}, fmt.Errorf("unmarshal state event: %w", err)
	}
	return p.Update()
}
