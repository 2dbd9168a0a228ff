package match

import (
	"fmt"
	"time"
)

// Phase represents the lifecycle phase of a match.
type Phase string

const (
	PhaseDealing   Phase = "dealing"
	PhaseFirstPlay Phase = "first_play"
	PhasePlaying   Phase = "playing"
	PhaseFinished  Phase = "finished"
)

// Terminal reports whether no further turns can occur in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseFinished
}

// Card is a single playing card. Rank uses "3".."10", "J", "Q", "K", "A", "2".
type Card struct {
	Rank string `json:"rank"`
	Suit string `json:"suit"`
}

func (c Card) String() string {
	return fmt.Sprintf("%s%s", c.Rank, c.Suit)
}

// rankValues orders ranks for climbing play: 3 is lowest, 2 is highest.
var rankValues = map[string]int{
	"3": 0, "4": 1, "5": 2, "6": 3, "7": 4, "8": 5, "9": 6, "10": 7,
	"J": 8, "Q": 9, "K": 10, "A": 11, "2": 12,
}

// Value returns the climbing-order rank value of the card. Unknown ranks
// sort below everything.
func (c Card) Value() int {
	v, ok := rankValues[c.Rank]
	if !ok {
		return -1
	}
	return v
}

// Play records the most recent live play on the table.
type Play struct {
	PlayerIndex int    `json:"player_index"`
	Cards       []Card `json:"cards"`
	Combo       string `json:"combo,omitempty"`
}

// TurnState is the authoritative per-match turn record. It only ever advances
// through validated move submission; this package treats it as read-only.
type TurnState struct {
	MatchNumber      int   `json:"match_number"`
	CurrentTurnIndex int   `json:"current_turn_index"`
	PassCount        int   `json:"pass_count"`
	LastPlay         *Play `json:"last_play,omitempty"`
	Phase            Phase `json:"phase"`
}

// RoundCleared reports whether the table is between rounds: no live play and
// no accumulated passes.
func (s *TurnState) RoundCleared() bool {
	return s.LastPlay == nil && s.PassCount == 0
}

// TimerSnapshot describes one activation of the turn timer. At most one
// activation exists per round; a new activation carries a new SequenceID.
type TimerSnapshot struct {
	Active            bool       `json:"active"`
	StartedAt         time.Time  `json:"started_at"`
	DurationMs        int64      `json:"duration_ms"`
	EndTimestamp      *time.Time `json:"end_timestamp,omitempty"`
	ExemptPlayerIndex int        `json:"exempt_player_index"`
	SequenceID        string     `json:"sequence_id,omitempty"`
	ServerNow         time.Time  `json:"server_now"`
}

// Identity returns the activation identity: the sequence ID when present,
// otherwise the start timestamp. Older servers omit sequence IDs.
func (t *TimerSnapshot) Identity() string {
	if t.SequenceID != "" {
		return t.SequenceID
	}
	return t.StartedAt.UTC().Format(time.RFC3339Nano)
}

// Duration returns the configured countdown length.
func (t *TimerSnapshot) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

// RemainingAt computes time left on the timer as of now. The server-computed
// EndTimestamp wins when present; the StartedAt+Duration fallback is only for
// snapshots from servers that never filled it in. Callers pass server-corrected
// time, never raw local time.
func (t *TimerSnapshot) RemainingAt(now time.Time) time.Duration {
	var deadline time.Time
	if t.EndTimestamp != nil && !t.EndTimestamp.IsZero() {
		deadline = *t.EndTimestamp
	} else {
		deadline = t.StartedAt.Add(t.Duration())
	}
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExpiredAt reports whether the activation has run out as of now.
func (t *TimerSnapshot) ExpiredAt(now time.Time) bool {
	return t.RemainingAt(now) <= 0
}

// MoveKind distinguishes passing from playing cards.
type MoveKind string

const (
	MoveKindPass MoveKind = "pass"
	MoveKindPlay MoveKind = "play"
)

// Move is a single action submitted for a player.
type Move struct {
	Kind  MoveKind `json:"kind"`
	Cards []Card   `json:"cards,omitempty"`
}

// Pass builds a passing move.
func Pass() Move {
	return Move{Kind: MoveKindPass}
}

// PlayCards builds a playing move.
func PlayCards(cards ...Card) Move {
	return Move{Kind: MoveKindPlay, Cards: cards}
}

// MoveResult is the server's acknowledgement of an applied move.
type MoveResult struct {
	NextTurnIndex int  `json:"next_turn_index"`
	PassCount     int  `json:"pass_count"`
	RoundCleared  bool `json:"round_cleared"`
}

// SeatView is the private projection one seat is allowed to see: its own hand
// plus public card counts for every seat.
type SeatView struct {
	Hand       []Card `json:"hand"`
	CardCounts []int  `json:"card_counts"`
}
