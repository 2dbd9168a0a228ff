package botrunner

import (
	"context"
	"errors"
	"fmt"

	"github.com/lebdeal/lebdeal-go/internal/match"
)

// BasicBrain is the default decision function: open a trick with the lowest
// single card, pass on any live play. It loses gracefully and never stalls a
// match, which is all the coordination layer needs from it.
type BasicBrain struct{}

func (BasicBrain) Decide(_ context.Context, in Input) (Decision, error) {
	if in.LastPlay == nil {
		card, ok := lowestCard(in.Hand)
		if !ok {
			return Decision{}, errors.New("no cards to open with")
		}
		return Decision{
			Move:      match.PlayCards(card),
			Reasoning: fmt.Sprintf("open trick with lowest single %s", card),
		}, nil
	}
	combo := in.LastPlay.Combo
	if combo == "" {
		combo = "play"
	}
	return Decision{
		Move:      match.Pass(),
		Reasoning: fmt.Sprintf("pass on live %s by player %d", combo, in.LastPlay.PlayerIndex),
	}, nil
}

func lowestCard(hand []match.Card) (match.Card, bool) {
	if len(hand) == 0 {
		return match.Card{}, false
	}
	low := hand[0]
	for _, c := range hand[1:] {
		if c.Value() < low.Value() {
			low = c
		}
	}
	return low, true
}
