package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/autopass"
	"github.com/lebdeal/lebdeal-go/internal/guard"
	"github.com/lebdeal/lebdeal-go/internal/match"
	"github.com/lebdeal/lebdeal-go/internal/memstore"
)

// Races several auto-pass executors against one shared in-memory match and
// checks that every stuck round converges on exactly one clear. Useful for
// eyeballing the redundant-execution behavior without a server.

func main() {
	players := flag.Int("players", 4, "seats at the table")
	executors := flag.Int("executors", 3, "racing compensation executors")
	rounds := flag.Int("rounds", 10, "stuck rounds to simulate")
	verbose := flag.Bool("v", false, "show per-step executor logs")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *players < 2 {
		fmt.Fprintln(os.Stderr, "need at least 2 players")
		os.Exit(1)
	}

	failed := 0
	for round := 1; round <= *rounds; round++ {
		if err := runRound(*players, *executors); err != nil {
			fmt.Fprintf(os.Stderr, "round %d: %v\n", round, err)
			failed++
			continue
		}
		fmt.Printf("round %d: %d executors converged on one clear\n", round, *executors)
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d rounds diverged\n", failed, *rounds)
		os.Exit(1)
	}
	fmt.Printf("all %d rounds converged\n", *rounds)
}

// runRound arms an already-expired pass timer on a fresh match and lets
// every executor compensate at once.
func runRound(players, executors int) error {
	clock := clockwork.NewRealClock()
	store := memstore.New(clock)
	matchID := uuid.New()

	liveOwner := 2 % players
	store.CreateMatch(matchID, players)
	store.SetTurnState(matchID, match.TurnState{
		MatchNumber:      1,
		CurrentTurnIndex: (liveOwner + 1) % players,
		LastPlay:         &match.Play{PlayerIndex: liveOwner, Cards: []match.Card{{Rank: "A", Suit: "♠"}}, Combo: "single"},
		Phase:            match.PhasePlaying,
	})
	snap := store.ArmTimer(matchID, liveOwner, -time.Second)

	var wg sync.WaitGroup
	errs := make([]error, executors)
	for i := 0; i < executors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each racer is an independent client with its own guard.
			ex := autopass.NewExecutor(store, guard.New(clock, 0), clock, players, time.Millisecond)
			errs[i] = ex.Run(context.Background(), matchID, snap)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("executor %d: %w", i, err)
		}
	}

	turn, err := store.ReadTurnState(context.Background(), matchID)
	if err != nil {
		return err
	}
	if !turn.RoundCleared() || turn.CurrentTurnIndex != liveOwner {
		return fmt.Errorf("expected round cleared back to player %d, got turn %d (pass count %d)",
			liveOwner, turn.CurrentTurnIndex, turn.PassCount)
	}

	leftover, err := store.ReadTimerSnapshot(context.Background(), matchID)
	if err != nil {
		return err
	}
	if leftover != nil {
		return fmt.Errorf("timer still armed after convergence")
	}
	return nil
}
