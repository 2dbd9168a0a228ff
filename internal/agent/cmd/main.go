package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/agent"
	"github.com/lebdeal/lebdeal-go/internal/config"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("LEBDEAL_LOG_LEVEL")))

	configPath := flag.String("config", "", "path to the agent config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("api_url", cfg.API.BaseURL).
		Str("transport", cfg.Feed.Transport).
		Int("matches", len(cfg.Matches)).
		Msg("starting coordination agent")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for interrupt signal in the background
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := agent.New(cfg).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}

	log.Info().Msg("coordination agent shutdown complete")
}

func parseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		log.Warn().Str("level", s).Msg("unknown log level; defaulting to info")
		return zerolog.InfoLevel
	}
	return level
}
