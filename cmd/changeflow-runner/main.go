// Package main implements changeflow-runner, a runner process that speaks
// the runner protocol over stdin and stdout.
//
// It executes every operation with the simulated runner, so it is useful for
// exercising the process and SSH transports end to end without touching real
// infrastructure. Logs go to stderr; stdout carries only protocol messages.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/runner"
)

// ttl bounds how long an idle or abandoned runner process stays alive.
const ttl = 10 * time.Minute

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := runner.NewServer("changeflow-runner", runner.NewSimulated(), logger)
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("runner stopped")
		os.Exit(1)
	}
}
