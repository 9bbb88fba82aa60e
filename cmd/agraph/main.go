package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/actiongraph/actiongraph/cmd/agraph/commands"
	"github.com/actiongraph/actiongraph/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Set with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Until agraph.yaml is read, AGRAPH_LOG_LEVEL decides verbosity.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("AGRAPH_LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		stop()
		log.Info().Msg("Interrupted, waiting for running tasks (interrupt again to exit)")

		again := make(chan os.Signal, 1)
		signal.Notify(again, os.Interrupt, syscall.SIGTERM)
		<-again
		os.Exit(130)
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	close(finished)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(commands.ExitCode(err))
	}
}
