package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/perpstack/perpflow/internal/config"
	"github.com/perpstack/perpflow/internal/orchestrator"
)

const (
	appName = "perpflow"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-venue perpetual futures market data pipeline",
		Version: version,
		Long: `perpflow collects 1-minute perpetual futures market data from
Binance, Bybit, and OKX over REST and WebSocket, unifies it into a
single TimescaleDB table, and derives per-minute change metrics.`,
	}

	rootCmd.AddCommand(
		runCmd(),
		backfillCmd(),
		collectCmd(),
		deriveCmd(),
		initdbCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func build() (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg)
}

// runCmd starts the full pipeline: backfill, streams, pollers, and the
// metric cadence, until SIGINT/SIGTERM.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full collection pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := build()
			if err != nil {
				return err
			}
			return o.Run(cmd.Context())
		},
	}
}

// backfillCmd runs the historical backfill once and exits. Feed names
// narrow the run to specific units.
func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill [feed...]",
		Short: "Backfill the retention window and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := build()
			if err != nil {
				return err
			}
			defer o.Store().Close()
			if err := o.Store().Init(cmd.Context()); err != nil {
				return err
			}
			o.Backfill(cmd.Context(), args...)
			return nil
		},
	}
}

// collectCmd runs one REST polling cycle over the trailing window and
// exits.
func collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect [feed...]",
		Short: "Fetch the trailing poll window once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := build()
			if err != nil {
				return err
			}
			defer o.Store().Close()
			o.CollectOnce(cmd.Context(), args...)
			return nil
		},
	}
}

// deriveCmd runs one full metric pass and exits.
func deriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "derive",
		Short: "Recompute derived metrics over the retained window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := build()
			if err != nil {
				return err
			}
			defer o.Store().Close()
			return o.Engine().FullPass(cmd.Context())
		},
	}
}

// initdbCmd creates the schema and exits.
func initdbCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create tables, hypertables, and retention policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := build()
			if err != nil {
				return err
			}
			defer o.Store().Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			return o.Store().Init(ctx)
		},
	}
}
