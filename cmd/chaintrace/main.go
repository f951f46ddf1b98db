package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	appName = "chaintrace"
	version = "v1.4.0"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Evidence graph and cluster scoring engine for token-launch forensics",
		Version: version,
		Long: `chaintrace ingests on-chain and off-chain observations into an
append-only evidence ledger, builds an entity graph, scores wallet
clusters for insider coordination, and resolves published claims
against their citations. Every conclusion traces back to evidence IDs.`,
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path (default: ./config.yaml or ~/.chaintrace/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newCalibrateCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}
