package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/eigerco/aggregator/internal/executor"
	"github.com/eigerco/aggregator/internal/scenario"
	"github.com/eigerco/aggregator/internal/store"
	"github.com/eigerco/aggregator/pkg/db"
	"github.com/eigerco/aggregator/pkg/db/badger"
	"github.com/eigerco/aggregator/pkg/db/pebble"
	"github.com/eigerco/aggregator/pkg/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var errExpectations = errors.New("scenario expectations not met")

type runOptions struct {
	scenario    string
	backend     string
	dbPath      string
	logLevel    string
	logFormat   string
	workers     int
	maxAttempts int
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aggsim",
		Short:         "Execute aggregator scenarios against a local store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aggsim %s\n", version)
		},
	}
}

func newRunCmd() *cobra.Command {
	defaults := executor.DefaultConfig()
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a scenario as one block and print the report",
		Long: `Run seeds the store with the genesis values of a scenario, executes its
transactions as one block and prints the committed values, the outcome of
every transaction and the executor counters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.scenario, "scenario", "", "path to the scenario YAML file")
	flags.StringVar(&opts.backend, "backend", "memory", "store backend: pebble, badger or memory")
	flags.StringVar(&opts.dbPath, "db-path", "", "database directory for the pebble and badger backends")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format: console or json")
	flags.IntVar(&opts.workers, "workers", defaults.Workers, "transactions executed in parallel")
	flags.IntVar(&opts.maxAttempts, "max-attempts", defaults.MaxAttempts, "executions of a transaction before it fails")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func openStore(backend, path string) (db.KVStore, error) {
	switch backend {
	case "memory":
		return pebble.NewKVStore()
	case "pebble":
		if path == "" {
			return nil, errors.New("--db-path is required for the pebble backend")
		}
		return pebble.Open(path)
	case "badger":
		cfg := badger.InMemoryConfig()
		if path != "" {
			cfg = badger.DefaultConfig(path)
		}
		cfg.Logger = &log.Store
		return badger.Open(cfg)
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

func runScenario(cmd *cobra.Command, opts runOptions) error {
	level, err := log.ParseLogLevel(opts.logLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	format, err := log.ParseLoggerType(opts.logFormat)
	if err != nil {
		return err
	}
	log.Init(log.Options{LogLevel: level, Type: format, Output: cmd.ErrOrStderr()})

	f, err := os.Open(opts.scenario)
	if err != nil {
		return fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	s, err := scenario.Load(f)
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.scenario, err)
	}

	kv, err := openStore(opts.backend, opts.dbPath)
	if err != nil {
		return fmt.Errorf("open %s store: %w", opts.backend, err)
	}
	st := store.NewAggregators(kv)
	defer func() {
		if err := st.Close(); err != nil {
			log.Root.Error().Err(err).Msg("close store")
		}
	}()

	if err := s.Seed(st); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	e := executor.New(st, executor.Config{Workers: opts.workers, MaxAttempts: opts.maxAttempts}, reg)

	log.Root.Info().Str("scenario", opts.scenario).Str("backend", opts.backend).
		Int("transactions", len(s.Block)).Msg("executing block")
	results, err := e.ExecuteBlock(cmd.Context(), s.Transactions())
	if err != nil {
		return fmt.Errorf("execute block: %w", err)
	}

	report, err := scenario.NewReport(s, results, st, reg)
	if err != nil {
		return err
	}
	if _, err := report.WriteTo(cmd.OutOrStdout()); err != nil {
		return err
	}
	if !report.OK() {
		return errExpectations
	}
	return nil
}
