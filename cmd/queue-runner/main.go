// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Command queue-runner runs the queue-monitoring and step-graph
// construction core of a distributed build coordinator: it watches a
// SQLite-backed Builds table for newly enqueued work, expands each
// build into a DAG of derivation steps shared across overlapping
// builds, classifies steps that cannot or should not run, and hands
// the runnable leaves off to an external worker pool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"

	"forgequeue.dev/queuerunner/internal/drv"
	"forgequeue.dev/queuerunner/internal/queue"
	"forgequeue.dev/queuerunner/internal/system"
)

const defaultPollInterval = 2 * time.Second

func main() {
	rootCommand := &cobra.Command{
		Use:           "queue-runner",
		Short:         "watch the build queue and construct runnable step graphs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	var configPaths []string
	rootCommand.PersistentFlags().StringArrayVar(&configPaths, "config", []string{defaultConfigPath()}, "`path` to a configuration file (can be passed multiple times; later files override earlier ones)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	cfg := defaultConfig()
	var cfgErr error
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg.mergeEnvironment()
		if err := cfg.mergeFiles(slices.Values(configPaths)); err != nil {
			cfgErr = err
		}
		if *showDebug {
			cfg.Debug = true
		}
		initLogging(cfg.Debug)
		if cfgErr != nil {
			return cfgErr
		}
		return cfg.validate()
	}

	rootCommand.AddCommand(newRunCommand(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func newRunCommand(cfg *config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run",
		Short:                 "run the queue monitor loop until interrupted",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&cfg.DB, "db", cfg.DB, "`path` to the queue database")
	c.Flags().Int64Var(&cfg.BuildOne, "build-one", cfg.BuildOne, "if non-zero, only ingest this build `id`")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runMonitor(cmd.Context(), cfg)
	}
	return c
}

func runMonitor(ctx context.Context, cfg *config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DB), 0o755); err != nil {
		return err
	}

	db := queue.NewSQLiteDatabase(cfg.DB)
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	store := &drv.NixStore{BinDir: cfg.StoreBinDir}
	machines := queue.NewMachines()
	machines.Register(&queue.Machine{
		ID:      "localhost",
		Systems: cfg.localPlatformSet(),
	})

	monitor := queue.NewMonitor(db, store, machines, noCachedFailures{}, &logDispatcher{}, queue.Options{
		LocalPlatforms: cfg.localPlatformSet(),
		BuildOne:       queue.BuildID(cfg.BuildOne),
		PollInterval:   cfg.PollInterval.Duration,
	})

	log.Infof(ctx, "Starting queue monitor (db=%s, platforms=%v)", cfg.DB, cfg.LocalPlatforms)
	return monitor.Run(ctx)
}

// noCachedFailures is the default [queue.CachedFailureChecker]: a
// deployment without a cached-failure oracle wired up simply never
// classifies anything as a cached failure.
type noCachedFailures struct{}

func (noCachedFailures) CheckCachedFailure(ctx context.Context, step *queue.Step) (bool, error) {
	return false, nil
}

// logDispatcher is a placeholder [queue.Dispatcher] that only logs
// newly runnable steps. A real deployment wires in the worker pool
// that this core's design explicitly treats as an external
// collaborator.
type logDispatcher struct{}

func (logDispatcher) Dispatch(steps []*queue.Step) {
	for _, step := range steps {
		log.Infof(context.Background(), "step runnable: %s", step.DrvPath)
	}
}

func currentPlatform() string {
	return system.Current().String()
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "queue-runner", "config.json")
}

func defaultDBPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".local", "state", "queue-runner", "queue.db")
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "queue-runner: ", log.StdFlags, nil),
		})
	})
}

type jsonDuration struct {
	time.Duration
}

func (d jsonDuration) MarshalJSONTo(enc *jsontext.Encoder) error {
	return enc.WriteToken(jsontext.String(d.Duration.String()))
}

func (d *jsonDuration) UnmarshalJSONFrom(dec *jsontext.Decoder) error {
	tok, err := dec.ReadToken()
	if err != nil {
		return err
	}
	parsed, err := time.ParseDuration(tok.String())
	if err != nil {
		return fmt.Errorf("parse duration: %v", err)
	}
	d.Duration = parsed
	return nil
}
