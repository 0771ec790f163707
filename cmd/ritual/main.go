// Command ritual is a long-running imageboard archiver: it polls the
// configured boards, persists posts into the Asagi relational layout, and
// mirrors media into a content-addressable tree.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/ritual/internal/config"
	"github.com/steveyegge/ritual/internal/fetch"
	"github.com/steveyegge/ritual/internal/metrics"
	"github.com/steveyegge/ritual/internal/scrape"
	"github.com/steveyegge/ritual/internal/state"
	"github.com/steveyegge/ritual/internal/storage"
)

// Version is stamped by the release build.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ritual",
		Short:         "Imageboard archiver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "ritual.yaml", "path to config file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the scrape loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(configPath)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ritual", Version)
		},
	}

	root.AddCommand(run, version)
	return root
}

func runLoop(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog := newLogger(cfg.Log)
	defer closeLog()

	// One archiver per cache dir; a second instance would race the cache
	// files and double the request rate.
	if err := os.MkdirAll(cfg.CacheDir, 0o775); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.CacheDir, "ritual.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another ritual instance already holds %s", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DB, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Saving database")
		_ = store.Close()
		log.Info("Done")
	}()

	boardNames := make([]string, len(cfg.Boards))
	for i := range cfg.Boards {
		boardNames[i] = cfg.Boards[i].Name
	}
	if err := store.EnsureBoards(ctx, boardNames); err != nil {
		return err
	}

	st := state.New(cfg.CacheDir, log)
	client := fetch.New(st, log, fetch.Options{
		UserAgent:       cfg.UserAgent,
		CooldownSec:     cfg.RequestCooldownSec,
		AddRandom:       cfg.AddRandom,
		IgnoreHTTPCache: cfg.IgnoreHTTPCache,
	})

	mtr, err := metrics.New(cfg.Metrics.Enabled, time.Duration(cfg.Metrics.IntervalSeconds)*time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = mtr.Shutdown(context.Background()) }()

	env := &scrape.Env{
		Cfg:     cfg,
		Log:     log,
		Client:  client,
		Store:   store,
		State:   st,
		Metrics: mtr,
	}

	support, err := scrape.ArchiveSupport(ctx, env)
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, log)
	if err != nil {
		log.Warn("Config watching unavailable, board rules are fixed for this run", "error", err)
		watcher = nil
	} else {
		defer func() { _ = watcher.Close() }()
	}

	sched := scrape.New(env, configPath, watcher, support)
	err = sched.Run(ctx)
	log.Info("Exited loop, ending program")
	return err
}

// newLogger builds the slog logger: stdout always, plus a size-rotated file
// when configured.
func newLogger(cfg config.LogConfig) (*slog.Logger, func()) {
	var w io.Writer = os.Stdout
	closeFn := func() {}

	if cfg.File != "" {
		roller := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		w = io.MultiWriter(os.Stdout, roller)
		closeFn = func() { _ = roller.Close() }
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), closeFn
}
