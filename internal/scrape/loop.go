package scrape

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/ritual/internal/archive"
	"github.com/steveyegge/ritual/internal/catalog"
	"github.com/steveyegge/ritual/internal/config"
	"github.com/steveyegge/ritual/internal/fetch"
	"github.com/steveyegge/ritual/internal/filter"
	"github.com/steveyegge/ritual/internal/media"
	"github.com/steveyegge/ritual/internal/posts"
)

// maxConsecutiveFailures ends the process when the loop keeps dying; each
// failure first earns an escalating sleep.
const maxConsecutiveFailures = 5

// Scheduler owns the board iteration, loop pacing, and error recovery.
type Scheduler struct {
	env            *Env
	configPath     string
	watcher        *config.Watcher
	archiveSupport map[string]bool

	boards    []config.Board
	loopN     int
	durations []boardDuration
}

type boardDuration struct {
	board   string
	minutes float64
}

// New builds a scheduler. watcher may be nil when config watching is
// unavailable.
func New(env *Env, configPath string, watcher *config.Watcher, archiveSupport map[string]bool) *Scheduler {
	return &Scheduler{
		env:            env,
		configPath:     configPath,
		watcher:        watcher,
		archiveSupport: archiveSupport,
		boards:         env.Cfg.Boards,
		loopN:          1,
	}
}

// Run loops until the context is cancelled or too many consecutive loop
// failures accumulate. Cancellation saves state and exits cleanly.
func (s *Scheduler) Run(ctx context.Context) error {
	env := s.env
	failures := 0

	for {
		if ctx.Err() != nil {
			env.Log.Info("Received interrupt signal")
			s.saveState()
			return nil
		}

		err := s.loopOnce(ctx)
		if ctx.Err() != nil {
			env.Log.Info("Received interrupt signal")
			s.saveState()
			return nil
		}
		if err != nil {
			env.Log.Error("Critical error in main loop", "error", err)
			s.saveState()
			failures++
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("giving up after %d consecutive loop failures: %w", failures, err)
			}
			pause := time.Duration(failures) * time.Minute
			env.Log.Info("Sleeping before retry, maybe the issue resolves itself", "sleep", pause)
			fetch.Sleep(ctx, pause)
			continue
		}
		failures = 0
		s.loopN++
	}
}

// loopOnce runs every board once, persists state, logs durations, and sleeps
// the loop cooldown. A board-level failure aborts that board only; the loop
// is a failure when every board failed.
func (s *Scheduler) loopOnce(ctx context.Context) error {
	env := s.env
	env.Log.Info(fmt.Sprintf("Loop #%d Started", s.loopN))
	loopStart := env.Now()
	s.durations = s.durations[:0]

	s.reloadRulesIfDirty()

	boardErrs := 0
	for i := range s.boards {
		board := &s.boards[i]
		start := env.Now()
		if err := s.processBoard(ctx, board); err != nil {
			env.Log.Error("Board aborted for this loop", "board", board.Name, "error", err)
			boardErrs++
		}
		if ctx.Err() != nil {
			return nil
		}
		s.durations = append(s.durations, boardDuration{
			board:   board.Name,
			minutes: env.Now().Sub(start).Minutes(),
		})
	}

	env.Client.Recycle(env.Cfg.LoopCooldownSec)

	if err := s.saveState(); err != nil {
		return err
	}

	s.logBoardDurations()
	env.Metrics.LoopSeconds.Record(ctx, env.Now().Sub(loopStart).Seconds())
	env.Log.Info(fmt.Sprintf("Loop #%d Completed", s.loopN))

	if boardErrs == len(s.boards) && len(s.boards) > 0 {
		return fmt.Errorf("all %d boards failed", boardErrs)
	}

	env.Log.Info("Doing loop cooldown sleep", "seconds", env.Cfg.LoopCooldownSec)
	fetch.Sleep(ctx, time.Duration(env.Cfg.LoopCooldownSec*float64(time.Second)))
	return nil
}

// processBoard runs one board through the pipeline: catalog, meta refresh,
// filter, posts engine, media plan, downloads. DB writes for the board
// complete inside the engine before any media transfer starts.
func (s *Scheduler) processBoard(ctx context.Context, board *config.Board) error {
	env := s.env
	name := board.Name

	cat, status, err := catalog.Fetch(ctx, env.Client, env.Cfg.Endpoints.CatalogURL(name), name, env.Log)
	if err != nil {
		return err
	}
	if status != fetch.Fresh {
		return nil
	}

	env.State.UpdateThreadMeta(name, cat.PageOf, cat.Threads)

	// At most one archive index fetch per board per loop.
	oracle := archive.New(env.Client, env.Cfg.Endpoints.ArchiveURL(name), name, s.archiveSupport[name], env.Log)

	flt, err := filter.New(board, env.Log)
	if err != nil {
		return err
	}
	seedAll := s.loopN == 1 && env.Cfg.IgnoreThreadCache
	selected := flt.Select(cat, env.State, seedAll)

	engine := &posts.Engine{
		Cfg:    env.Cfg,
		Board:  board,
		Store:  env.Store,
		Client: env.Client,
		State:  env.State,
		Log:    env.Log,
		Clock:  env.Now,
	}
	outcome, err := engine.Run(ctx, cat, selected, oracle)
	if err != nil {
		return err
	}

	boardAttr := metric.WithAttributes(attribute.String("board", name))
	env.Metrics.ThreadsFetched.Add(ctx, int64(outcome.CatalogUpdates+outcome.FullFetches), boardAttr)
	env.Metrics.PostsWritten.Add(ctx, int64(len(outcome.PostByNo)), boardAttr)
	env.Metrics.ThreadsFlagged.Add(ctx,
		int64(len(outcome.Archived)+len(outcome.Deleted)+len(outcome.Pruned)), boardAttr)

	planner, err := media.NewPlanner(env.Cfg, board, env.Store, env.Log)
	if err != nil {
		return err
	}
	items, err := planner.Plan(ctx, outcome.ThreadPosts, cat.Threads)
	if err != nil {
		return err
	}

	downloader := &media.Downloader{
		Cfg:    env.Cfg,
		Board:  board,
		Client: env.Client,
		Store:  env.Store,
		Log:    env.Log,
	}
	downloaded := downloader.Run(ctx, items)
	env.Metrics.MediaDownloaded.Add(ctx, int64(downloaded), boardAttr)

	env.Log.Info("Board pass complete",
		"board", name,
		"catalog_updated", outcome.CatalogUpdates,
		"fully_fetched", outcome.FullFetches,
		"archived", len(outcome.Archived),
		"deleted", len(outcome.Deleted),
		"pruned", len(outcome.Pruned),
		"downloaded", downloaded,
	)
	return nil
}

// reloadRulesIfDirty swaps in a fresh boards block when the config watcher
// flagged a change. A reload that fails to parse keeps the current rules.
func (s *Scheduler) reloadRulesIfDirty() {
	if s.watcher == nil || !s.watcher.Dirty() {
		return
	}
	boards, err := config.LoadBoards(s.configPath)
	if err != nil {
		s.env.Log.Warn("Config reload failed, keeping current board rules", "error", err)
		return
	}
	s.boards = boards
	s.env.Log.Info("Board rules reloaded", "boards", len(boards))
}

func (s *Scheduler) saveState() error {
	s.env.Log.Info("Saving state")
	if err := s.env.State.Save(); err != nil {
		s.env.Log.Error("Failed to save state", "error", err)
		return err
	}
	return nil
}

func (s *Scheduler) logBoardDurations() {
	var b strings.Builder
	b.WriteString("Duration for each board:\n")
	total := 0.0
	for _, d := range s.durations {
		fmt.Fprintf(&b, "    - %-4s %.1fm\n", d.board, d.minutes)
		total += d.minutes
	}
	fmt.Fprintf(&b, "Total Duration: %.1fm", total)
	s.env.Log.Info(b.String())
}
