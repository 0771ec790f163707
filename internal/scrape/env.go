// Package scrape drives the archiver: per-board pipelines, loop pacing,
// stats, and error recovery.
package scrape

import (
	"log/slog"
	"time"

	"github.com/steveyegge/ritual/internal/config"
	"github.com/steveyegge/ritual/internal/fetch"
	"github.com/steveyegge/ritual/internal/metrics"
	"github.com/steveyegge/ritual/internal/state"
	"github.com/steveyegge/ritual/internal/storage"
)

// Env is the explicit environment every component works from: configuration,
// logger, the shared HTTP session, the store, the state caches, metrics, and
// an injectable clock.
type Env struct {
	Cfg     *config.Config
	Log     *slog.Logger
	Client  *fetch.Client
	Store   *storage.DB
	State   *state.State
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Now returns the environment's current time, defaulting to the wall clock.
func (e *Env) Now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}
