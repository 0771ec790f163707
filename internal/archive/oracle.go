// Package archive answers "did the remote archive this thread?" for the
// missing-thread classifier. The archive index is fetched lazily, at most
// once per board per loop, and never cached across loops.
package archive

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/ritual/internal/fetch"
)

// Oracle is one board's per-loop view of the remote archive index.
type Oracle struct {
	client    *fetch.Client
	url       string
	board     string
	supported bool
	log       *slog.Logger

	group  singleflight.Group
	tids   map[int64]struct{}
	loaded bool
}

// New builds the oracle. supported comes from the boards endpoint probe; an
// unsupported board answers false without ever fetching.
func New(client *fetch.Client, url, board string, supported bool, log *slog.Logger) *Oracle {
	return &Oracle{client: client, url: url, board: board, supported: supported, log: log}
}

// IsArchived reports whether the remote's archive index contains tid. The
// first call fetches the index; a failed fetch makes the oracle answer false
// for the rest of the loop.
func (o *Oracle) IsArchived(ctx context.Context, tid int64) bool {
	if !o.supported {
		return false
	}
	if !o.loaded {
		// Concurrent board tasks would collapse onto one fetch here; the
		// serial loop just pays it once.
		_, _, _ = o.group.Do("fetch", func() (any, error) {
			o.fetchIndex(ctx)
			return nil, nil
		})
	}
	if o.tids == nil {
		return false
	}
	_, ok := o.tids[tid]
	return ok
}

func (o *Oracle) fetchIndex(ctx context.Context) {
	o.loaded = true

	o.log.Info("Fetching archive index", "board", o.board)
	var ids []int64
	status, err := o.client.JSON(ctx, o.url, &ids)
	if err != nil || status != fetch.Fresh {
		return
	}

	o.tids = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		o.tids[id] = struct{}{}
	}
	o.log.Info("Loaded archive index", "board", o.board, "threads", len(o.tids))
}
