// Package catalog downloads a board's catalog and shapes it into the indices
// the rest of the loop works from.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/ritual/internal/chanapi"
	"github.com/steveyegge/ritual/internal/fetch"
)

// Catalog is one board's catalog snapshot with its derived indices: the
// latest OP view per thread, the 1-based page each thread sits on, and the
// API's preview of recent replies where present.
type Catalog struct {
	Board       string
	Pages       []chanapi.CatalogPage
	Threads     map[int64]*chanapi.Thread
	PageOf      map[int64]int
	LastReplies map[int64][]chanapi.Post
}

// Fetch downloads and validates the catalog. A NotModified or Failed status
// comes back with a nil catalog; a validation failure aborts the board for
// this loop with an error.
func Fetch(ctx context.Context, client *fetch.Client, url, board string, log *slog.Logger) (*Catalog, fetch.Status, error) {
	var pages []chanapi.CatalogPage
	status, err := client.JSON(ctx, url, &pages)
	if err != nil {
		return nil, fetch.Failed, err
	}
	if status != fetch.Fresh {
		return nil, status, nil
	}

	log.Info("Downloaded catalog", "board", board)

	if len(pages) == 0 {
		log.Warn("Catalog empty", "board", board)
		return nil, fetch.Failed, nil
	}

	c := &Catalog{
		Board:       board,
		Pages:       pages,
		Threads:     make(map[int64]*chanapi.Thread),
		PageOf:      make(map[int64]int),
		LastReplies: make(map[int64][]chanapi.Post),
	}
	if err := c.index(); err != nil {
		return nil, fetch.Failed, fmt.Errorf("[%s] catalog: %w", board, err)
	}
	return c, fetch.Fresh, nil
}

// index builds the thread/page/last-replies maps and validates every thread
// against the closed schema. A thread number appearing on two pages is a
// malformed catalog and rejects the whole snapshot.
func (c *Catalog) index() error {
	for i := range c.Pages {
		page := &c.Pages[i]
		pageNum := page.Page
		if pageNum == 0 {
			pageNum = i + 1
		}
		for j := range page.Threads {
			t := &page.Threads[j]
			if err := chanapi.ValidateThread(t); err != nil {
				return err
			}
			if _, dup := c.Threads[t.No]; dup {
				return fmt.Errorf("thread %d appears on multiple pages", t.No)
			}
			c.Threads[t.No] = t
			c.PageOf[t.No] = pageNum
			if len(t.LastReplies) > 0 {
				c.LastReplies[t.No] = t.LastReplies
			}
		}
	}
	return nil
}

// TIDs returns the set of thread ids present in the catalog.
func (c *Catalog) TIDs() map[int64]struct{} {
	out := make(map[int64]struct{}, len(c.Threads))
	for tid := range c.Threads {
		out[tid] = struct{}{}
	}
	return out
}
