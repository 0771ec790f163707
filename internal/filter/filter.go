// Package filter selects the catalog threads worth processing this loop:
// text gates first (min-chars, blacklist, whitelist), then the last-modified
// cache so unchanged threads cost nothing.
package filter

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/steveyegge/ritual/internal/catalog"
	"github.com/steveyegge/ritual/internal/chanapi"
	"github.com/steveyegge/ritual/internal/config"
	"github.com/steveyegge/ritual/internal/state"
)

// Filter holds one board's gates with its regexes precompiled for the loop.
type Filter struct {
	board     *config.Board
	whitelist *regexp.Regexp
	blacklist *regexp.Regexp
	log       *slog.Logger
}

// New compiles the board's white/black lists. Patterns match
// case-insensitively anywhere in the extracted plain text.
func New(board *config.Board, log *slog.Logger) (*Filter, error) {
	f := &Filter{board: board, log: log}
	var err error
	if board.Whitelist != "" {
		if f.whitelist, err = regexp.Compile(`(?is)` + board.Whitelist); err != nil {
			return nil, fmt.Errorf("board %s whitelist: %w", board.Name, err)
		}
	}
	if board.Blacklist != "" {
		if f.blacklist, err = regexp.Compile(`(?is)` + board.Blacklist); err != nil {
			return nil, fmt.Errorf("board %s blacklist: %w", board.Name, err)
		}
	}
	return f, nil
}

// ShouldArchive applies the text gates to a thread's extracted subject and
// comment. Blacklist beats whitelist; a configured whitelist requires a
// match; no lists means archive everything past the min-chars gates.
func (f *Filter) ShouldArchive(subject, comment string) bool {
	if n := f.board.OpCommentMinChars; n > 0 && len([]rune(comment)) < n {
		return false
	}
	if n := f.board.OpCommentMinCharsUnique; n > 0 && chanapi.UniqueRunes(comment) < n {
		return false
	}

	if f.blacklist != nil {
		if subject != "" && f.blacklist.MatchString(subject) {
			return false
		}
		if comment != "" && f.blacklist.MatchString(comment) {
			return false
		}
	}

	if f.whitelist != nil {
		if subject != "" && f.whitelist.MatchString(subject) {
			return true
		}
		if comment != "" && f.whitelist.MatchString(comment) {
			return true
		}
		return false
	}

	return true
}

// Select walks the catalog and returns the threads to process. On a seeding
// loop every text-passing thread is accepted and the last-modified cache is
// primed; otherwise only threads whose last_modified moved (or are unseen)
// pass. The board's thread cache is pruned afterward.
func (f *Filter) Select(cat *catalog.Catalog, st *state.State, seedAll bool) map[int64]*chanapi.Thread {
	selected := make(map[int64]*chanapi.Thread)
	notModified := 0

	for i := range cat.Pages {
		page := &cat.Pages[i]
		for j := range page.Threads {
			t := &page.Threads[j]

			subject, comment := chanapi.PlainSubCom(&t.Post)
			if !f.ShouldArchive(subject, comment) {
				continue
			}

			if seedAll {
				st.SeedThread(cat.Board, t)
				selected[t.No] = t
				continue
			}

			if !st.IsThreadModified(cat.Board, t) {
				notModified++
				continue
			}
			selected[t.No] = t
		}
	}

	st.PruneThreadCache(cat.Board)

	if seedAll {
		f.log.Info("Ignoring last modified timestamps on first loop",
			"board", cat.Board, "queued", len(selected))
	} else {
		f.log.Info("Catalog filtered",
			"board", cat.Board, "unmodified", notModified, "queued", len(selected))
	}
	return selected
}
