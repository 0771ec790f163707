// Package media decides which files to download for a board's fetched posts
// and performs the verified downloads. Policy and transfer are separate
// steps: the planner only reads state, the downloader only consumes the plan.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/steveyegge/ritual/internal/asagi"
	"github.com/steveyegge/ritual/internal/chanapi"
	"github.com/steveyegge/ritual/internal/config"
	"github.com/steveyegge/ritual/internal/storage"
)

// Item is one planned download.
type Item struct {
	Post  chanapi.Post
	Class Class
}

// Planner evaluates one board's six rule slots against fetched posts.
type Planner struct {
	Cfg   *config.Config
	Board *config.Board
	Store *storage.DB
	Log   *slog.Logger

	rules compiledRules
}

type compiledRules struct {
	fmThread, fmOp, fmPost config.CompiledRule
	thThread, thOp, thPost config.CompiledRule
}

// NewPlanner compiles the board's rule slots for this loop.
func NewPlanner(cfg *config.Config, board *config.Board, store *storage.DB, log *slog.Logger) (*Planner, error) {
	p := &Planner{Cfg: cfg, Board: board, Store: store, Log: log}
	var err error
	for _, slot := range []struct {
		rule config.Rule
		dst  *config.CompiledRule
		name string
	}{
		{board.DlFmThread, &p.rules.fmThread, "dl_fm_thread"},
		{board.DlFmOp, &p.rules.fmOp, "dl_fm_op"},
		{board.DlFmPost, &p.rules.fmPost, "dl_fm_post"},
		{board.DlThThread, &p.rules.thThread, "dl_th_thread"},
		{board.DlThOp, &p.rules.thOp, "dl_th_op"},
		{board.DlThPost, &p.rules.thPost, "dl_th_post"},
	} {
		if *slot.dst, err = slot.rule.Compile(); err != nil {
			return nil, fmt.Errorf("board %s %s: %w", board.Name, slot.name, err)
		}
	}
	return p, nil
}

// Plan walks the fetched posts and returns the downloads to perform. Threads
// evaluate their thread-wide slots against the OP's text once; per-post slots
// evaluate against each post's own text. Banned hashes never download;
// dedup and on-disk presence suppress repeats.
func (p *Planner) Plan(ctx context.Context, threadPosts map[int64][]chanapi.Post, threads map[int64]*chanapi.Thread) ([]Item, error) {
	board := p.Board.Name

	var hashes []string
	seen := make(map[string]struct{})
	for _, posts := range threadPosts {
		for i := range posts {
			if posts[i].HasFile() {
				if _, dup := seen[posts[i].MD5]; !dup {
					seen[posts[i].MD5] = struct{}{}
					hashes = append(hashes, posts[i].MD5)
				}
			}
		}
	}
	hashInfo, err := p.Store.MediaHashInfo(ctx, board, hashes)
	if err != nil {
		return nil, err
	}

	var items []Item
	queued := make(map[string]struct{})

	for tid, posts := range threadPosts {
		var opText string
		if t, ok := threads[tid]; ok {
			opText = chanapi.JoinedText(&t.Post)
		}
		fmThread := p.rules.fmThread.Match(opText)
		thThread := p.rules.thThread.Match(opText)

		for i := range posts {
			post := &posts[i]
			if !post.HasFile() {
				continue
			}

			fmRule, thRule := p.rules.fmPost, p.rules.thPost
			if post.No == tid {
				fmRule, thRule = p.rules.fmOp, p.rules.thOp
			}

			if p.wantFull(post, fmThread, fmRule, hashInfo) {
				key := "f:" + asagi.FullMediaName(post)
				if _, dup := queued[key]; !dup {
					queued[key] = struct{}{}
					items = append(items, Item{Post: *post, Class: FullMedia})
				}
			}

			if p.Cfg.MakeThumbnails {
				// Thumbnails get synthesized from the full media elsewhere;
				// downloading them too would be wasted transfer.
				continue
			}
			if p.wantThumb(post, thThread, thRule) {
				key := "t:" + asagi.ThumbName(post)
				if _, dup := queued[key]; !dup {
					queued[key] = struct{}{}
					items = append(items, Item{Post: *post, Class: Thumbnail})
				}
			}
		}
	}
	return items, nil
}

// wantFull applies the full-media gauntlet: rule, banned hash, duplicate
// hash already on disk, then target presence. A thread-wide grant skips only
// the per-post rule; a banned hash never reaches the downloader.
func (p *Planner) wantFull(post *chanapi.Post, granted bool, rule config.CompiledRule, hashInfo map[string]storage.MediaInfo) bool {
	if !granted && !rule.Match(chanapi.JoinedText(post)) {
		return false
	}

	info, known := hashInfo[post.MD5]
	if known && info.Banned {
		return false
	}
	if p.Cfg.SkipDuplicateFiles && known && info.Media != "" {
		if stored, err := Path(p.Cfg.MediaSavePath, p.Board.Name, FullMedia, info.Media); err == nil {
			if fileExists(stored) {
				return false
			}
		}
	}

	target, err := Path(p.Cfg.MediaSavePath, p.Board.Name, FullMedia, asagi.FullMediaName(post))
	if err != nil {
		p.Log.Warn("Skipping media with unusable filename", "board", p.Board.Name, "post", post.No, "error", err)
		return false
	}
	return !fileExists(target)
}

func (p *Planner) wantThumb(post *chanapi.Post, granted bool, rule config.CompiledRule) bool {
	if !granted && !rule.Match(chanapi.JoinedText(post)) {
		return false
	}
	target, err := Path(p.Cfg.MediaSavePath, p.Board.Name, Thumbnail, asagi.ThumbName(post))
	if err != nil {
		return false
	}
	return !fileExists(target)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
