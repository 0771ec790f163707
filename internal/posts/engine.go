// Package posts is the incremental-update engine: per thread it decides
// between the cheap catalog update and a full thread fetch, classifies
// threads that vanished from the catalog, and writes the resulting post and
// stats diffs.
package posts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/ritual/internal/archive"
	"github.com/steveyegge/ritual/internal/asagi"
	"github.com/steveyegge/ritual/internal/catalog"
	"github.com/steveyegge/ritual/internal/chanapi"
	"github.com/steveyegge/ritual/internal/config"
	"github.com/steveyegge/ritual/internal/fetch"
	"github.com/steveyegge/ritual/internal/state"
	"github.com/steveyegge/ritual/internal/storage"
)

// recentWindow bounds which stored threads can still be classified as
// missing. An hour is a long time for an OP to withstand moderation.
const recentWindow = time.Hour

// Engine runs one board's post processing for one loop.
type Engine struct {
	Cfg    *config.Config
	Board  *config.Board
	Store  *storage.DB
	Client *fetch.Client
	State  *state.State
	Log    *slog.Logger
	Clock  func() time.Time
}

// Outcome is what one board's run produced, for media planning and loop
// stats.
type Outcome struct {
	ThreadPosts map[int64][]chanapi.Post
	PostByNo    map[int64]chanapi.Post

	CatalogUpdates int
	FullFetches    int
	Archived       []int64
	Deleted        []int64
	Pruned         []int64
}

// Run processes the selected threads. Missing threads are classified against
// pre-update stats first; then each selected thread takes exactly one of the
// catalog-update or full-fetch paths; then deletion flags and per-thread
// post/stats writes land; tracked meta for classified threads is removed only
// after the DB writes succeed.
func (e *Engine) Run(ctx context.Context, cat *catalog.Catalog, selected map[int64]*chanapi.Thread, oracle *archive.Oracle) (*Outcome, error) {
	board := e.Board.Name
	out := &Outcome{
		ThreadPosts: make(map[int64][]chanapi.Post),
		PostByNo:    make(map[int64]chanapi.Post),
	}

	tids := make([]int64, 0, len(selected))
	for tid := range selected {
		tids = append(tids, tid)
	}
	existingByTid, err := e.Store.ExistingPostIDs(ctx, board, tids)
	if err != nil {
		return nil, err
	}

	missing, err := e.missingThreads(ctx, cat)
	if err != nil {
		return nil, err
	}
	for _, tid := range missing {
		switch e.classifyMissing(ctx, tid, oracle) {
		case FateArchived:
			out.Archived = append(out.Archived, tid)
		case FateDeleted:
			out.Deleted = append(out.Deleted, tid)
		case FatePruned:
			out.Pruned = append(out.Pruned, tid)
		}
	}
	if len(out.Archived) > 0 {
		e.Log.Info("Threads archived", "board", board, "tids", out.Archived)
	}
	if len(out.Deleted) > 0 {
		e.Log.Info("Threads deleted by moderator", "board", board, "tids", out.Deleted)
	}
	if len(missing) > 0 {
		e.Log.Info("Threads no longer in catalog", "board", board, "count", len(missing))
	}

	var deletedPosts []int64
	for tid, thread := range selected {
		stats := e.State.ThreadStatsFor(board, tid)
		lastReplies := cat.LastReplies[tid]

		if canUseCatalogUpdate(thread, stats, lastReplies) {
			adopted, err := e.catalogUpdate(ctx, tid, thread, stats, lastReplies, existingByTid[tid], out)
			if err != nil {
				return nil, err
			}
			if adopted {
				out.CatalogUpdates++
				continue
			}
		}

		gone, removed, err := e.fullFetch(ctx, tid, thread, existingByTid[tid], out)
		if err != nil {
			return nil, err
		}
		if gone {
			continue
		}
		out.FullFetches++
		deletedPosts = append(deletedPosts, removed...)
	}

	if out.CatalogUpdates > 0 {
		e.Log.Info("Updated threads from catalog data", "board", board, "count", out.CatalogUpdates)
	}
	if out.FullFetches > 0 {
		e.Log.Info("Fetched threads fully", "board", board, "count", out.FullFetches)
	}

	if err := e.Store.MarkPostsDeleted(ctx, board, deletedPosts); err != nil {
		return nil, err
	}
	if err := e.Store.MarkThreadsDeleted(ctx, board, out.Deleted); err != nil {
		return nil, err
	}
	if err := e.Store.MarkThreadsArchived(ctx, board, out.Archived); err != nil {
		return nil, err
	}

	for _, tid := range missing {
		e.State.RemoveThreadMeta(board, tid)
	}

	for _, posts := range out.ThreadPosts {
		for _, p := range posts {
			out.PostByNo[p.No] = p
		}
	}
	return out, nil
}

// missingThreads is (recently-active stored threads ∪ tracked meta) minus the
// catalog.
func (e *Engine) missingThreads(ctx context.Context, cat *catalog.Catalog) ([]int64, error) {
	catalogTids := cat.TIDs()
	if len(catalogTids) == 0 {
		return nil, nil
	}
	board := e.Board.Name

	active, err := e.Store.RecentlyActiveThreads(ctx, board, e.Clock().Add(-recentWindow))
	if err != nil {
		return nil, err
	}
	candidates := make(map[int64]struct{}, len(active))
	for tid := range active {
		candidates[tid] = struct{}{}
	}
	for _, tid := range e.State.TrackedThreads(board) {
		candidates[tid] = struct{}{}
	}

	var missing []int64
	for tid := range candidates {
		if _, present := catalogTids[tid]; !present {
			missing = append(missing, tid)
		}
	}
	return missing, nil
}

// classifyMissing decides what happened to a thread that vanished from the
// catalog. A thread that was bumped recently, sat on an early page, and had
// not grown popular was not evicted by the normal last-page policy, so it
// must be moderator-removed or moved to the archive; the oracle settles
// which.
func (e *Engine) classifyMissing(ctx context.Context, tid int64, oracle *archive.Oracle) Fate {
	board := e.Board.Name

	meta := e.State.ThreadMetaFor(board, tid)
	if meta == nil || meta.Page == 0 || meta.BumpTime == 0 {
		return FateInconclusive
	}

	stats := e.State.ThreadStatsFor(board, tid)
	if stats == nil {
		return FateInconclusive
	}

	minutesSinceBump := e.Clock().Sub(time.Unix(meta.BumpTime, 0)).Minutes()
	recentlyAttended := minutesSinceBump < e.Cfg.NotDeletedIfBumpAgeExceedsMin
	onEarlyPage := meta.Page < e.Cfg.NotDeletedIfPageReached
	isPopular := stats.Replies >= e.Cfg.NotDeletedIfReplies

	probablyDeleted := recentlyAttended && onEarlyPage && !isPopular
	if !probablyDeleted {
		return FatePruned
	}
	if oracle.IsArchived(ctx, tid) {
		return FateArchived
	}
	return FateDeleted
}

// canUseCatalogUpdate checks every precondition of the cheap path: a usable
// last_replies preview, known history, genuine growth that fits inside the
// preview, continuity with the last seen reply, and an exact count match
// between the growth and the unseen preview entries.
func canUseCatalogUpdate(thread *chanapi.Thread, stats *state.ThreadStats, lastReplies []chanapi.Post) bool {
	if len(lastReplies) == 0 {
		return false
	}
	if stats == nil || stats.MostRecentReplyNo == 0 {
		return false
	}
	if thread.Replies <= stats.Replies {
		return false
	}
	diff := thread.Replies - stats.Replies
	if diff > len(lastReplies) {
		return false
	}

	lastSeen := stats.MostRecentReplyNo
	continuity := false
	unseen := 0
	for i := range lastReplies {
		if lastReplies[i].No == lastSeen {
			continuity = true
		}
		if lastReplies[i].No > lastSeen {
			unseen++
		}
	}
	return continuity && unseen == diff
}

// catalogUpdate adopts the unseen last_replies entries without a thread GET.
func (e *Engine) catalogUpdate(ctx context.Context, tid int64, thread *chanapi.Thread, stats *state.ThreadStats, lastReplies []chanapi.Post, existing map[int64]struct{}, out *Outcome) (bool, error) {
	board := e.Board.Name
	lastSeen := stats.MostRecentReplyNo

	var adopted []chanapi.Post
	for i := range lastReplies {
		p := lastReplies[i]
		if p.No <= lastSeen {
			continue
		}
		if err := chanapi.ValidatePost(&p); err != nil {
			return false, fmt.Errorf("[%s] catalog update for thread %d: %w", board, tid, err)
		}
		if _, have := existing[p.No]; have {
			continue
		}
		// The catalog preview omits resto; restore the thread linkage.
		if p.Resto == 0 {
			p.Resto = tid
		}
		adopted = append(adopted, p)
	}
	if len(adopted) == 0 {
		return false, nil
	}

	e.Log.Info("Catalog update", "board", board, "tid", tid, "new_posts", len(adopted))
	out.ThreadPosts[tid] = append(out.ThreadPosts[tid], adopted...)

	mostRecent := lastSeen
	for _, p := range adopted {
		if p.No > mostRecent {
			mostRecent = p.No
		}
	}
	e.State.SetThreadStats(board, tid, state.ThreadStats{
		Replies:           thread.Replies,
		Images:            thread.Images,
		MostRecentReplyNo: mostRecent,
	})
	return true, e.writeThread(ctx, tid, thread, adopted)
}

// fullFetch GETs the thread endpoint. gone means the fetch yielded nothing
// this loop (not modified, failed, or empty); the disappearance classifier,
// not this path, decides about deletion.
func (e *Engine) fullFetch(ctx context.Context, tid int64, thread *chanapi.Thread, existing map[int64]struct{}, out *Outcome) (gone bool, removed []int64, err error) {
	board := e.Board.Name
	url := e.Cfg.Endpoints.ThreadURL(board, tid)

	var resp chanapi.ThreadResponse
	status, err := e.Client.JSON(ctx, url, &resp)
	if err != nil {
		return false, nil, err
	}
	if status != fetch.Fresh || len(resp.Posts) == 0 {
		return true, nil, nil
	}

	e.Log.Info("Found thread", "board", board, "tid", tid)

	for i := range resp.Posts {
		if err := chanapi.ValidatePost(&resp.Posts[i]); err != nil {
			return false, nil, fmt.Errorf("[%s] thread %d: %w", board, tid, err)
		}
	}

	found := make(map[int64]struct{}, len(resp.Posts))
	for i := range resp.Posts {
		found[resp.Posts[i].No] = struct{}{}
	}
	for num := range existing {
		if _, ok := found[num]; !ok {
			removed = append(removed, num)
		}
	}
	if len(removed) > 0 {
		e.Log.Info("Posts deleted", "board", board, "tid", tid, "nums", removed)
	}

	out.ThreadPosts[tid] = resp.Posts

	mostRecent := int64(0)
	for i := range resp.Posts {
		if resp.Posts[i].No > mostRecent {
			mostRecent = resp.Posts[i].No
		}
	}
	e.State.SetThreadStats(board, tid, state.ThreadStats{
		Replies:           thread.Replies,
		Images:            thread.Images,
		MostRecentReplyNo: mostRecent,
	})
	return false, removed, e.writeThread(ctx, tid, thread, resp.Posts)
}

// writeThread persists a thread's new posts and its Asagi stats row in one
// transaction. Boards with thread_text off still get the stats row.
func (e *Engine) writeThread(ctx context.Context, tid int64, thread *chanapi.Thread, posts []chanapi.Post) error {
	board := e.Board.Name

	var rows []asagi.PostRow
	if e.Board.PersistPosts() {
		rows = make([]asagi.PostRow, 0, len(posts))
		for i := range posts {
			rows = append(rows, asagi.BuildPostRow(&posts[i], e.Cfg.UnescapeBeforeWrite))
		}
	}

	return e.Store.WriteThread(ctx, board, rows, e.threadRow(tid, thread, posts))
}

func (e *Engine) threadRow(tid int64, thread *chanapi.Thread, posts []chanapi.Post) *asagi.ThreadRow {
	stats := e.State.ThreadStatsFor(e.Board.Name, tid)
	if stats == nil {
		return nil
	}

	timeOp := thread.Time
	timeLast := timeOp
	for i := range posts {
		if t := posts[i].Time; t > timeLast {
			timeLast = t
		}
	}

	row := &asagi.ThreadRow{
		ThreadNum:        tid,
		TimeOp:           timeOp,
		TimeLast:         timeLast,
		TimeBump:         timeLast,
		TimeLastModified: thread.LastModified,
		NReplies:         stats.Replies,
		NImages:          stats.Images,
	}
	if thread.Sticky != 0 {
		row.Sticky = 1
	}
	if thread.Closed != 0 {
		row.Locked = 1
	}
	return row
}
