// Package state holds the archiver's persistent caches: per-thread
// last-modified timestamps, HTTP Last-Modified headers, per-thread stats, and
// per-thread page/bump metadata. The caches only exist to avoid redundant
// network and database work; the relational tables stay the source of truth.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/steveyegge/ritual/internal/chanapi"
)

// Per-board cache bound and prune slack; the HTTP cache is bounded globally.
const (
	perBoardLimit  = 200
	pruneSlack     = 10
	httpCacheLimit = 500
)

// ThreadStats is the cached per-thread growth snapshot the catalog
// incremental path compares against.
type ThreadStats struct {
	Replies           int   `json:"replies"`
	Images            int   `json:"images"`
	MostRecentReplyNo int64 `json:"most_recent_reply_no"`
}

// ThreadMeta tracks where a thread last sat in the catalog and when it was
// last bumped. Serialized as the two-element [page, bump_time] array the
// cache file format uses.
type ThreadMeta struct {
	Page     int
	BumpTime int64
}

// MarshalJSON renders the [page, bump_time] pair.
func (m ThreadMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{int64(m.Page), m.BumpTime})
}

// UnmarshalJSON accepts the [page, bump_time] pair.
func (m *ThreadMeta) UnmarshalJSON(data []byte) error {
	var pair []int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) > 0 {
		m.Page = int(pair[0])
	}
	if len(pair) > 1 {
		m.BumpTime = pair[1]
	}
	return nil
}

type httpEntry struct {
	Value string `json:"value"`
	Seq   int64  `json:"seq"`
}

// State owns the four caches and their cache files. It is mutated only from
// the loop goroutine; Save is called at loop end and on shutdown.
type State struct {
	dir string
	log *slog.Logger

	threadCache map[string]map[int64]int64
	threadStats map[string]map[int64]ThreadStats
	threadMeta  map[string]map[int64]ThreadMeta
	httpCache   map[string]httpEntry
	httpSeq     int64
}

// New loads the caches from dir, tolerating missing or unreadable files.
func New(dir string, log *slog.Logger) *State {
	s := &State{
		dir:         dir,
		log:         log,
		threadCache: make(map[string]map[int64]int64),
		threadStats: make(map[string]map[int64]ThreadStats),
		threadMeta:  make(map[string]map[int64]ThreadMeta),
		httpCache:   make(map[string]httpEntry),
	}
	s.load()
	return s
}

func (s *State) path(name string) string { return filepath.Join(s.dir, name) }

func (s *State) load() {
	loadBoardFile(s.path("thread_cache.json"), s.log, s.threadCache)
	loadBoardFile(s.path("thread_stats.json"), s.log, s.threadStats)
	loadBoardFile(s.path("thread_meta.json"), s.log, s.threadMeta)

	var flat map[string]string
	if readJSONFile(s.path("http_cache.json"), &flat) == nil {
		for url, lm := range flat {
			s.httpSeq++
			s.httpCache[url] = httpEntry{Value: lm, Seq: s.httpSeq}
		}
	}
}

// Save writes every cache file atomically (temp sibling + rename).
func (s *State) Save() error {
	if err := os.MkdirAll(s.dir, 0o775); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := saveBoardFile(s.path("thread_cache.json"), s.threadCache); err != nil {
		return err
	}
	if err := saveBoardFile(s.path("thread_stats.json"), s.threadStats); err != nil {
		return err
	}
	if err := saveBoardFile(s.path("thread_meta.json"), s.threadMeta); err != nil {
		return err
	}
	flat := make(map[string]string, len(s.httpCache))
	for url, e := range s.httpCache {
		flat[url] = e.Value
	}
	return writeJSONFile(s.path("http_cache.json"), flat)
}

// IsThreadModified reports whether the thread should be fetched, comparing
// the catalog's last_modified against the cached value, and records the new
// value either way. New threads always count as modified.
func (s *State) IsThreadModified(board string, t *chanapi.Thread) bool {
	byTid, ok := s.threadCache[board]
	if !ok {
		byTid = make(map[int64]int64)
		s.threadCache[board] = byTid
	}

	cached, seen := byTid[t.No]
	byTid[t.No] = t.LastModified

	if !seen {
		return true
	}
	return t.LastModified != 0 && cached != 0 && t.LastModified != cached
}

// SeedThread records a thread's last_modified without a comparison, for the
// first-loop reseed.
func (s *State) SeedThread(board string, t *chanapi.Thread) {
	byTid, ok := s.threadCache[board]
	if !ok {
		byTid = make(map[int64]int64)
		s.threadCache[board] = byTid
	}
	byTid[t.No] = t.LastModified
}

// PruneThreadCache bounds the board's last-modified cache, dropping the
// oldest timestamps first.
func (s *State) PruneThreadCache(board string) {
	if byTid, ok := s.threadCache[board]; ok {
		pruneByScore(byTid, perBoardLimit, pruneSlack, func(lm int64) float64 { return float64(lm) })
	}
}

// ThreadStatsFor returns the cached stats for a thread, or nil.
func (s *State) ThreadStatsFor(board string, tid int64) *ThreadStats {
	if byTid, ok := s.threadStats[board]; ok {
		if st, ok := byTid[tid]; ok {
			return &st
		}
	}
	return nil
}

// SetThreadStats records a thread's growth snapshot and bounds the board's
// stats cache, dropping the lowest most-recent-reply numbers first.
func (s *State) SetThreadStats(board string, tid int64, stats ThreadStats) {
	byTid, ok := s.threadStats[board]
	if !ok {
		byTid = make(map[int64]ThreadStats)
		s.threadStats[board] = byTid
	}
	byTid[tid] = stats
	pruneByScore(byTid, perBoardLimit, pruneSlack, func(st ThreadStats) float64 {
		return float64(st.MostRecentReplyNo)
	})
}

// UpdateThreadMeta refreshes page positions and bump times from the catalog
// and bounds the board's meta cache by bump time.
func (s *State) UpdateThreadMeta(board string, pages map[int64]int, threads map[int64]*chanapi.Thread) {
	byTid, ok := s.threadMeta[board]
	if !ok {
		byTid = make(map[int64]ThreadMeta)
		s.threadMeta[board] = byTid
	}
	for tid, page := range pages {
		var bump int64
		if t, ok := threads[tid]; ok {
			bump = t.BumpTime()
		}
		byTid[tid] = ThreadMeta{Page: page, BumpTime: bump}
	}
	pruneByScore(byTid, perBoardLimit, pruneSlack, func(m ThreadMeta) float64 {
		return float64(m.BumpTime)
	})
}

// ThreadMetaFor returns the tracked meta for a thread, or nil.
func (s *State) ThreadMetaFor(board string, tid int64) *ThreadMeta {
	if byTid, ok := s.threadMeta[board]; ok {
		if m, ok := byTid[tid]; ok {
			return &m
		}
	}
	return nil
}

// RemoveThreadMeta stops tracking a thread after it is classified as
// archived, deleted, or pruned. Called only after DB writes succeed.
func (s *State) RemoveThreadMeta(board string, tid int64) {
	if byTid, ok := s.threadMeta[board]; ok {
		delete(byTid, tid)
	}
}

// TrackedThreads lists the tids with meta for a board.
func (s *State) TrackedThreads(board string) []int64 {
	byTid := s.threadMeta[board]
	tids := make([]int64, 0, len(byTid))
	for tid := range byTid {
		tids = append(tids, tid)
	}
	return tids
}

// HTTPLastModified returns the cached Last-Modified header for a URL.
func (s *State) HTTPLastModified(url string) string {
	return s.httpCache[url].Value
}

// SetHTTPLastModified records a Last-Modified header, evicting the
// insertion-oldest entry when the cache is full.
func (s *State) SetHTTPLastModified(url, value string) {
	if value == "" {
		delete(s.httpCache, url)
		return
	}
	s.httpSeq++
	s.httpCache[url] = httpEntry{Value: value, Seq: s.httpSeq}
	if len(s.httpCache) > httpCacheLimit {
		pruneByScore(s.httpCache, httpCacheLimit, 0, func(e httpEntry) float64 { return float64(e.Seq) })
	}
}

// loadBoardFile reads a board→tid→V cache file into dst, converting the JSON
// string tids back to integers.
func loadBoardFile[V any](path string, log *slog.Logger, dst map[string]map[int64]V) {
	var raw map[string]map[string]V
	if err := readJSONFile(path, &raw); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Ignoring unreadable cache file", "path", path, "error", err)
		}
		return
	}
	for board, byTid := range raw {
		m := make(map[int64]V, len(byTid))
		for tidStr, v := range byTid {
			tid, err := strconv.ParseInt(tidStr, 10, 64)
			if err != nil {
				continue
			}
			m[tid] = v
		}
		dst[board] = m
	}
}

func saveBoardFile[V any](path string, src map[string]map[int64]V) error {
	raw := make(map[string]map[string]V, len(src))
	for board, byTid := range src {
		m := make(map[string]V, len(byTid))
		for tid, v := range byTid {
			m[strconv.FormatInt(tid, 10)] = v
		}
		raw[board] = m
	}
	return writeJSONFile(path, raw)
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONFile writes to a sibling temp path and renames, so a crash never
// leaves a torn cache file.
func writeJSONFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
