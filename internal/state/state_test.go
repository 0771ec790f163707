package state

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/ritual/internal/chanapi"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	return New(t.TempDir(), slog.New(slog.DiscardHandler))
}

func thread(no, lm int64) *chanapi.Thread {
	return &chanapi.Thread{
		Post:         chanapi.Post{No: no, Time: 1717755000},
		LastModified: lm,
	}
}

func TestIsThreadModified(t *testing.T) {
	s := newTestState(t)

	// Unseen threads are modified.
	assert.True(t, s.IsThreadModified("g", thread(100, 10)))

	// Same last_modified: unchanged.
	assert.False(t, s.IsThreadModified("g", thread(100, 10)))

	// Moved last_modified: modified, cache updated.
	assert.True(t, s.IsThreadModified("g", thread(100, 20)))
	assert.False(t, s.IsThreadModified("g", thread(100, 20)))
}

func TestSeedThread(t *testing.T) {
	s := newTestState(t)
	s.SeedThread("g", thread(100, 10))

	// Seeding primes the cache without a comparison; the same value then
	// reads as unmodified.
	assert.False(t, s.IsThreadModified("g", thread(100, 10)))
}

func TestPruneThreadCacheBound(t *testing.T) {
	s := newTestState(t)
	for i := range 300 {
		s.IsThreadModified("g", thread(int64(1000+i), int64(i+1)))
	}
	s.PruneThreadCache("g")

	count := len(s.threadCache["g"])
	assert.LessOrEqual(t, count, perBoardLimit)
	// The oldest timestamps go first; the newest survive.
	_, newest := s.threadCache["g"][1299]
	assert.True(t, newest)
	_, oldest := s.threadCache["g"][1000]
	assert.False(t, oldest)
}

func TestThreadStatsBound(t *testing.T) {
	s := newTestState(t)
	for i := range 300 {
		s.SetThreadStats("g", int64(1000+i), ThreadStats{
			Replies:           i,
			MostRecentReplyNo: int64(5000 + i),
		})
	}
	assert.LessOrEqual(t, len(s.threadStats["g"]), perBoardLimit)

	// Lowest most-recent-reply numbers were dropped.
	assert.Nil(t, s.ThreadStatsFor("g", 1000))
	assert.NotNil(t, s.ThreadStatsFor("g", 1299))
}

func TestThreadMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.DiscardHandler)

	s := New(dir, log)
	s.UpdateThreadMeta("g", map[int64]int{100: 3}, map[int64]*chanapi.Thread{
		100: thread(100, 1717755968),
	})
	require.NoError(t, s.Save())

	reloaded := New(dir, log)
	meta := reloaded.ThreadMetaFor("g", 100)
	require.NotNil(t, meta)
	assert.Equal(t, 3, meta.Page)
	assert.Equal(t, int64(1717755968), meta.BumpTime)
}

func TestRemoveThreadMeta(t *testing.T) {
	s := newTestState(t)
	s.UpdateThreadMeta("g", map[int64]int{100: 1}, map[int64]*chanapi.Thread{100: thread(100, 5)})
	require.NotNil(t, s.ThreadMetaFor("g", 100))

	s.RemoveThreadMeta("g", 100)
	assert.Nil(t, s.ThreadMetaFor("g", 100))
}

func TestHTTPCacheBound(t *testing.T) {
	s := newTestState(t)
	for i := range 600 {
		s.SetHTTPLastModified(fmt.Sprintf("https://example.com/%d", i), "Wed, 01 Jan 2025 00:00:00 GMT")
	}
	assert.LessOrEqual(t, len(s.httpCache), httpCacheLimit)

	// Insertion-oldest entries were evicted; the newest survive.
	assert.Empty(t, s.HTTPLastModified("https://example.com/0"))
	assert.NotEmpty(t, s.HTTPLastModified("https://example.com/599"))
}

func TestHTTPCacheDeleteOnEmpty(t *testing.T) {
	s := newTestState(t)
	s.SetHTTPLastModified("u", "v")
	assert.Equal(t, "v", s.HTTPLastModified("u"))
	s.SetHTTPLastModified("u", "")
	assert.Empty(t, s.HTTPLastModified("u"))
}

func TestSaveLoadAllCaches(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.DiscardHandler)

	s := New(dir, log)
	s.IsThreadModified("g", thread(100, 10))
	s.SetThreadStats("g", 100, ThreadStats{Replies: 5, Images: 1, MostRecentReplyNo: 900})
	s.SetHTTPLastModified("https://a.example/catalog.json", "Thu, 02 Jan 2025 00:00:00 GMT")
	require.NoError(t, s.Save())

	r := New(dir, log)
	assert.False(t, r.IsThreadModified("g", thread(100, 10)), "cache survived reload")
	st := r.ThreadStatsFor("g", 100)
	require.NotNil(t, st)
	assert.Equal(t, int64(900), st.MostRecentReplyNo)
	assert.Equal(t, "Thu, 02 Jan 2025 00:00:00 GMT", r.HTTPLastModified("https://a.example/catalog.json"))
}
