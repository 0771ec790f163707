package media

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/ritual/internal/chanapi"
	"github.com/steveyegge/ritual/internal/config"
	"github.com/steveyegge/ritual/internal/fetch"
	"github.com/steveyegge/ritual/internal/storage"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestPathLayout(t *testing.T) {
	p, err := Path("/media", "g", FullMedia, "1717755968123.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/media", "g", "image", "1717", "55", "1717755968123.jpg"), p)

	p, err = Path("/media", "g", Thumbnail, "1717755968123s.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/media", "g", "thumb", "1717", "55", "1717755968123s.jpg"), p)
}

func TestPathRejectsShortNames(t *testing.T) {
	_, err := Path("/media", "g", FullMedia, "a.js")
	assert.Error(t, err)
}

func md5b64(body []byte) string {
	sum := md5.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func filePost(no, tid, tim int64, body []byte) chanapi.Post {
	resto := tid
	if no == tid {
		resto = 0
	}
	return chanapi.Post{
		No:    no,
		Resto: resto,
		Time:  1717755000,
		Tim:   tim,
		Ext:   ".jpg",
		MD5:   md5b64(body),
		Fsize: int64(len(body)),
	}
}

type fixture struct {
	cfg   *config.Config
	board *config.Board
	store *storage.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(config.DBConfig{Type: "sqlite", SQLitePath: ":memory:"}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureBoards(context.Background(), []string{"g"}))

	return &fixture{
		cfg: &config.Config{
			MediaSavePath:      t.TempDir(),
			SkipDuplicateFiles: true,
		},
		board: &config.Board{
			Name:       "g",
			DlFmThread: config.BoolRule(true),
			DlThThread: config.BoolRule(true),
		},
		store: store,
	}
}

func (f *fixture) planner(t *testing.T) *Planner {
	t.Helper()
	p, err := NewPlanner(f.cfg, f.board, f.store, testLogger())
	require.NoError(t, err)
	return p
}

func opThread(tid int64) map[int64]*chanapi.Thread {
	return map[int64]*chanapi.Thread{
		tid: {Post: chanapi.Post{No: tid, Time: 1717755000}},
	}
}

func TestPlanThreadWideRules(t *testing.T) {
	f := newFixture(t)
	body := []byte("image-bytes")
	post := filePost(100, 100, 1717755968123, body)

	items, err := f.planner(t).Plan(context.Background(),
		map[int64][]chanapi.Post{100: {post}}, opThread(100))
	require.NoError(t, err)
	require.Len(t, items, 2, "full media and thumbnail both planned")

	classes := map[Class]bool{}
	for _, it := range items {
		classes[it.Class] = true
	}
	assert.True(t, classes[FullMedia])
	assert.True(t, classes[Thumbnail])
}

func TestPlanRuleOff(t *testing.T) {
	f := newFixture(t)
	f.board.DlFmThread = config.BoolRule(false)
	f.board.DlThThread = config.BoolRule(false)
	post := filePost(100, 100, 1717755968123, []byte("x"))

	items, err := f.planner(t).Plan(context.Background(),
		map[int64][]chanapi.Post{100: {post}}, opThread(100))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPlanPatternRulePerPost(t *testing.T) {
	f := newFixture(t)
	f.board.DlFmThread = config.Rule{}
	f.board.DlThThread = config.Rule{}
	f.board.DlFmPost = config.PatternRule(".*origami.*")

	match := filePost(101, 100, 1717755968123, []byte("a"))
	match.Com = "nice origami crane"
	miss := filePost(102, 100, 1717755968456, []byte("b"))
	miss.Com = "unrelated"

	items, err := f.planner(t).Plan(context.Background(),
		map[int64][]chanapi.Post{100: {match, miss}}, opThread(100))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(101), items[0].Post.No)
	assert.Equal(t, FullMedia, items[0].Class)
}

func TestPlanSkipsBannedHash(t *testing.T) {
	f := newFixture(t)
	f.board.DlThThread = config.Rule{}
	body := []byte("banned-bytes")
	post := filePost(100, 100, 1717755968123, body)

	require.NoError(t, execStore(f.store,
		"INSERT INTO `g_images` (media_hash, total, banned) VALUES (?, 0, 1)", post.MD5))

	items, err := f.planner(t).Plan(context.Background(),
		map[int64][]chanapi.Post{100: {post}}, opThread(100))
	require.NoError(t, err)
	assert.Empty(t, items, "banned hashes never download")
}

func TestPlanSkipsExistingFile(t *testing.T) {
	f := newFixture(t)
	f.board.DlThThread = config.Rule{}
	post := filePost(100, 100, 1717755968123, []byte("x"))

	target, err := Path(f.cfg.MediaSavePath, "g", FullMedia, "1717755968123.jpg")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o775))
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	items, err := f.planner(t).Plan(context.Background(),
		map[int64][]chanapi.Post{100: {post}}, opThread(100))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPlanDedupByHash(t *testing.T) {
	f := newFixture(t)
	f.board.DlThThread = config.Rule{}
	body := []byte("shared-bytes")

	// Two posts share the hash; the first one's file is already stored under
	// its own name and recorded in the images table.
	first := filePost(101, 100, 1111755968123, body)
	second := filePost(102, 100, 2222755968123, body)

	stored, err := Path(f.cfg.MediaSavePath, "g", FullMedia, "1111755968123.jpg")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(stored), 0o775))
	require.NoError(t, os.WriteFile(stored, body, 0o644))
	require.NoError(t, execStore(f.store,
		"INSERT INTO `g_images` (media_hash, media, total, banned) VALUES (?, ?, 1, 0)",
		first.MD5, "1111755968123.jpg"))

	items, err := f.planner(t).Plan(context.Background(),
		map[int64][]chanapi.Post{100: {second}}, opThread(100))
	require.NoError(t, err)
	assert.Empty(t, items, "identical hash on disk under a different name skips the download")
}

func TestPlanDedupOffStillDownloads(t *testing.T) {
	f := newFixture(t)
	f.board.DlThThread = config.Rule{}
	f.cfg.SkipDuplicateFiles = false
	body := []byte("shared-bytes")

	first := filePost(101, 100, 1111755968123, body)
	second := filePost(102, 100, 2222755968123, body)

	stored, err := Path(f.cfg.MediaSavePath, "g", FullMedia, "1111755968123.jpg")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(stored), 0o775))
	require.NoError(t, os.WriteFile(stored, body, 0o644))
	require.NoError(t, execStore(f.store,
		"INSERT INTO `g_images` (media_hash, media, total, banned) VALUES (?, ?, 1, 0)",
		first.MD5, "1111755968123.jpg"))

	items, err := f.planner(t).Plan(context.Background(),
		map[int64][]chanapi.Post{100: {second}}, opThread(100))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestPlanMakeThumbnailsSuppressesThumbDownloads(t *testing.T) {
	f := newFixture(t)
	f.cfg.MakeThumbnails = true
	post := filePost(100, 100, 1717755968123, []byte("x"))

	items, err := f.planner(t).Plan(context.Background(),
		map[int64][]chanapi.Post{100: {post}}, opThread(100))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, FullMedia, items[0].Class)
}

// --- downloader -----------------------------------------------------------

func newDownloader(f *fixture, srvURL string) *Downloader {
	f.cfg.Endpoints = config.Endpoints{
		FullMedia: srvURL + "/{board}/{tim}{ext}",
		Thumbnail: srvURL + "/{board}/{tim}s.jpg",
	}
	return &Downloader{
		Cfg:    f.cfg,
		Board:  f.board,
		Client: fetch.New(nil, testLogger(), fetch.Options{}),
		Store:  f.store,
		Log:    testLogger(),
	}
}

func TestDownloadVerifiedAndRecorded(t *testing.T) {
	f := newFixture(t)
	body := []byte("image-bytes")
	post := filePost(100, 100, 1717755968123, body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	d := newDownloader(f, srv.URL)
	got := d.Run(context.Background(), []Item{{Post: post, Class: FullMedia}})
	assert.Equal(t, 1, got)

	target, err := Path(f.cfg.MediaSavePath, "g", FullMedia, "1717755968123.jpg")
	require.NoError(t, err)
	onDisk, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, onDisk)

	info, err := f.store.MediaHashInfo(context.Background(), "g", []string{post.MD5})
	require.NoError(t, err)
	require.Contains(t, info, post.MD5)
	assert.Equal(t, "1717755968123.jpg", info[post.MD5].Media)
}

func TestDownloadMD5MismatchRejected(t *testing.T) {
	f := newFixture(t)
	post := filePost(100, 100, 1717755968123, []byte("expected-bytes"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	d := newDownloader(f, srv.URL)
	got := d.Run(context.Background(), []Item{{Post: post, Class: FullMedia}})
	assert.Equal(t, 0, got)

	target, _ := Path(f.cfg.MediaSavePath, "g", FullMedia, "1717755968123.jpg")
	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err), "nothing written on mismatch")
}

func TestDownloadMD5MismatchAllowedByPolicy(t *testing.T) {
	f := newFixture(t)
	f.cfg.DownloadMismatchedMD5 = true
	post := filePost(100, 100, 1717755968123, []byte("expected-bytes"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("expected-butXX"))
	}))
	defer srv.Close()

	d := newDownloader(f, srv.URL)
	got := d.Run(context.Background(), []Item{{Post: post, Class: FullMedia}})
	assert.Equal(t, 1, got)
}

func TestDownloadOversizedBodyRejected(t *testing.T) {
	f := newFixture(t)
	post := filePost(100, 100, 1717755968123, []byte("tiny"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("way more bytes than expected"))
	}))
	defer srv.Close()

	d := newDownloader(f, srv.URL)
	got := d.Run(context.Background(), []Item{{Post: post, Class: FullMedia}})
	assert.Equal(t, 0, got)
}

func TestDownloadEmptyBodyRejected(t *testing.T) {
	f := newFixture(t)
	post := filePost(100, 100, 1717755968123, []byte("abc"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newDownloader(f, srv.URL)
	got := d.Run(context.Background(), []Item{{Post: post, Class: FullMedia}})
	assert.Equal(t, 0, got)
}

func TestDownloadThumbnailSkipsVerification(t *testing.T) {
	f := newFixture(t)
	post := filePost(100, 100, 1717755968123, []byte("full-media-bytes"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("any thumb bytes"))
	}))
	defer srv.Close()

	d := newDownloader(f, srv.URL)
	got := d.Run(context.Background(), []Item{{Post: post, Class: Thumbnail}})
	assert.Equal(t, 1, got)

	info, err := f.store.MediaHashInfo(context.Background(), "g", []string{post.MD5})
	require.NoError(t, err)
	assert.NotContains(t, info, post.MD5, "thumbnails do not touch the images table")
}

// execStore is a small escape hatch for seeding rows in tests.
func execStore(db *storage.DB, query string, args ...any) error {
	return db.Exec(context.Background(), query, args...)
}
