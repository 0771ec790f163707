package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/ritual/internal/asagi"
	"github.com/steveyegge/ritual/internal/config"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(config.DBConfig{Type: "sqlite", SQLitePath: ":memory:"}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureBoards(context.Background(), []string{"po"}))
	return db
}

func strp(s string) *string { return &s }

func postRow(num, tid int64) asagi.PostRow {
	op := 0
	if num == tid {
		op = 1
	}
	return asagi.PostRow{
		PosterIP:  "0",
		Num:       num,
		ThreadNum: tid,
		OP:        op,
		Timestamp: time.Now().Unix(),
		Capcode:   "N",
	}
}

func threadRow(tid int64) *asagi.ThreadRow {
	return &asagi.ThreadRow{ThreadNum: tid, TimeOp: 1717755000, TimeLast: 1717755100, TimeBump: 1717755100, NReplies: 1}
}

func TestEnsureBoardsIdempotent(t *testing.T) {
	db := newTestDB(t)
	// A second call must not fail or recreate anything.
	require.NoError(t, db.EnsureBoards(context.Background(), []string{"po"}))
}

func TestEnsureBoardsRejectsBadName(t *testing.T) {
	db := newTestDB(t)
	assert.Error(t, db.EnsureBoards(context.Background(), []string{"po; drop table"}))
}

func TestWriteThreadAndExistingPostIDs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	posts := []asagi.PostRow{postRow(100, 100), postRow(101, 100), postRow(102, 100)}
	require.NoError(t, db.WriteThread(ctx, "po", posts, threadRow(100)))

	existing, err := db.ExistingPostIDs(ctx, "po", []int64{100})
	require.NoError(t, err)
	require.Contains(t, existing, int64(100))
	assert.Len(t, existing[100], 3)
}

func TestWriteThreadUpsertIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	row := postRow(100, 100)
	row.Comment = strp("first")
	require.NoError(t, db.WriteThread(ctx, "po", []asagi.PostRow{row}, threadRow(100)))

	row.Comment = strp("second")
	require.NoError(t, db.WriteThread(ctx, "po", []asagi.PostRow{row}, threadRow(100)))

	var count int
	var comment string
	require.NoError(t, db.db.QueryRow("SELECT COUNT(*) FROM `po` WHERE num = 100").Scan(&count))
	require.NoError(t, db.db.QueryRow("SELECT comment FROM `po` WHERE num = 100").Scan(&comment))
	assert.Equal(t, 1, count, "upsert never duplicates (num, subnum)")
	assert.Equal(t, "second", comment, "conflict overwrites columns from the new row")
}

func TestWriteThreadLargeBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Cross the batch boundary.
	posts := make([]asagi.PostRow, 0, 1100)
	posts = append(posts, postRow(100, 100))
	for i := int64(1); i < 1100; i++ {
		posts = append(posts, postRow(100+i, 100))
	}
	require.NoError(t, db.WriteThread(ctx, "po", posts, threadRow(100)))

	var count int
	require.NoError(t, db.db.QueryRow("SELECT COUNT(*) FROM `po` WHERE thread_num = 100").Scan(&count))
	assert.Equal(t, 1100, count)
}

func TestMarkPostsDeleted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WriteThread(ctx, "po", []asagi.PostRow{postRow(100, 100), postRow(101, 100)}, nil))
	require.NoError(t, db.MarkPostsDeleted(ctx, "po", []int64{101}))

	var deleted int
	require.NoError(t, db.db.QueryRow("SELECT deleted FROM `po` WHERE num = 101").Scan(&deleted))
	assert.Equal(t, 1, deleted)
	require.NoError(t, db.db.QueryRow("SELECT deleted FROM `po` WHERE num = 100").Scan(&deleted))
	assert.Equal(t, 0, deleted)
}

func TestMarkThreadsArchivedTouchesOnlyOP(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WriteThread(ctx, "po", []asagi.PostRow{postRow(100, 100), postRow(101, 100)}, nil))
	require.NoError(t, db.MarkThreadsArchived(ctx, "po", []int64{100, 101}))

	var locked int
	require.NoError(t, db.db.QueryRow("SELECT locked FROM `po` WHERE num = 100").Scan(&locked))
	assert.Equal(t, 1, locked, "OP row is flagged")
	require.NoError(t, db.db.QueryRow("SELECT locked FROM `po` WHERE num = 101").Scan(&locked))
	assert.Equal(t, 0, locked, "reply rows are not OPs and stay untouched")
}

func TestRecentlyActiveThreads(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	fresh := postRow(100, 100)
	fresh.Timestamp = now.Add(-10 * time.Minute).Unix()
	stale := postRow(200, 200)
	stale.Timestamp = now.Add(-2 * time.Hour).Unix()
	reply := postRow(101, 100)
	reply.Timestamp = now.Unix()
	require.NoError(t, db.WriteThread(ctx, "po", []asagi.PostRow{fresh, stale, reply}, nil))

	active, err := db.RecentlyActiveThreads(ctx, "po", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Contains(t, active, int64(100))
	assert.NotContains(t, active, int64(200), "outside the window")
}

func TestRecentlyActiveSkipsDeletedAndLocked(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	a := postRow(100, 100)
	a.Timestamp = now.Unix()
	b := postRow(200, 200)
	b.Timestamp = now.Unix()
	require.NoError(t, db.WriteThread(ctx, "po", []asagi.PostRow{a, b}, nil))
	require.NoError(t, db.MarkThreadsDeleted(ctx, "po", []int64{100}))
	require.NoError(t, db.MarkThreadsArchived(ctx, "po", []int64{200}))

	active, err := db.RecentlyActiveThreads(ctx, "po", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUpsertImageTotals(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hash := "1B2M2Y8AsgTpgAmY7PhCfg=="

	require.NoError(t, db.UpsertImage(ctx, "po", asagi.ImageRow{MediaHash: hash, Media: strp("111.jpg")}))
	require.NoError(t, db.UpsertImage(ctx, "po", asagi.ImageRow{MediaHash: hash, Media: strp("222.jpg")}))

	info, err := db.MediaHashInfo(ctx, "po", []string{hash})
	require.NoError(t, err)
	require.Contains(t, info, hash)
	assert.Equal(t, "111.jpg", info[hash].Media, "first stored filename wins")
	assert.False(t, info[hash].Banned)

	var total int
	require.NoError(t, db.db.QueryRow("SELECT total FROM `po_images` WHERE media_hash = ?", hash).Scan(&total))
	assert.Equal(t, 2, total)
}

func TestMediaHashInfoBanned(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hash := "bannedbannedbannedbanned"

	_, err := db.db.Exec("INSERT INTO `po_images` (media_hash, total, banned) VALUES (?, 0, 1)", hash)
	require.NoError(t, err)

	info, err := db.MediaHashInfo(ctx, "po", []string{hash})
	require.NoError(t, err)
	require.Contains(t, info, hash)
	assert.True(t, info[hash].Banned)
}

func TestThreadStatsUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WriteThread(ctx, "po", nil, threadRow(100)))
	updated := threadRow(100)
	updated.NReplies = 9
	require.NoError(t, db.WriteThread(ctx, "po", nil, updated))

	var count, nreplies int
	require.NoError(t, db.db.QueryRow("SELECT COUNT(*) FROM `po_threads`").Scan(&count))
	require.NoError(t, db.db.QueryRow("SELECT nreplies FROM `po_threads` WHERE thread_num = 100").Scan(&nreplies))
	assert.Equal(t, 1, count)
	assert.Equal(t, 9, nreplies)
}

func TestMySQLDialectSQL(t *testing.T) {
	d := mysqlDialect{}
	clause := d.UpsertClause("num, subnum", []string{"comment", "deleted"})
	assert.Equal(t, "ON DUPLICATE KEY UPDATE comment=VALUES(comment), deleted=VALUES(deleted)", clause)
	assert.Contains(t, upsertImageClause(d), "VALUES(media)")

	ddl := d.CreateBoardSQL("po")
	require.NotEmpty(t, ddl)
	assert.Contains(t, ddl[0], "AUTO_INCREMENT")
	assert.Contains(t, ddl[0], "INDEX thread_num_idx")
}

func TestSQLiteDialectSQL(t *testing.T) {
	d := sqliteDialect{}
	clause := d.UpsertClause("num, subnum", []string{"comment"})
	assert.Equal(t, "ON CONFLICT(num, subnum) DO UPDATE SET comment=excluded.comment", clause)
	assert.Contains(t, upsertImageClause(d), "excluded.media")
}
