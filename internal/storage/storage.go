// Package storage is the persistence API over the Asagi relational layout:
// idempotent batched upserts to the per-board post/image/thread tables and
// the bulk deletion/archival flag updates. It owns the relational tables the
// same way the state store owns its caches; everything else holds borrowed
// views.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/ritual/internal/asagi"
	"github.com/steveyegge/ritual/internal/config"
)

// Batch and retry discipline for writes.
const (
	upsertBatchSize = 500
	writeRetryPause = 250 * time.Millisecond
	writeRetries    = 1
)

// postColumns is the column order for every post upsert; the PostRow arg
// builder must stay in sync.
var postColumns = []string{
	"media_id", "poster_ip", "num", "subnum", "thread_num", "op",
	"timestamp", "timestamp_expired", "preview_orig", "preview_w", "preview_h",
	"media_filename", "media_w", "media_h", "media_size", "media_hash",
	"media_orig", "spoiler", "deleted", "capcode", "email", "name", "trip",
	"title", "comment", "delpass", "sticky", "locked", "poster_hash",
	"poster_country", "exif",
}

var threadColumns = []string{
	"thread_num", "time_op", "time_last", "time_bump", "time_ghost",
	"time_ghost_bump", "time_last_modified", "nreplies", "nimages",
	"sticky", "locked",
}

// DB wraps the backend connection pool and its dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

// Open connects to the configured backend and verifies the connection.
func Open(cfg config.DBConfig, log *slog.Logger) (*DB, error) {
	switch cfg.Type {
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer keeps sqlite happy and keeps :memory: databases from
		// splitting across pool connections.
		db.SetMaxOpenConns(1)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return &DB{db: db, dialect: sqliteDialect{}, log: log}, nil

	case "mysql":
		mc := mysql.NewConfig()
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", cfg.MySQL.Host, cfg.MySQL.Port)
		mc.User = cfg.MySQL.User
		mc.Passwd = cfg.MySQL.Password
		mc.DBName = cfg.MySQL.Database
		mc.ParseTime = true
		db, err := sql.Open("mysql", mc.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		return &DB{db: db, dialect: mysqlDialect{}, log: log}, nil

	default:
		return nil, fmt.Errorf("unknown db type %q", cfg.Type)
	}
}

// Close releases the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// QueryRow runs an ad-hoc single-row query. Tests use this; the loop sticks
// to the typed methods.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Exec runs an ad-hoc statement. Same audience as QueryRow.
func (d *DB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := d.db.ExecContext(ctx, query, args...)
	return err
}

// EnsureBoards creates the table trio for each configured board that does
// not have one yet.
func (d *DB) EnsureBoards(ctx context.Context, boards []string) error {
	for _, board := range boards {
		if !ValidBoardName(board) {
			return errBoardName(board)
		}
		var probe int
		err := d.db.QueryRowContext(ctx, "SELECT 1 FROM "+quoteIdent(board)+" LIMIT 1").Scan(&probe)
		if err == nil || err == sql.ErrNoRows {
			d.log.Info("Tables already exist", "board", board)
			continue
		}
		d.log.Info("Creating tables", "board", board)
		for _, stmt := range d.dialect.CreateBoardSQL(board) {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create tables for %s: %w", board, err)
			}
		}
	}
	return nil
}

// ExistingPostIDs returns, for each requested thread, the post numbers
// already stored.
func (d *DB) ExistingPostIDs(ctx context.Context, board string, tids []int64) (map[int64]map[int64]struct{}, error) {
	result := make(map[int64]map[int64]struct{}, len(tids))
	if len(tids) == 0 {
		return result, nil
	}
	if !ValidBoardName(board) {
		return nil, errBoardName(board)
	}
	query := fmt.Sprintf("SELECT thread_num, num FROM %s WHERE thread_num IN (%s)",
		quoteIdent(board), placeholders(len(tids)))
	rows, err := d.db.QueryContext(ctx, query, int64Args(tids)...)
	if err != nil {
		return nil, fmt.Errorf("existing post ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tid, num int64
		if err := rows.Scan(&tid, &num); err != nil {
			return nil, err
		}
		set, ok := result[tid]
		if !ok {
			set = make(map[int64]struct{})
			result[tid] = set
		}
		set[num] = struct{}{}
	}
	return result, rows.Err()
}

// RecentlyActiveThreads returns the threads whose OP was stored within the
// window and is neither deleted nor locked. These join the tracked meta set
// to form the missing-thread candidates.
func (d *DB) RecentlyActiveThreads(ctx context.Context, board string, cutoff time.Time) (map[int64]struct{}, error) {
	if !ValidBoardName(board) {
		return nil, errBoardName(board)
	}
	query := fmt.Sprintf(
		"SELECT DISTINCT thread_num FROM %s WHERE thread_num = num AND deleted = 0 AND locked != 1 AND timestamp > ?",
		quoteIdent(board))
	rows, err := d.db.QueryContext(ctx, query, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("recently active threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]struct{})
	for rows.Next() {
		var tid int64
		if err := rows.Scan(&tid); err != nil {
			return nil, err
		}
		out[tid] = struct{}{}
	}
	return out, rows.Err()
}

// MediaInfo is what the media policy needs to know about a hash.
type MediaInfo struct {
	Media  string
	Banned bool
}

// MediaHashInfo looks up stored filename and banned flag for each hash.
func (d *DB) MediaHashInfo(ctx context.Context, board string, hashes []string) (map[string]MediaInfo, error) {
	out := make(map[string]MediaInfo, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	if !ValidBoardName(board) {
		return nil, errBoardName(board)
	}
	query := fmt.Sprintf("SELECT media_hash, media, banned FROM %s WHERE media_hash IN (%s)",
		quoteIdent(board+"_images"), placeholders(len(hashes)))
	rows, err := d.db.QueryContext(ctx, query, stringArgs(hashes)...)
	if err != nil {
		return nil, fmt.Errorf("media hash info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var hash string
		var media sql.NullString
		var banned int
		if err := rows.Scan(&hash, &media, &banned); err != nil {
			return nil, err
		}
		out[hash] = MediaInfo{Media: media.String, Banned: banned != 0}
	}
	return out, rows.Err()
}

// MarkPostsDeleted flags posts that vanished from a still-present thread.
func (d *DB) MarkPostsDeleted(ctx context.Context, board string, nums []int64) error {
	return d.flagByNum(ctx, board, "deleted = 1", "", nums)
}

// MarkThreadsDeleted flags moderator-removed threads on their OP row.
func (d *DB) MarkThreadsDeleted(ctx context.Context, board string, tids []int64) error {
	return d.flagByNum(ctx, board, "deleted = 1", "", tids)
}

// MarkThreadsArchived flags archived threads locked on their OP row.
func (d *DB) MarkThreadsArchived(ctx context.Context, board string, tids []int64) error {
	return d.flagByNum(ctx, board, "locked = 1", "AND thread_num = num", tids)
}

func (d *DB) flagByNum(ctx context.Context, board, set, extra string, nums []int64) error {
	if len(nums) == 0 {
		return nil
	}
	if !ValidBoardName(board) {
		return errBoardName(board)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE num IN (%s) %s",
		quoteIdent(board), set, placeholders(len(nums)), extra)
	return d.retryWrite(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query, int64Args(nums)...)
		return err
	})
}

// UpsertImage records a completed full-media download: insert-if-new with
// total=1, or bump total and keep the first stored filename.
func (d *DB) UpsertImage(ctx context.Context, board string, row asagi.ImageRow) error {
	if row.MediaHash == "" {
		return nil
	}
	if !ValidBoardName(board) {
		return errBoardName(board)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (media_hash, media, preview_op, preview_reply, total, banned) VALUES (?, ?, ?, ?, 1, 0) %s",
		quoteIdent(board+"_images"), upsertImageClause(d.dialect))
	return d.retryWrite(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query, row.MediaHash, row.Media, row.PreviewOp, row.PreviewReply)
		return err
	})
}

// WriteThread persists one thread's new posts and its stats row in a single
// transaction, batching post upserts at 500 rows. On failure the transaction
// rolls back, the write is retried once after a pause, and the second error
// propagates (aborting the board for this loop).
func (d *DB) WriteThread(ctx context.Context, board string, posts []asagi.PostRow, stats *asagi.ThreadRow) error {
	if len(posts) == 0 && stats == nil {
		return nil
	}
	if !ValidBoardName(board) {
		return errBoardName(board)
	}
	return d.retryWrite(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := d.writeThreadTx(ctx, tx, board, posts, stats); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (d *DB) writeThreadTx(ctx context.Context, tx *sql.Tx, board string, posts []asagi.PostRow, stats *asagi.ThreadRow) error {
	for start := 0; start < len(posts); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(posts))
		chunk := posts[start:end]

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
			quoteIdent(board),
			strings.Join(postColumns, ", "),
			rowPlaceholders(len(postColumns), len(chunk)),
			d.dialect.UpsertClause("num, subnum", postColumns))

		args := make([]any, 0, len(chunk)*len(postColumns))
		for i := range chunk {
			args = append(args, postArgs(&chunk[i])...)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert posts: %w", err)
		}
	}

	if stats != nil {
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
			quoteIdent(board+"_threads"),
			strings.Join(threadColumns, ", "),
			placeholders(len(threadColumns)),
			d.dialect.UpsertClause("thread_num", threadColumns[1:]))
		if _, err := tx.ExecContext(ctx, query,
			stats.ThreadNum, stats.TimeOp, stats.TimeLast, stats.TimeBump,
			stats.TimeGhost, stats.TimeGhostBump, stats.TimeLastModified,
			stats.NReplies, stats.NImages, stats.Sticky, stats.Locked,
		); err != nil {
			return fmt.Errorf("upsert thread stats: %w", err)
		}
	}
	return nil
}

func postArgs(r *asagi.PostRow) []any {
	return []any{
		r.MediaID, r.PosterIP, r.Num, r.Subnum, r.ThreadNum, r.OP,
		r.Timestamp, r.TimestampExpired, r.PreviewOrig, r.PreviewW, r.PreviewH,
		r.MediaFilename, r.MediaW, r.MediaH, r.MediaSize, r.MediaHash,
		r.MediaOrig, r.Spoiler, r.Deleted, r.Capcode, r.Email, r.Name, r.Trip,
		r.Title, r.Comment, r.Delpass, r.Sticky, r.Locked, r.PosterHash,
		r.PosterCountry, r.Exif,
	}
}

func (d *DB) retryWrite(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(writeRetryPause), writeRetries), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil && attempt <= writeRetries {
			d.log.Warn("DB write failed, retrying", "attempt", attempt, "error", err)
		}
		return err
	}, policy)
}
