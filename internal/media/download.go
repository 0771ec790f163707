package media

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/steveyegge/ritual/internal/asagi"
	"github.com/steveyegge/ritual/internal/config"
	"github.com/steveyegge/ritual/internal/fetch"
	"github.com/steveyegge/ritual/internal/storage"
)

// retryLadder paces repeat attempts after the first per-class cooldown; the
// remote gets progressively more breathing room.
var retryLadder = []time.Duration{4 * time.Second, 6 * time.Second, 10 * time.Second}

// Downloader fetches planned items with size and MD5 verification, writes
// them atomically into the content-addressable tree, and records completed
// full-media downloads in the images table.
type Downloader struct {
	Cfg    *config.Config
	Board  *config.Board
	Client *fetch.Client
	Store  *storage.DB
	Log    *slog.Logger
}

// Run downloads every planned item. Individual failures are logged and
// skipped; the loop retries them next time around.
func (d *Downloader) Run(ctx context.Context, items []Item) (downloaded int) {
	for _, item := range items {
		if ctx.Err() != nil {
			return downloaded
		}
		ok, err := d.download(ctx, item)
		if err != nil {
			d.Log.Warn("Media download failed",
				"board", d.Board.Name, "post", item.Post.No, "class", string(item.Class), "error", err)
			continue
		}
		if ok {
			downloaded++
		}
	}
	return downloaded
}

func (d *Downloader) download(ctx context.Context, item Item) (bool, error) {
	post := &item.Post
	board := d.Board.Name

	var filename, url string
	var expectedSize int64
	var expectedMD5 string
	if item.Class == FullMedia {
		filename = asagi.FullMediaName(post)
		url = d.Cfg.Endpoints.FullMediaURL(board, post.Tim, post.Ext)
		expectedSize = post.Fsize
		expectedMD5 = post.MD5
	} else {
		filename = asagi.ThumbName(post)
		url = d.Cfg.Endpoints.ThumbnailURL(board, post.Tim)
	}
	url += d.Client.CacheBuster()

	target, err := Path(d.Cfg.MediaSavePath, board, item.Class, filename)
	if err != nil {
		return false, err
	}
	if fileExists(target) {
		return false, nil
	}

	body, err := d.fetchBody(ctx, url, d.classCooldown(item), expectedSize, expectedMD5)
	if err != nil {
		return false, err
	}

	if err := writeFileAtomic(target, body); err != nil {
		// The file is skipped and no image row is written; a later loop
		// reschedules it.
		return false, err
	}

	d.Log.Info("Downloaded media", "board", board, "class", string(item.Class), "path", target)

	if item.Class == FullMedia && post.MD5 != "" {
		row := asagi.BuildImageRow(post, post.IsOP())
		if err := d.Store.UpsertImage(ctx, board, row); err != nil {
			return true, err
		}
	}
	return true, nil
}

// fetchBody GETs the media URL with the per-class pacing and the escalating
// retry ladder, verifying length and MD5 before accepting the body.
func (d *Downloader) fetchBody(ctx context.Context, url string, cooldown time.Duration, expectedSize int64, expectedMD5 string) ([]byte, error) {
	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		status, b, err := d.Client.Get(ctx, url)

		// Pace after every attempt, success included; later attempts climb
		// the ladder.
		pause := cooldown
		if attempt-1 < len(retryLadder) && attempt > 1 {
			pause = retryLadder[attempt-2]
		}
		fetch.Sleep(ctx, pause)

		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("status %d", status)
		}
		if len(b) == 0 {
			return fmt.Errorf("empty body")
		}
		if expectedSize > 0 && int64(len(b)) > expectedSize {
			return backoff.Permanent(fmt.Errorf("body %d bytes exceeds expected %d", len(b), expectedSize))
		}
		if expectedMD5 != "" {
			sum := md5.Sum(b)
			got := base64.StdEncoding.EncodeToString(sum[:])
			if got != expectedMD5 && !d.Cfg.DownloadMismatchedMD5 {
				return backoff.Permanent(fmt.Errorf("md5 mismatch: got %s want %s", got, expectedMD5))
			}
		}
		body = b
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(len(retryLadder))), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// classCooldown picks the pacing class: full media by its extension,
// thumbnails always on the image cooldown.
func (d *Downloader) classCooldown(item Item) time.Duration {
	if item.Class == FullMedia && asagi.IsVideo(item.Post.Ext) {
		return time.Duration(d.Cfg.VideoCooldownSec * float64(time.Second))
	}
	return time.Duration(d.Cfg.ImageCooldownSec * float64(time.Second))
}

// writeFileAtomic creates the fan-out directories and writes via a sibling
// temp file plus rename, so a crash never leaves a torn media file.
func writeFileAtomic(target string, body []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".part*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

