package config

import (
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file and raises a flag when it changes. The
// scrape loop polls the flag at loop boundaries and reloads board rules, so a
// rule edit never lands mid-board.
//
// Watching the parent directory instead of the file itself survives the
// write-temp-then-rename dance most editors do.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	dirty   atomic.Bool
	done    chan struct{}
}

// NewWatcher starts watching the config file at path.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fw, done: make(chan struct{})}
	go w.run(log)
	return w, nil
}

func (w *Watcher) run(log *slog.Logger) {
	defer close(w.done)
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				log.Info("Config file changed, board rules reload at next loop", "path", w.path)
				w.dirty.Store(true)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Config watcher error", "error", err)
		}
	}
}

// Dirty reports and clears the change flag.
func (w *Watcher) Dirty() bool {
	return w.dirty.Swap(false)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
