package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xtxerr/vigil/internal/errors"
)

// DefaultWatchDebounce collapses the burst of events an editor or a
// certificate rotation tool produces into one reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher watches credential files and calls Reload after they change.
//
// Parent directories are watched rather than the files themselves so that
// files replaced by rename are still noticed.
type Watcher struct {
	files    map[string]bool
	dirs     []string
	debounce time.Duration
	reload   func()

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for files. reload runs on its own
// goroutine after changes settle.
func NewWatcher(files []string, debounce time.Duration, reload func()) (*Watcher, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to watch: %w", errors.ErrConfiguration)
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	w := &Watcher{
		files:    make(map[string]bool, len(files)),
		debounce: debounce,
		reload:   reload,
	}
	seen := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %v: %w", f, err, errors.ErrIO)
		}
		w.files[abs] = true
		dir := filepath.Dir(abs)
		if !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	return w, nil
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %v: %w", err, errors.ErrIO)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %v: %w", dir, err, errors.ErrIO)
		}
	}
	log.Info("watching credential files", "files", len(w.files), "dirs", len(w.dirs))

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.files[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			log.Debug("credential file changed", "file", ev.Name, "op", ev.Op.String())
			w.schedule()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
