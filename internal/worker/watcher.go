package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/hostlink/internal/logger"
)

const watchDebounce = 500 * time.Millisecond

// ExecutableWatcher restarts a worker connection whenever its executable
// changes on disk. Intended for development use.
type ExecutableWatcher struct {
	conn    *Connection
	path    string
	watcher *fsnotify.Watcher
	log     *logger.Logger
}

// WatchExecutable watches the directory containing path and reconnects conn
// when the executable is rewritten. Events are debounced so a build that
// touches the file several times restarts the worker once.
func WatchExecutable(conn *Connection, path string, log *logger.Logger) (*ExecutableWatcher, error) {
	if log == nil {
		log = logger.Global()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch path %q: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// watch the parent directory: editors and linkers replace the file,
	// which drops a watch placed on the file itself
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}

	ew := &ExecutableWatcher{
		conn:    conn,
		path:    abs,
		watcher: w,
		log:     log.WithPrefix("watch"),
	}
	return ew, nil
}

// Run processes filesystem events until ctx is cancelled or the watcher
// closes.
func (ew *ExecutableWatcher) Run(ctx context.Context) error {
	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-ew.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != ew.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				fire = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}

		case <-fire:
			debounce = nil
			fire = nil
			ew.log.Info("worker executable changed, restarting %s", ew.conn.opts.DisplayName)
			if err := ew.conn.connect(ctx); err != nil {
				ew.log.Error("failed to restart worker after executable change: %v", err)
			}

		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return nil
			}
			ew.log.Warn("watcher error: %v", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the watcher
func (ew *ExecutableWatcher) Close() error {
	return ew.watcher.Close()
}
