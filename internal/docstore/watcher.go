package docstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the database file and its WAL and journal files for changes
// made by other processes, and re-publishes every subscribed owner after a
// short quiet period. It returns when ctx is cancelled.
func (s *SQLite) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		return err
	}
	watched := map[string]struct{}{
		abs:              {},
		abs + "-wal":     {},
		abs + "-journal": {},
	}

	s.logger.Info("docstore: watcher started", slog.String("path", abs))

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	schedule := func() {
		if debounce == nil {
			debounce = time.NewTimer(200 * time.Millisecond)
			debounceCh = debounce.C
		} else {
			debounce.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			s.logger.Info("docstore: watcher stopped")
			return nil

		case <-debounceCh:
			s.logger.Debug("docstore: external change, republishing")
			s.feed.publishAll()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if _, ok := watched[ev.Name]; !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("docstore: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
