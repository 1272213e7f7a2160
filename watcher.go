package watchdog

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// BinaryWatcher reports filesystem changes to the monitored executable, so an
// operator repairing or updating the install can see it was noticed. It does
// not influence launch timing.
type BinaryWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	metrics *Metrics

	// onEvent is a test hook, called after each handled event.
	onEvent func(fsnotify.Event)
}

// NewBinaryWatcher watches the directory holding path. The directory is
// watched rather than the file so that a missing executable being created is
// observed.
func NewBinaryWatcher(path string, logger *slog.Logger, metrics *Metrics) (*BinaryWatcher, error) {
	if logger == nil {
		logger = discardLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	logger.Info("Watching monitored executable directory", "dir", dir)
	return &BinaryWatcher{path: filepath.Clean(path), watcher: w, logger: logger, metrics: metrics}, nil
}

// Run handles events until ctx is cancelled, then closes the watcher.
func (b *BinaryWatcher) Run(ctx context.Context) {
	defer b.watcher.Close()
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handle(event)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Error("Watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (b *BinaryWatcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != b.path {
		return
	}
	var op string
	switch {
	case event.Has(fsnotify.Create):
		op = "create"
		b.logger.Info("Monitored executable appeared", "path", event.Name)
	case event.Has(fsnotify.Write):
		op = "write"
		b.logger.Info("Monitored executable updated", "path", event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = "remove"
		b.logger.Warn("Monitored executable removed", "path", event.Name)
	default:
		return
	}
	b.metrics.binaryEvent(op)
	if b.onEvent != nil {
		b.onEvent(event)
	}
}
