package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultSettle is how long a file must stay unchanged before it is reported.
const DefaultSettle = 200 * time.Millisecond

type WatchDogFactory struct {
	logger *zap.Logger
	settle time.Duration
}

// Filter accepts the paths worth reporting.
type Filter func(path string) bool

// WatchDog reports files created or rewritten in its directories once they
// have settled, so a reader never sees a half written file.
type WatchDog struct {
	watchCtx   context.Context
	notifyChan chan<- string
	accept     Filter
	settle     time.Duration
	logger     *zap.Logger

	watcher *fsnotify.Watcher
	// path -> time of the last change not yet reported
	pending map[string]time.Time
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{
		logger: logger.Named("watchdog"),
		settle: DefaultSettle,
	}
}

// WithSettle returns a factory whose watchdogs wait d of quiet before
// reporting a file.
func (w *WatchDogFactory) WithSettle(d time.Duration) *WatchDogFactory {
	return &WatchDogFactory{logger: w.logger, settle: d}
}

// New starts a watchdog.
//
// - `watchCtx` controls the lifecycle of the watchdog. notifyChan is closed once it is done.
//
// - `notifyChan` receives the path of every settled file.
//
// - `accept` filters the paths. A nil filter accepts everything.
func (w *WatchDogFactory) New(watchCtx context.Context, notifyChan chan<- string, accept Filter) (*WatchDog, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	watchDog := &WatchDog{
		watchCtx:   watchCtx,
		notifyChan: notifyChan,
		accept:     accept,
		settle:     w.settle,
		logger:     w.logger,
		watcher:    watcher,
		pending:    make(map[string]time.Time),
	}

	go watchDog.watch()

	return watchDog, nil
}

// AddDir adds a directory to the watch list.
func (w *WatchDog) AddDir(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of %s: %w", dir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", absDir)
	}
	if err := w.watcher.Add(absDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", absDir, err)
	}
	w.logger.Debug("Added directory to watch list", zap.String("dir", absDir))
	return nil
}

func (w *WatchDog) watch() {
	defer w.watcher.Close()
	defer close(w.notifyChan)

	ticker := time.NewTicker(max(w.settle/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-w.watchCtx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Debug("fsnotify channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Debug("fsnotify error channel closed")
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *WatchDog) handleEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if w.accept != nil && !w.accept(event.Name) {
			return
		}
		w.pending[event.Name] = time.Now()
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
	}
}

// flush reports the pending files that have been quiet for the settle period.
func (w *WatchDog) flush(now time.Time) {
	for path, changed := range w.pending {
		if now.Sub(changed) < w.settle {
			continue
		}
		delete(w.pending, path)
		select {
		case w.notifyChan <- path:
			w.logger.Debug("File settled", zap.String("file", path))
		case <-w.watchCtx.Done():
			return
		}
	}
}
