package tracker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher turns raw filesystem events under the tool root into debounced
// refresh triggers. fsnotify does not watch recursively, so the root and
// every tool directory are registered individually and newly created
// directories are picked up from create events.
type Watcher struct {
	logger   *zap.Logger
	root     string
	debounce time.Duration
	onChange func(context.Context)
}

type WatcherOptions struct {
	Root     string
	Debounce time.Duration
	Logger   *zap.Logger
	OnChange func(context.Context)
}

func NewWatcher(opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		logger:   logger.Named("watcher"),
		root:     opts.Root,
		debounce: debounce,
		onChange: opts.OnChange,
	}
}

// Run blocks until ctx is done, invoking the change callback after each
// settled burst of filesystem events.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.root); err != nil {
		return err
	}
	w.addToolDirs(watcher)

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("tool watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if event.Op.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						w.logger.Warn("tool watcher add failed",
							zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			if w.onChange != nil {
				w.onChange(ctx)
			}
		}
	}
}

func (w *Watcher) addToolDirs(watcher *fsnotify.Watcher) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Warn("tool watcher list failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(w.root, entry.Name())
		if err := watcher.Add(path); err != nil {
			w.logger.Warn("tool watcher add failed", zap.String("path", path), zap.Error(err))
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
