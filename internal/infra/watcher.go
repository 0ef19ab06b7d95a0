package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DirWatcher calls a function when files with a given suffix appear or
// change in one directory. Bursts of events within the debounce window
// collapse into a single call.
type DirWatcher struct {
	dir      string
	suffix   string
	debounce time.Duration
	onChange func(ctx context.Context)
	logger   *zap.Logger
}

// NewDirWatcher creates a watcher for dir. onChange runs on the watcher's goroutine.
func NewDirWatcher(dir, suffix string, debounce time.Duration, onChange func(ctx context.Context), logger *zap.Logger) *DirWatcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &DirWatcher{
		dir:      dir,
		suffix:   suffix,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
}

// Run watches until ctx is canceled. It blocks.
func (w *DirWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create watched directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching directory", zap.String("dir", w.dir), zap.String("suffix", w.suffix))

	tick := time.NewTicker(w.debounce / 2)
	defer tick.Stop()

	var pending bool
	var last time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, w.suffix) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("watched file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			pending = true
			last = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-tick.C:
			if pending && time.Since(last) >= w.debounce {
				pending = false
				w.fire(ctx)
			}
		}
	}
}

func (w *DirWatcher) fire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch callback panic", zap.Any("panic", r))
		}
	}()
	w.onChange(ctx)
}
