package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.smars.dev/robot/logging"
)

// DefaultSettle is how long the file must stay quiet before it is re-read.
const DefaultSettle = 250 * time.Millisecond

// A Watcher re-reads a config file when it changes and hands every valid new version to a
// callback. Invalid versions are logged and skipped.
type Watcher struct {
	path     string
	settle   time.Duration
	onChange func(*Config)
	logger   logging.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	current *Config

	cancelCtx               context.Context
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewWatcher starts watching the file current was read from. The directory is watched rather
// than the file so that editors that save by renaming are noticed.
func NewWatcher(current *Config, settle time.Duration, onChange func(*Config), logger logging.Logger) (*Watcher, error) {
	if current == nil || current.ConfigFilePath == "" {
		return nil, errors.New("config was not read from a file")
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path, err := filepath.Abs(current.ConfigFilePath)
	if err != nil {
		return nil, multiClose(fsw, err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return nil, multiClose(fsw, errors.Wrapf(err, "cannot watch %q", path))
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     path,
		settle:   settle,
		onChange: onChange,
		logger:   logger,
		watcher:  fsw,
		current:  current,

		cancelCtx: cancelCtx,
		cancel:    cancel,
	}
	w.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		w.watch(cancelCtx)
	}, w.activeBackgroundWorkers.Done)
	return w, nil
}

func multiClose(fsw *fsnotify.Watcher, err error) error {
	return multierr.Combine(err, fsw.Close())
}

func (w *Watcher) watch(ctx context.Context) {
	debounced := debounce.New(w.settle)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounced(w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if w.cancelCtx.Err() != nil {
		return
	}
	next, err := Read(w.path, w.logger)
	if err != nil {
		w.logger.Warnw("ignoring invalid config change", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	prev := w.current
	next.ConfigFilePath = prev.ConfigFilePath
	if cmp.Equal(prev, next) {
		w.mu.Unlock()
		return
	}
	w.current = next
	w.mu.Unlock()

	w.logger.Infow("config changed", "path", w.path)
	w.logger.Debugw("config diff", "diff", cmp.Diff(prev, next))
	w.onChange(next)
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.activeBackgroundWorkers.Wait()
	return err
}
