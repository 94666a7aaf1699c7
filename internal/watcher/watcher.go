// Package watcher reloads configuration when a watched file changes on
// disk. Events are debounced so editors that write in several steps
// trigger a single reload.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher watches one file and invokes onChange after writes settle.
// The parent directory is watched, not the file itself, so the common
// editor save dance of write-to-temp plus rename is still observed.
type Watcher struct {
	log      *zap.Logger
	file     string
	debounce time.Duration
	onChange func(ctx context.Context) error

	mu     sync.Mutex
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watcher for file. A zero debounce selects the default.
func New(log *zap.Logger, file string, debounce time.Duration, onChange func(ctx context.Context) error) (*Watcher, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", file, err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{log: log, file: abs, debounce: debounce, onChange: onChange}, nil
}

// Start begins watching. It fails when the parent directory does not exist.
func (w *Watcher) Start() error {
	w.Stop()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.file)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.file), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	w.mu.Lock()
	w.fsw, w.cancel, w.done = fsw, cancel, done
	w.mu.Unlock()

	go w.loop(ctx, fsw, done)
	w.log.Info("watching configuration file", zap.String("file", w.file))
	return nil
}

// Stop ends watching. It is safe to call twice and before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.fsw, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	fsw.Close()
	<-done
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))

		case <-fire:
			timer, fire = nil, nil
			if err := w.onChange(ctx); err != nil {
				w.log.Error("reload after file change failed",
					zap.String("file", w.file), zap.Error(err))
				continue
			}
			w.log.Info("configuration reloaded", zap.String("file", w.file))
		}
	}
}
