package process

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/karyi/internal/logging"
)

// DefaultWatchDebounce coalesces bursts of editor writes into one change.
const DefaultWatchDebounce = 250 * time.Millisecond

// ErrWatcherClosed is returned when using a closed ScriptWatcher.
var ErrWatcherClosed = errors.New("watcher closed")

// ScriptWatcher reports changes to a single file, typically the worker's
// entry script.
//
// The parent directory is watched rather than the file itself so that
// rename-and-replace saves keep being observed.
type ScriptWatcher struct {
	path     string
	onChange func(path string)
	logger   *logging.Logger

	watcher   *fsnotify.Watcher
	debouncer *Debouncer

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewScriptWatcher starts watching path. onChange runs on its own goroutine
// after debounce has elapsed without further events. A debounce of zero
// uses DefaultWatchDebounce.
func NewScriptWatcher(path string, debounce time.Duration, onChange func(path string), logger *logging.Logger) (*ScriptWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &ScriptWatcher{
		path:     abs,
		onChange: onChange,
		logger:   logger.WithComponent("watch"),
		watcher:  fsw,
		closeCh:  make(chan struct{}),
	}
	w.debouncer = NewDebouncer(debounce, w.fire)

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Path returns the absolute watched path.
func (w *ScriptWatcher) Path() string {
	return w.path
}

func (w *ScriptWatcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "path", w.path, "error", err)
		}
	}
}

func (w *ScriptWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.debouncer.Call()
}

func (w *ScriptWatcher) fire() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed || w.onChange == nil {
		return
	}

	w.logger.Info("script changed", "path", w.path)
	w.onChange(w.path)
}

// Close stops watching. Pending debounced changes are dropped.
func (w *ScriptWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.debouncer.Cancel()
	close(w.closeCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
