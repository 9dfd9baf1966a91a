package registry

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Registry when files under its directory change. Events
// are debounced so that an editor's write-then-rename sequence triggers a
// single reload.
type Watcher struct {
	watcher    *fsnotify.Watcher
	registry   *Registry
	debounce   time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
	pendingTmr *time.Timer
}

// NewWatcher creates a watcher over the registry's directory tree.
func NewWatcher(r *Registry, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w := &Watcher{
		watcher:  fsWatcher,
		registry: r,
		debounce: debounce,
		stopCh:   make(chan struct{}),
	}

	if err := w.addTree(r.dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				slog.Warn("failed to watch directory", "path", path, "error", err)
			}
		}
		return nil
	})
}

// Start begins watching. It spawns a goroutine internally.
func (w *Watcher) Start() {
	go w.run()
}

// Stop ends watching and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// New provider directories need to be watched too.
			if event.Op.Has(fsnotify.Create) {
				if fi, err := filepath.Glob(event.Name); err == nil && len(fi) > 0 {
					w.watcher.Add(event.Name)
				}
			}
			if event.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Rename | fsnotify.Remove) {
				w.scheduleReload(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("registry watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload(trigger string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingTmr != nil {
		w.pendingTmr.Stop()
	}
	w.pendingTmr = time.AfterFunc(w.debounce, func() {
		if err := w.registry.Reload(); err != nil {
			slog.Error("hot reload rejected, prior snapshot kept", "trigger", trigger, "error", err)
			return
		}
		slog.Info("hot reload applied", "trigger", trigger)
	})
}
