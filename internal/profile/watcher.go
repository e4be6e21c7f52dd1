package profile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/codefionn/deckcompanion/internal/consts"
	"github.com/codefionn/deckcompanion/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives a document that was modified on disk by something
// other than the Store.
type ChangeFunc func(key string, doc *Document)

// Watcher reports external edits to profile documents
type Watcher struct {
	store    *Store
	onChange ChangeFunc
	debounce time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over the store's directory
func NewWatcher(store *Store, onChange ChangeFunc) *Watcher {
	return &Watcher{
		store:    store,
		onChange: onChange,
		debounce: consts.WatchDebounce,
		log:      logger.Named("profile-watch"),
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.store.Dir(), err)
	}
	w.log.Info("Watching %s for external edits", w.store.Dir())

	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, ok := KeyFromPath(event.Name); !ok {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error: %v", err)
		}
	}
}

// schedule coalesces the burst of events one save produces
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.handle(path)
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) handle(path string) {
	key, ok := KeyFromPath(path)
	if !ok {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Debug("Skipping %s: %v", path, err)
		return
	}
	if w.store.isOwnWrite(path, data) {
		return
	}
	// A half-written file from an external editor; wait for the next event.
	if _, _, err := decodeDocument(data); err != nil {
		w.log.Debug("Skipping unparsable %s: %v", path, err)
		return
	}

	w.log.Info("Profile %s changed on disk", key)
	w.onChange(key, w.store.Load(key))
}
