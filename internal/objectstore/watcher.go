package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/weiawesome/thumbing/internal/event"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/storage"
)

// Watcher turns files dropped into a local store's directory tree by
// external uploaders into storage events. Events for one path are debounced
// so a file written in several chunks yields one event.
type Watcher struct {
	store    string
	backend  *storage.LocalStorage
	prefix   event.NamespacePrefix
	emitter  Emitter
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher for the prefix directory under backend.
func NewWatcher(store string, backend *storage.LocalStorage, prefix event.NamespacePrefix, emitter Emitter, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		store:    store,
		backend:  backend,
		prefix:   prefix,
		emitter:  emitter,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	root := filepath.Join(w.backend.BasePath(), filepath.FromSlash(string(w.prefix)))
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create watch root: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, root); err != nil {
		return err
	}

	l := pkglog.L()
	l.Info().Str(pkglog.FieldStore, w.store).Str("dir", root).Msg("watching local ingestion directory")

	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			l.Warn().Err(err).Str(pkglog.FieldStore, w.store).Msg("watcher error")
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			if err := w.addTree(fw, ev.Name); err != nil {
				l := pkglog.L()
				l.Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch new directory")
			}
		}
		return
	}

	key, ok := w.backend.KeyFor(ev.Name)
	if !ok || !w.prefix.Matches(key) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, exists := w.pending[key]; exists {
		t.Reset(w.debounce)
		return
	}
	w.pending[key] = time.AfterFunc(w.debounce, func() { w.fire(ctx, key) })
}

func (w *Watcher) fire(ctx context.Context, key string) {
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	var size int64
	if info, err := os.Stat(filepath.Join(w.backend.BasePath(), filepath.FromSlash(key))); err == nil {
		size = info.Size()
	} else if errors.Is(err, fs.ErrNotExist) {
		return
	}

	ev := event.StorageEvent{
		Store:     w.store,
		Key:       key,
		EventID:   newEventID(),
		EventName: event.ObjectCreatedPut,
		Size:      size,
		EventTime: time.Now().UTC(),
	}
	l := pkglog.L()
	if err := w.emitter.Emit(ctx, ev); err != nil {
		l.Error().Err(err).Str(pkglog.FieldStore, w.store).Str(pkglog.FieldKey, key).Msg("failed to emit watched file")
		return
	}
	l.Info().Str(pkglog.FieldStore, w.store).Str(pkglog.FieldKey, key).Int64("size", size).Msg("detected new file")
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, t := range w.pending {
		t.Stop()
		delete(w.pending, key)
	}
}
