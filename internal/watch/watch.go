// SPDX-License-Identifier: MIT

// Package watch observes library roots with fsnotify and turns filesystem
// churn into scheduled-file-scan jobs. Events are debounced per directory:
// a ripping or copying session touches a file many times, but only one
// rescan should follow once the directory settles.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/queue"
	"github.com/mediacurator/curator/internal/store"
)

// DefaultDebounce is how long a directory must stay quiet before its
// rescan job is enqueued.
const DefaultDebounce = 5 * time.Second

// Watcher converts library filesystem events into rescan jobs.
type Watcher struct {
	queue    queue.Enqueuer
	debounce time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	roots   map[string]int64 // library root → library id
	pending map[string]*time.Timer

	done chan struct{}
}

// New creates a watcher over the given libraries. A zero debounce uses the
// default.
func New(q queue.Enqueuer, libraries []*store.Library, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		queue:    q,
		debounce: debounce,
		fsw:      fsw,
		roots:    make(map[string]int64, len(libraries)),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	logger := log.WithComponent("watch")
	for _, lib := range libraries {
		if err := fsw.Add(lib.Path); err != nil {
			logger.Warn().Str("root", lib.Path).Err(err).Msg("watch add failed")
			continue
		}
		w.roots[filepath.Clean(lib.Path)] = lib.ID
		logger.Info().Str("root", lib.Path).Msg("library root watched")
	}
	return w, nil
}

// Run pumps events until the context ends. Call in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	logger := log.WithComponent("watch")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("watch error")
		}
	}
}

// Close stops the watcher and cancels pending debounce timers.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	for dir, timer := range w.pending {
		timer.Stop()
		delete(w.pending, dir)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

// schedule (re)arms the debounce timer for the directory owning the
// changed path.
func (w *Watcher) schedule(path string) {
	dir, libraryID, ok := w.resolve(path)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, exists := w.pending[dir]; exists {
		timer.Reset(w.debounce)
		return
	}
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, dir)
		w.mu.Unlock()
		w.enqueue(dir, libraryID)
	})
}

// resolve maps an event path to the library subdirectory to rescan.
// Events on the root itself (a new movie directory appearing) resolve to
// the created entry; events deeper inside resolve to their top directory.
func (w *Watcher) resolve(path string) (dir string, libraryID int64, ok bool) {
	clean := filepath.Clean(path)
	for root, id := range w.roots {
		rel, err := filepath.Rel(root, clean)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first, _, _ := strings.Cut(rel, string(filepath.Separator))
		return filepath.Join(root, first), id, true
	}
	return "", 0, false
}

func (w *Watcher) enqueue(dir string, libraryID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := w.queue.Enqueue(ctx, &queue.Job{
		Type:     queue.TypeScheduledFileScan,
		Priority: queue.PriorityNormal,
		Payload: map[string]any{
			"library_id": libraryID,
			"dir":        dir,
		},
	})
	logger := log.WithComponent("watch")
	if err != nil {
		logger.Warn().Str("dir", dir).Err(err).Msg("rescan enqueue failed")
		return
	}
	logger.Info().Str("dir", dir).Msg("rescan queued")
}
