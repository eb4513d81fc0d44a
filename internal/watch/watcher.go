// Package watch re-runs pipeline targets when files under their directories
// change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"monoforge/internal/logging"
	"monoforge/internal/pipeline"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches pipeline target directories and reports settled changes
// through OnChange. Events are debounced so a burst of saves triggers one
// rebuild.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	pipe        *pipeline.Pipeline
	ignore      []string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	// OnChange receives settled changed paths. Called from the watcher
	// goroutine.
	OnChange func(paths []string)

	stats Stats
}

// Stats tracks watcher activity for debugging.
type Stats struct {
	EventsSeen    int
	EventsIgnored int
	Triggers      int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// NewWatcher creates a Watcher for the pipeline's target directories.
func NewWatcher(pipe *pipeline.Pipeline, ignore []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w := &Watcher{
		watcher:     fsw,
		pipe:        pipe,
		ignore:      ignore,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	return w, nil
}

// Start adds the target directory trees to the watcher and begins the event
// loop. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	for _, t := range w.pipe.Targets {
		if err := w.addTree(t.Dir); err != nil {
			logging.Get(logging.CategoryWatch).Warn("watch failed for %s: %v", t.Dir, err)
		}
	}
	logging.Watch("watching %d directories", len(w.watcher.WatchList()))

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("error closing watcher: %v", err)
	}
	logging.Watch("watcher stopped")
}

// addTree registers dir and its non-ignored subdirectories.
// fsnotify watches are not recursive.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			logging.WatchDebug("could not watch %s: %v", path, err)
		}
		return nil
	})
}

// ignored reports whether any path element matches the ignore list.
func (w *Watcher) ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		for _, ig := range w.ignore {
			if part == ig {
				return true
			}
		}
	}
	return false
}

// run is the main event loop for the watcher.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				logging.Watch("event channel closed")
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Error("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

// handleEvent records a single filesystem event for debounced processing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stats.EventsSeen++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		w.stats.EventsIgnored++
		return // Ignore chmod, etc.
	}
	if w.ignored(event.Name) {
		w.stats.EventsIgnored++
		return
	}

	// New directories need their own watch
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				logging.WatchDebug("could not watch new dir %s: %v", event.Name, err)
			}
		}
	}

	logging.WatchDebug("event: %s %s", event.Op, event.Name)
	w.debounceMap[event.Name] = time.Now()
}

// processDebouncedEvents fires OnChange for events settled past the
// debounce window.
func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	onChange := w.OnChange
	if len(settled) > 0 {
		w.stats.Triggers++
	}
	w.mu.Unlock()

	if len(settled) > 0 && onChange != nil {
		logging.Watch("%d settled changes, triggering", len(settled))
		onChange(settled)
	}
}

// TargetsFor maps changed paths back to the pipeline targets that contain
// them.
func (w *Watcher) TargetsFor(paths []string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, t := range w.pipe.Targets {
		prefix := t.Dir + string(filepath.Separator)
		for _, p := range paths {
			if p == t.Dir || strings.HasPrefix(p, prefix) {
				if !seen[t.Name] {
					seen[t.Name] = true
					names = append(names, t.Name)
				}
				break
			}
		}
	}
	return names
}

// GetStats returns the current watcher statistics.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching returns true if the watcher is currently running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetWatchedDirs returns the directories being watched.
func (w *Watcher) GetWatchedDirs() []string {
	return w.watcher.WatchList()
}
