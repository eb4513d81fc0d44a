package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"monoforge/internal/pipeline"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/goleak"
)

func testPipeline(t *testing.T, targetNames ...string) *pipeline.Pipeline {
	t.Helper()
	ws := t.TempDir()
	p := &pipeline.Pipeline{Workspace: ws}
	for _, name := range targetNames {
		dir := filepath.Join(ws, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		p.Targets = append(p.Targets, pipeline.Target{
			Name:    name,
			Dir:     dir,
			Command: "true",
		})
	}
	return p
}

func TestWatcher_IgnoredPaths(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, "backend")
	w, err := NewWatcher(p, []string{"node_modules", ".git", "dist"}, 0)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	t.Cleanup(func() { w.watcher.Close() })

	cases := []struct {
		path    string
		ignored bool
	}{
		{"/ws/backend/src/main.ts", false},
		{"/ws/backend/node_modules/react/index.js", true},
		{"/ws/backend/.git/HEAD", true},
		{"/ws/backend/dist/bundle.js", true},
		{"/ws/backend/distributed/lib.ts", false},
	}
	for _, tc := range cases {
		if got := w.ignored(tc.path); got != tc.ignored {
			t.Errorf("ignored(%q) = %v, want %v", tc.path, got, tc.ignored)
		}
	}
}

func TestWatcher_TargetsFor(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, "backend", "frontend")
	w, err := NewWatcher(p, nil, 0)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	t.Cleanup(func() { w.watcher.Close() })

	backendFile := filepath.Join(p.Targets[0].Dir, "src", "main.ts")
	frontendFile := filepath.Join(p.Targets[1].Dir, "app.tsx")
	outsideFile := filepath.Join(p.Workspace, "README.md")

	names := w.TargetsFor([]string{backendFile, outsideFile})
	if len(names) != 1 || names[0] != "backend" {
		t.Errorf("expected [backend], got %v", names)
	}

	names = w.TargetsFor([]string{backendFile, frontendFile, backendFile})
	if len(names) != 2 {
		t.Errorf("expected both targets once each, got %v", names)
	}

	if names = w.TargetsFor([]string{outsideFile}); len(names) != 0 {
		t.Errorf("path outside targets should map to nothing, got %v", names)
	}
}

func TestWatcher_DebounceSettling(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, "backend")
	w, err := NewWatcher(p, nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	t.Cleanup(func() { w.watcher.Close() })

	var fired [][]string
	w.OnChange = func(paths []string) { fired = append(fired, paths) }

	changed := filepath.Join(p.Targets[0].Dir, "main.ts")
	w.handleEvent(fsnotify.Event{Name: changed, Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: changed, Op: fsnotify.Write})

	// Still within the debounce window
	w.processDebouncedEvents()
	if len(fired) != 0 {
		t.Fatalf("change should not fire before settling, got %v", fired)
	}

	time.Sleep(60 * time.Millisecond)
	w.processDebouncedEvents()
	if len(fired) != 1 {
		t.Fatalf("expected one trigger after settling, got %d", len(fired))
	}
	if len(fired[0]) != 1 || fired[0][0] != changed {
		t.Errorf("expected settled path %q, got %v", changed, fired[0])
	}

	// Coalesced: the path is consumed
	w.processDebouncedEvents()
	if len(fired) != 1 {
		t.Errorf("settled path should fire once, got %d triggers", len(fired))
	}

	stats := w.GetStats()
	if stats.EventsSeen != 2 {
		t.Errorf("EventsSeen = %d, want 2", stats.EventsSeen)
	}
	if stats.Triggers != 1 {
		t.Errorf("Triggers = %d, want 1", stats.Triggers)
	}
}

func TestWatcher_HandleEvent_FiltersOps(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, "backend")
	w, err := NewWatcher(p, []string{"node_modules"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	t.Cleanup(func() { w.watcher.Close() })

	dir := p.Targets[0].Dir
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "a.ts"), Op: fsnotify.Chmod})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "node_modules", "x.js"), Op: fsnotify.Write})

	stats := w.GetStats()
	if stats.EventsSeen != 2 {
		t.Errorf("EventsSeen = %d, want 2", stats.EventsSeen)
	}
	if stats.EventsIgnored != 2 {
		t.Errorf("EventsIgnored = %d, want 2", stats.EventsIgnored)
	}
	if len(w.debounceMap) != 0 {
		t.Errorf("filtered events should not be queued, got %v", w.debounceMap)
	}
}

func TestWatcher_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := testPipeline(t, "backend")
	w, err := NewWatcher(p, nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}

	fired := make(chan []string, 1)
	w.OnChange = func(paths []string) {
		select {
		case fired <- paths:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !w.IsWatching() {
		t.Error("watcher should report running")
	}
	if len(w.GetWatchedDirs()) == 0 {
		t.Error("target directory should be watched")
	}

	// Starting again is a no-op
	if err := w.Start(ctx); err != nil {
		t.Errorf("second Start error: %v", err)
	}

	file := filepath.Join(p.Targets[0].Dir, "main.ts")
	if err := os.WriteFile(file, []byte("export {}"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case paths := <-fired:
		names := w.TargetsFor(paths)
		if len(names) != 1 || names[0] != "backend" {
			t.Errorf("expected backend to be affected, got %v", names)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification within 5s")
	}

	w.Stop()
	if w.IsWatching() {
		t.Error("watcher should report stopped")
	}

	// Stop is idempotent
	w.Stop()
}
