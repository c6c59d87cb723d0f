package recording

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type pathLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *pathLog) add(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, path)
}

func (l *pathLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.paths))
	copy(out, l.paths)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWatcherReportsNewFiles(t *testing.T) {
	dir, err := os.MkdirTemp("", "nvr-watcher-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	created := &pathLog{}
	w := NewWatcher(dir, 20*time.Millisecond, 50*time.Millisecond, discardLogger(),
		created.add, nil)
	w.Start(context.Background())
	defer w.Stop()

	path := filepath.Join(dir, "2026-01-02T15:00:00.mkv")
	if err := os.WriteFile(path, []byte("a"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(created.get()) == 1 }) {
		t.Fatalf("Expected create notification, got %v", created.get())
	}
	if created.get()[0] != path {
		t.Errorf("Expected %q, got %q", path, created.get()[0])
	}
}

func TestWatcherIgnoresInitialContents(t *testing.T) {
	dir, err := os.MkdirTemp("", "nvr-watcher-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	if err := os.WriteFile(filepath.Join(dir, "existing.mkv"), []byte("a"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	created := &pathLog{}
	w := NewWatcher(dir, 20*time.Millisecond, 50*time.Millisecond, discardLogger(),
		created.add, nil)
	w.Start(context.Background())
	defer w.Stop()

	time.Sleep(200 * time.Millisecond)
	if got := created.get(); len(got) != 0 {
		t.Errorf("Startup must not replay existing files, got %v", got)
	}
}

func TestWatcherDebouncesChanges(t *testing.T) {
	dir, err := os.MkdirTemp("", "nvr-watcher-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "growing.mkv")
	if err := os.WriteFile(path, []byte("a"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	changed := &pathLog{}
	w := NewWatcher(dir, 20*time.Millisecond, 100*time.Millisecond, discardLogger(),
		nil, changed.add)
	w.Start(context.Background())
	defer w.Stop()

	// Several rapid appends collapse into one notification once the file
	// goes quiet.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Write([]byte("chunk")); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	f.Close()

	if !waitFor(t, 2*time.Second, func() bool { return len(changed.get()) >= 1 }) {
		t.Fatal("Expected a change notification")
	}
	time.Sleep(300 * time.Millisecond)
	if got := changed.get(); len(got) != 1 {
		t.Errorf("Expected a single debounced notification, got %d", len(got))
	}
}
