package recording

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watcher polls a directory for file creation and growth. Change
// notifications are debounced per file so a segment being appended to at
// stream rate produces one callback per quiet period instead of one per
// write.
type Watcher struct {
	dir      string
	interval time.Duration
	debounce time.Duration
	logger   *log.Logger

	onCreate func(path string)
	onChange func(path string)

	mu     sync.Mutex
	files  map[string]fileState
	timers map[string]*time.Timer
	cancel context.CancelFunc
	done   chan struct{}
}

type fileState struct {
	size    int64
	modTime time.Time
}

// NewWatcher builds a watcher over dir. onCreate fires as soon as a new file
// appears; onChange fires after a file has stopped changing for the debounce
// period.
func NewWatcher(dir string, interval, debounce time.Duration, logger *log.Logger, onCreate, onChange func(path string)) *Watcher {
	return &Watcher{
		dir:      dir,
		interval: interval,
		debounce: debounce,
		logger:   logger,
		onCreate: onCreate,
		onChange: onChange,
		files:    make(map[string]fileState),
		timers:   make(map[string]*time.Timer),
	}
}

// Start begins polling. The initial directory contents are recorded without
// firing callbacks so startup does not replay history.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.scan(false)

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.scan(true)
			}
		}
	}()
}

// Stop halts polling and cancels pending debounce timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *Watcher) scan(notify bool) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Printf("failed to scan %s: %v", w.dir, err)
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		seen[path] = true

		w.mu.Lock()
		prev, known := w.files[path]
		w.files[path] = fileState{size: info.Size(), modTime: info.ModTime()}
		w.mu.Unlock()

		if !notify {
			continue
		}
		if !known {
			if w.onCreate != nil {
				w.onCreate(path)
			}
			continue
		}
		if prev.size != info.Size() || !prev.modTime.Equal(info.ModTime()) {
			w.bump(path)
		}
	}

	w.mu.Lock()
	for path := range w.files {
		if !seen[path] {
			delete(w.files, path)
			if timer, ok := w.timers[path]; ok {
				timer.Stop()
				delete(w.timers, path)
			}
		}
	}
	w.mu.Unlock()
}

// bump resets the per-file debounce timer.
func (w *Watcher) bump(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if w.onChange != nil {
			w.onChange(path)
		}
	})
}
