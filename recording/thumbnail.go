package recording

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Thumbnailer keeps the most recent still frame for a camera in memory. The
// frame grabber drops timestamped JPEGs into the scratch directory; Collect
// promotes the newest one and deletes all of them so scratch never
// accumulates.
type Thumbnailer struct {
	scratch string
	logger  *log.Logger

	mu     sync.Mutex
	latest []byte
}

func NewThumbnailer(scratch string, logger *log.Logger) *Thumbnailer {
	return &Thumbnailer{scratch: scratch, logger: logger}
}

// Collect scans the scratch directory for new frames. The newest JPEG
// becomes the current thumbnail; every scanned file is removed.
func (t *Thumbnailer) Collect() {
	entries, err := os.ReadDir(t.scratch)
	if err != nil {
		t.logger.Printf("failed to scan thumbnail scratch %s: %v", t.scratch, err)
		return
	}

	var frames []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && filepath.Ext(entry.Name()) == ".jpg" {
			frames = append(frames, entry.Name())
		}
	}
	if len(frames) == 0 {
		return
	}
	// Timestamped names sort chronologically.
	sort.Strings(frames)

	newest := filepath.Join(t.scratch, frames[len(frames)-1])
	data, err := os.ReadFile(newest)
	if err != nil {
		t.logger.Printf("failed to read thumbnail %s: %v", newest, err)
	} else if len(data) > 0 {
		t.mu.Lock()
		t.latest = data
		t.mu.Unlock()
	}

	for _, name := range frames {
		os.Remove(filepath.Join(t.scratch, name))
	}
}

// Latest returns the most recent frame, or nil when none has been captured.
func (t *Thumbnailer) Latest() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}
