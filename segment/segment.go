package segment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/sclaflin/Frugal-NVR/database"
)

// Segment filenames encode the segment's start time so that lexicographic
// order is chronological order.
const (
	TimeLayout = "2006-01-02T15:04:05"
	Ext        = ".mkv"
)

var fileNamePattern = regexp.MustCompile(`^([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2})\.mkv$`)

// Segment represents one on-disk media file plus its derived metadata and its
// row in the durable index. Path and Date are immutable identity; Duration,
// Bytes and Truncated are refreshed by inspection. A zero ID means the
// segment has not been persisted yet.
type Segment struct {
	ID        int64  `json:"id"`
	Path      string `json:"path"`
	Date      int64  `json:"date"` // start time, epoch seconds
	Duration  int    `json:"duration"`
	Bytes     int64  `json:"bytes"`
	Truncated bool   `json:"truncated"`
}

// New constructs a segment discovered on disk. Duration and bytes are unknown
// and the segment is assumed truncated until inspection proves otherwise.
func New(path string, date int64) *Segment {
	return &Segment{
		Path:      path,
		Date:      date,
		Truncated: true,
	}
}

// FromRecord rehydrates a segment from its durable index row.
func FromRecord(rec database.SegmentRecord) *Segment {
	return &Segment{
		ID:        rec.ID,
		Path:      rec.Path,
		Date:      rec.StartTime,
		Duration:  rec.Duration,
		Bytes:     rec.Bytes,
		Truncated: rec.Truncated,
	}
}

// ParseFileName extracts the encoded start time from a segment filename.
// The timestamp is interpreted in local time, matching what the splitter's
// strftime template wrote.
func ParseFileName(name string) (int64, bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	t, err := time.ParseInLocation(TimeLayout, m[1], time.Local)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

// FileName returns the canonical segment filename for a start time.
func FileName(date int64) string {
	return time.Unix(date, 0).Format(TimeLayout) + Ext
}

// RefreshMetadata invokes ffprobe against the file and updates Duration and
// Truncated from its output. The caller must not persist the segment when
// this fails.
func (s *Segment) RefreshMetadata(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-hide_banner",
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		s.Path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &ToolError{Tool: "ffprobe", Output: stderr.String(), Err: err}
	}

	duration, truncated, err := parseInspectOutput(stdout.Bytes(), stderr.Bytes())
	if err != nil {
		return &ToolError{Tool: "ffprobe", Output: stderr.String(), Err: err}
	}

	s.Duration = duration
	s.Truncated = truncated
	return nil
}

// parseInspectOutput extracts the rounded duration from ffprobe's JSON and
// derives the truncation flag. ffprobe exits zero on a file with a damaged
// tail but complains on stderr, so any stderr chatter marks the segment
// truncated.
func parseInspectOutput(stdout, stderr []byte) (int, bool, error) {
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(stdout, &probe); err != nil {
		return 0, false, fmt.Errorf("unparsable ffprobe output: %w", err)
	}
	if probe.Format.Duration == "" {
		return 0, false, fmt.Errorf("ffprobe output missing duration")
	}
	seconds, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, false, fmt.Errorf("unparsable ffprobe duration %q: %w", probe.Format.Duration, err)
	}

	truncated := len(bytes.TrimSpace(stderr)) > 0
	return int(math.Round(seconds)), truncated, nil
}

// RefreshSize stats the file for its byte length.
func (s *Segment) RefreshSize() error {
	info, err := os.Stat(s.Path)
	if err != nil {
		return fmt.Errorf("segment %s: %w", s.Path, err)
	}
	s.Bytes = info.Size()
	return nil
}

// Repair re-encodes the file by stream copy into a temporary sibling, then
// atomically replaces the original. Repair is best effort: tool failure is
// logged and reported as false, leaving the original untouched. Callers
// refresh metadata afterward regardless of outcome. The temporary file keeps
// the container extension so ffmpeg selects the right muxer; the leading dot
// keeps it out of filename-pattern matching.
func (s *Segment) Repair(ctx context.Context, logger *log.Logger) bool {
	dir, base := filepath.Split(s.Path)
	tmp := filepath.Join(dir, "."+base+".repair"+Ext)
	defer os.Remove(tmp)

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner",
		"-y",
		"-loglevel", "error",
		"-i", s.Path,
		"-acodec", "copy",
		"-vcodec", "copy",
		tmp,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logger.Printf("repair of %s failed: %v: %s", s.Path, err, stderr.String())
		return false
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		logger.Printf("repair of %s failed to replace original: %v", s.Path, err)
		return false
	}
	return true
}

// Persist upserts the segment into the durable index for the given camera,
// capturing the generated ID on first insert.
func (s *Segment) Persist(db database.Database, camera string) error {
	rec := database.SegmentRecord{
		ID:        s.ID,
		Camera:    camera,
		Path:      s.Path,
		StartTime: s.Date,
		Duration:  s.Duration,
		Bytes:     s.Bytes,
		Truncated: s.Truncated,
	}
	if err := db.UpsertSegment(&rec); err != nil {
		return &StorageError{Op: "upsert segment", Err: err}
	}
	s.ID = rec.ID
	return nil
}

// Delete removes the file (a missing file is not an error) and, when the
// segment was persisted, its index row. A nil db is allowed for transient
// segments that never had a row.
func (s *Segment) Delete(db database.Database) error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", s.Path, err)
	}
	if db != nil && s.ID != 0 {
		if err := db.DeleteSegment(s.ID); err != nil {
			return &StorageError{Op: "delete segment", Err: err}
		}
	}
	return nil
}
