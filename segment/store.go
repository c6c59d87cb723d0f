package segment

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sclaflin/Frugal-NVR/database"
)

// Container is an output container format for assembled clips.
type Container string

const (
	// ContainerFLV is the low-latency streaming container.
	ContainerFLV Container = "flv"
	// ContainerMP4 is the seekable download container.
	ContainerMP4 Container = "mp4"
)

// Valid reports whether the container is one of the supported formats.
func (c Container) Valid() bool {
	return c == ContainerFLV || c == ContainerMP4
}

// Store owns the ordered collection of segments for one camera and keeps
// three sources of truth consistent: the filesystem, the durable index, and
// the in-memory list. The most recent file is continuously appended to by
// the capture process, so it is expected to look truncated and is never
// repaired.
type Store struct {
	camera      string
	dir         string // retained segment files
	scratch     string // per-camera scratch area for transient artifacts
	retainHours int
	overlap     int // retention overlap, seconds
	db          database.Database
	logger      *log.Logger
	coord       *Coordinator
	events      *Publisher

	mu       sync.Mutex
	segments []*Segment
	openPath string // file the supervisor is actively writing, exempt from repair

	reconciles singleflight.Group
	ctx        context.Context
}

// NewStore builds the store for one camera. ctx bounds the external tool
// invocations issued by background queue work.
func NewStore(ctx context.Context, camera, dir, scratch string, retainHours, overlap int, db database.Database, logger *log.Logger) *Store {
	s := &Store{
		camera:      camera,
		dir:         dir,
		scratch:     scratch,
		retainHours: retainHours,
		overlap:     overlap,
		db:          db,
		logger:      logger,
		events:      &Publisher{},
		ctx:         ctx,
	}
	s.coord = NewCoordinator(logger, s.processUpdate, s.processRepair)
	return s
}

// Events returns the store's notification publisher.
func (s *Store) Events() *Publisher {
	return s.events
}

// Coordinator returns the store's background work queues.
func (s *Store) Coordinator() *Coordinator {
	return s.coord
}

// Camera returns the camera name this store records for.
func (s *Store) Camera() string {
	return s.camera
}

// Dir returns the segment directory.
func (s *Store) Dir() string {
	return s.dir
}

// SetOpenSegment records which file the capture process is currently writing
// to. That file is only ever inspected, never repaired.
func (s *Store) SetOpenSegment(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openPath = path
}

// Segments returns a copy of the ordered in-memory list.
func (s *Store) Segments() []*Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Reconcile aligns the filesystem, the durable index and the in-memory list.
// Concurrent calls are coalesced: reconciliation mutates the list and must
// never run against itself.
func (s *Store) Reconcile(ctx context.Context) error {
	_, err, _ := s.reconciles.Do("reconcile", func() (interface{}, error) {
		return nil, s.reconcile(ctx)
	})
	return err
}

func (s *Store) reconcile(ctx context.Context) error {
	rows, err := s.db.ListSegments(s.camera)
	if err != nil {
		return &StorageError{Op: "list segments", Err: err}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read segment directory %s: %w", s.dir, err)
	}

	type discovered struct {
		path string
		date int64
	}
	var files []discovered
	onDisk := make(map[string]bool)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		date, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		files = append(files, discovered{path: path, date: date})
		onDisk[path] = true
	}
	sort.Slice(files, func(i, j int) bool { return files[i].date < files[j].date })

	// Index rows whose file was removed out-of-band are stale: drop the row.
	rowByPath := make(map[string]database.SegmentRecord)
	for _, row := range rows {
		if !onDisk[row.Path] {
			if err := s.db.DeleteSegment(row.ID); err != nil {
				s.logger.Printf("failed to drop stale index row for %s: %v", row.Path, err)
			}
			continue
		}
		rowByPath[row.Path] = row
	}

	s.mu.Lock()
	known := make(map[string]*Segment, len(s.segments))
	for _, seg := range s.segments {
		known[seg.Path] = seg
	}
	openPath := s.openPath
	s.mu.Unlock()

	next := make([]*Segment, 0, len(files))
	var added []*Segment
	for _, f := range files {
		seg, ok := known[f.path]
		if !ok {
			if row, haveRow := rowByPath[f.path]; haveRow {
				seg = FromRecord(row)
			} else {
				seg = New(f.path, f.date)
				added = append(added, seg)
			}
		}
		next = append(next, seg)
	}

	// New files get their metadata refreshed in the background; reconciling
	// must stay fast and never block on tool invocations.
	for _, seg := range added {
		s.coord.EnqueueUpdate(seg)
		s.events.publishAdded(s.camera, seg)
	}

	// Anything persisted that is still truncated (or has no recorded bytes)
	// and is not the live write target needs repair. Fresh discoveries are
	// inspected and persisted first; repair waits until they have a row.
	for _, seg := range next {
		if seg.ID == 0 {
			continue
		}
		if !seg.Truncated && seg.Bytes > 0 {
			continue
		}
		if s.isOpen(seg, next, openPath) {
			continue
		}
		s.coord.EnqueueRepair(seg)
		s.events.publishNeedsRepair(s.camera, seg)
	}

	s.mu.Lock()
	s.segments = next
	s.mu.Unlock()
	return nil
}

// isOpen reports whether the segment is the live write target. The
// supervisor's notion of "file I am writing to" wins; the last segment by
// date is the fallback when no open path is known.
func (s *Store) isOpen(seg *Segment, ordered []*Segment, openPath string) bool {
	if openPath != "" {
		return seg.Path == openPath
	}
	return len(ordered) > 0 && seg == ordered[len(ordered)-1]
}

// processUpdate handles one update queue item: refresh metadata, refresh
// size, persist, publish.
func (s *Store) processUpdate(seg *Segment) error {
	if err := seg.RefreshMetadata(s.ctx); err != nil {
		return err
	}
	if err := seg.RefreshSize(); err != nil {
		if IsNotFound(err) {
			// Deleted out from under us; the next reconcile drops it.
			return nil
		}
		return err
	}
	if err := seg.Persist(s.db, s.camera); err != nil {
		return err
	}
	s.events.publishUpdated(s.camera, seg)
	return nil
}

// processRepair handles one repair queue item.
func (s *Store) processRepair(seg *Segment) bool {
	return seg.Repair(s.ctx, s.logger)
}

// Splice stream-copies a sub-range of one segment into a new transient file
// in the scratch area. The returned segment is dated at the original date
// plus the offset and has no index row.
func (s *Store) Splice(ctx context.Context, seg *Segment, offsetSeconds, durationSeconds int) (*Segment, error) {
	id := "splice_" + uuid.NewString()
	out := filepath.Join(s.scratch, id+Ext)

	args := []string{
		"-hide_banner",
		"-y",
		"-loglevel", "error",
		"-ss", strconv.Itoa(offsetSeconds),
		"-i", seg.Path,
		"-t", strconv.Itoa(durationSeconds),
		"-acodec", "copy",
		"-vcodec", "copy",
		out,
	}
	if err := runFFmpeg(ctx, args); err != nil {
		os.Remove(out)
		return nil, err
	}

	return &Segment{Path: out, Date: seg.Date + int64(offsetSeconds)}, nil
}

// Concat losslessly joins the ordered segments into one output container in
// the scratch area. The file-list manifest is always removed; the output is
// removed too when the tool call fails.
func (s *Store) Concat(ctx context.Context, format Container, segments ...*Segment) (*Segment, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid container format %q", format)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments to concatenate")
	}

	id := "concat_" + uuid.NewString()
	manifest := filepath.Join(s.scratch, id+".txt")
	out := filepath.Join(s.scratch, id+"."+string(format))

	var list bytes.Buffer
	for _, seg := range segments {
		fmt.Fprintf(&list, "file '%s'\n", seg.Path)
	}
	if err := os.WriteFile(manifest, list.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write concat manifest: %w", err)
	}
	defer os.Remove(manifest)

	args := []string{
		"-hide_banner",
		"-y",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		out,
	}
	if err := runFFmpeg(ctx, args); err != nil {
		os.Remove(out)
		return nil, err
	}

	return &Segment{Path: out, Date: segments[0].Date}, nil
}

// clipPlan is the result of scanning the segment list for a clip request.
type clipPlan struct {
	segments     []*Segment // contiguous sub-sequence covering the window
	headOffset   int
	headDuration int
	tailOffset   int
	tailDuration int
	single       bool // head and tail are the same segment
}

// planClip scans the ordered list once: the last segment dated at or before
// start becomes the head, the last segment dated before stop becomes the
// tail. When nothing starts at or before start, the earliest available data
// is already past the requested start and the tail serves as both.
func planClip(segments []*Segment, start, stop int64) (clipPlan, error) {
	var plan clipPlan
	firstIdx, lastIdx := -1, -1
	for i, seg := range segments {
		if seg.Date <= start {
			firstIdx = i
		}
		if seg.Date < stop {
			lastIdx = i
		}
	}

	if firstIdx == -1 && lastIdx == -1 {
		return plan, ErrNoCoverage
	}
	if lastIdx == -1 {
		return plan, ErrNoCoverage
	}
	if firstIdx == -1 {
		firstIdx = lastIdx
	}

	plan.segments = segments[firstIdx : lastIdx+1]
	plan.single = firstIdx == lastIdx

	// A head starting after the requested window (fallback case) needs no
	// leading trim.
	plan.headOffset = int(start - plan.segments[0].Date)
	if plan.headOffset < 0 {
		plan.headOffset = 0
	}
	plan.headDuration = int(stop - start)
	plan.tailOffset = 0
	plan.tailDuration = int(stop - segments[lastIdx].Date)

	return plan, nil
}

// Clip assembles an arbitrary time range into a single output container by
// splicing the head and tail segments and concatenating the result. The
// splice artifacts are always deleted; the concat output is deleted too when
// anything fails.
func (s *Store) Clip(ctx context.Context, format Container, start, stop int64) (result *Segment, err error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid container format %q", format)
	}

	if err := s.Reconcile(ctx); err != nil {
		return nil, err
	}

	plan, err := planClip(s.Segments(), start, stop)
	if err != nil {
		return nil, err
	}

	var head, tail *Segment
	defer func() {
		// Splice artifacts are never the final result.
		if head != nil {
			head.Delete(nil)
		}
		if tail != nil {
			tail.Delete(nil)
		}
		if err != nil && result != nil {
			result.Delete(nil)
			result = nil
		}
	}()

	pieces := make([]*Segment, len(plan.segments))
	copy(pieces, plan.segments)

	head, err = s.Splice(ctx, pieces[0], plan.headOffset, plan.headDuration)
	if err != nil {
		return nil, err
	}
	pieces[0] = head

	if !plan.single {
		tail, err = s.Splice(ctx, pieces[len(pieces)-1], plan.tailOffset, plan.tailDuration)
		if err != nil {
			return nil, err
		}
		pieces[len(pieces)-1] = tail
	}

	result, err = s.Concat(ctx, format, pieces...)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Prune deletes every segment older than the retention window plus the
// overlap safety margin. The live write target is by construction the most
// recent segment and is never eligible.
func (s *Store) Prune() error {
	cutoff := time.Now().Unix() - int64(s.retainHours)*3600 - int64(s.overlap)
	return s.pruneBefore(cutoff)
}

func (s *Store) pruneBefore(cutoff int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.segments[:0]
	for _, seg := range s.segments {
		if seg.Date >= cutoff || seg.Path == s.openPath {
			kept = append(kept, seg)
			continue
		}
		if err := seg.Delete(s.db); err != nil {
			s.logger.Printf("failed to prune segment %s: %v", seg.Path, err)
			kept = append(kept, seg)
		}
	}
	s.segments = kept
	return nil
}

// DiskBytes returns the total retained bytes across all segments.
func (s *Store) DiskBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, seg := range s.segments {
		total += seg.Bytes
	}
	return total
}

// TotalDuration approximates how much video exists right now, in seconds.
// The last segment is usually still being written, so while it is marked
// truncated its contribution is the wall-clock time elapsed since its start.
func (s *Store) TotalDuration(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int
	for i, seg := range s.segments {
		if i == len(s.segments)-1 && seg.Truncated {
			elapsed := int(now.Unix() - seg.Date)
			if elapsed > 0 {
				total += elapsed
			}
			continue
		}
		total += seg.Duration
	}
	return total
}

// runFFmpeg invokes ffmpeg and converts a nonzero exit into a ToolError
// carrying the tool's stderr.
func runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ToolError{Tool: "ffmpeg", Output: stderr.String(), Err: err}
	}
	return nil
}
