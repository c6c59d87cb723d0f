package segment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sclaflin/Frugal-NVR/database"
)

// fakeDB is an in-memory index for store tests.
type fakeDB struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]database.SegmentRecord
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[int64]database.SegmentRecord)}
}

func (f *fakeDB) UpsertSegment(rec *database.SegmentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.ID == 0 {
		f.nextID++
		rec.ID = f.nextID
	}
	f.rows[rec.ID] = *rec
	return nil
}

func (f *fakeDB) ListSegments(camera string) ([]database.SegmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.SegmentRecord
	for _, rec := range f.rows {
		if rec.Camera == camera {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeDB) DeleteSegment(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeDB) InsertEvent(ev database.Event) (int64, error) { return 0, nil }
func (f *fakeDB) MotionWindows(camera string, start, stop int64, timePadding, minimumClipLen int) ([]database.MotionWindow, error) {
	return nil, nil
}
func (f *fakeDB) PruneEvents(camera string, before int64) error { return nil }
func (f *fakeDB) Close() error                                  { return nil }

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func testStore(t *testing.T, db database.Database) (*Store, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "nvr-store-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	videoDir := filepath.Join(dir, "video")
	scratch := filepath.Join(dir, "scratch")
	for _, d := range []string{videoDir, scratch} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", d, err)
		}
	}

	store := NewStore(context.Background(), "front", videoDir, scratch, 24, 900, db, discardLogger())
	return store, videoDir
}

func writeSegmentFile(t *testing.T, dir string, date int64) string {
	t.Helper()
	path := filepath.Join(dir, FileName(date))
	if err := os.WriteFile(path, []byte("stub"), 0644); err != nil {
		t.Fatalf("Failed to write segment file: %v", err)
	}
	return path
}

func TestReconcileOrdersAndReusesSegments(t *testing.T) {
	db := newFakeDB()
	store, videoDir := testStore(t, db)

	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.Local).Unix()
	for _, offset := range []int64{1800, 0, 900} {
		writeSegmentFile(t, videoDir, base+offset)
	}
	// Junk filenames never become segments.
	if err := os.WriteFile(filepath.Join(videoDir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write junk file: %v", err)
	}

	if err := store.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	store.Coordinator().Wait()

	segs := store.Segments()
	if len(segs) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(segs))
	}
	for i := 1; i < len(segs); i++ {
		if segs[i-1].Date >= segs[i].Date {
			t.Errorf("Segments out of order at %d", i)
		}
	}

	// A second reconcile must keep the same in-memory objects.
	if err := store.Reconcile(context.Background()); err != nil {
		t.Fatalf("Second reconcile failed: %v", err)
	}
	store.Coordinator().Wait()

	again := store.Segments()
	if len(again) != 3 {
		t.Fatalf("Expected 3 segments after second reconcile, got %d", len(again))
	}
	for i := range segs {
		if segs[i] != again[i] {
			t.Errorf("Segment %d was rebuilt instead of reused", i)
		}
	}
}

func TestReconcileDropsStaleIndexRows(t *testing.T) {
	db := newFakeDB()
	store, videoDir := testStore(t, db)

	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.Local).Unix()
	kept := writeSegmentFile(t, videoDir, base)

	db.UpsertSegment(&database.SegmentRecord{
		Camera: "front", Path: kept, StartTime: base, Duration: 900,
	})
	db.UpsertSegment(&database.SegmentRecord{
		Camera: "front", Path: filepath.Join(videoDir, FileName(base-900)), StartTime: base - 900,
	})

	if err := store.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	store.Coordinator().Wait()

	if db.count() != 1 {
		t.Fatalf("Expected stale row to be dropped, have %d rows", db.count())
	}
	segs := store.Segments()
	if len(segs) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segs))
	}
	if segs[0].ID == 0 {
		t.Error("Expected surviving segment to keep its index row ID")
	}
}

func TestReconcileNeverRepairsNewestSegment(t *testing.T) {
	db := newFakeDB()
	store, videoDir := testStore(t, db)

	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.Local).Unix()
	var paths []string
	for _, offset := range []int64{0, 900, 1800} {
		path := writeSegmentFile(t, videoDir, base+offset)
		paths = append(paths, path)
		db.UpsertSegment(&database.SegmentRecord{
			Camera: "front", Path: path, StartTime: base + offset, Truncated: true,
		})
	}

	var needsRepair []string
	store.Events().OnNeedsRepair(func(camera string, seg *Segment) {
		needsRepair = append(needsRepair, seg.Path)
	})

	// No open path reported yet: the newest segment by date is exempt.
	if err := store.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	store.Coordinator().Wait()

	if len(needsRepair) != 2 {
		t.Fatalf("Expected 2 repair notifications, got %d: %v", len(needsRepair), needsRepair)
	}
	for _, path := range needsRepair {
		if path == paths[2] {
			t.Fatal("Newest segment must never be selected for repair")
		}
	}
}

func TestReconcileRepairExemptionFollowsOpenPath(t *testing.T) {
	db := newFakeDB()
	store, videoDir := testStore(t, db)

	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.Local).Unix()
	older := writeSegmentFile(t, videoDir, base)
	open := writeSegmentFile(t, videoDir, base+900)
	for _, rec := range []database.SegmentRecord{
		{Camera: "front", Path: older, StartTime: base, Truncated: true},
		{Camera: "front", Path: open, StartTime: base + 900, Truncated: true},
	} {
		rec := rec
		db.UpsertSegment(&rec)
	}
	// A brand-new file with no index row is inspected first, never
	// repaired on discovery.
	fresh := writeSegmentFile(t, videoDir, base+1800)

	store.SetOpenSegment(open)

	var needsRepair []string
	store.Events().OnNeedsRepair(func(camera string, seg *Segment) {
		needsRepair = append(needsRepair, seg.Path)
	})

	if err := store.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	store.Coordinator().Wait()

	if len(needsRepair) != 1 || needsRepair[0] != older {
		t.Fatalf("Expected only %q to need repair, got %v", older, needsRepair)
	}
	for _, path := range needsRepair {
		if path == open || path == fresh {
			t.Fatalf("Exempt segment %q selected for repair", path)
		}
	}
}

func TestProcessUpdateDropsVanishedSegment(t *testing.T) {
	db := newFakeDB()
	store, videoDir := testStore(t, db)

	// The inspection succeeds but the file is gone by the time it is
	// statted: the segment is stale, not an error, and must not be
	// persisted.
	stubTool(t, "ffprobe", `#!/bin/sh
echo '{"format": {"duration": "900.0"}}'
`)

	seg := New(filepath.Join(videoDir, FileName(1000)), 1000)
	if err := store.processUpdate(seg); err != nil {
		t.Fatalf("Expected vanished segment to be skipped, got %v", err)
	}
	if db.count() != 0 {
		t.Errorf("Vanished segment must not be persisted, have %d rows", db.count())
	}
}

func TestPlanClipOffsets(t *testing.T) {
	segs := []*Segment{
		{Path: "a", Date: 0, Duration: 900},
		{Path: "b", Date: 900, Duration: 900},
		{Path: "c", Date: 1800, Duration: 900},
	}

	plan, err := planClip(segs, 950, 2000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(plan.segments) != 2 {
		t.Fatalf("Expected 2 segments in plan, got %d", len(plan.segments))
	}
	if plan.segments[0].Path != "b" || plan.segments[1].Path != "c" {
		t.Errorf("Wrong segments selected: %s, %s", plan.segments[0].Path, plan.segments[1].Path)
	}
	if plan.headOffset != 50 {
		t.Errorf("Expected head offset 50, got %d", plan.headOffset)
	}
	if plan.tailDuration != 200 {
		t.Errorf("Expected tail duration 200, got %d", plan.tailDuration)
	}
	if plan.single {
		t.Error("Expected a two-segment plan")
	}
}

func TestPlanClipSingleSegment(t *testing.T) {
	segs := []*Segment{
		{Path: "a", Date: 0, Duration: 300},
		{Path: "b", Date: 300, Duration: 300},
		{Path: "c", Date: 600, Duration: 300},
	}

	// The whole window falls inside the middle segment; the one after it
	// must not be pulled in.
	plan, err := planClip(segs, 350, 550)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !plan.single {
		t.Fatal("Expected a single-segment plan")
	}
	if len(plan.segments) != 1 || plan.segments[0].Path != "b" {
		t.Fatalf("Wrong segments selected: %+v", plan.segments)
	}
	if plan.headOffset != 50 || plan.headDuration != 200 {
		t.Errorf("Expected head 50/200, got %d/%d", plan.headOffset, plan.headDuration)
	}
}

func TestPlanClipFallbackBeforeFirstSegment(t *testing.T) {
	segs := []*Segment{{Path: "a", Date: 1000, Duration: 900}}

	plan, err := planClip(segs, 500, 1200)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !plan.single {
		t.Fatal("Expected a single-segment plan")
	}
	if plan.headOffset != 0 {
		t.Errorf("Expected clamped head offset 0, got %d", plan.headOffset)
	}
	if plan.headDuration != 700 {
		t.Errorf("Expected head duration 700, got %d", plan.headDuration)
	}
}

func TestPlanClipNoCoverage(t *testing.T) {
	if _, err := planClip(nil, 0, 100); !errors.Is(err, ErrNoCoverage) {
		t.Errorf("Expected ErrNoCoverage for empty store, got %v", err)
	}

	segs := []*Segment{{Path: "a", Date: 1000, Duration: 900}}
	if _, err := planClip(segs, 100, 500); !errors.Is(err, ErrNoCoverage) {
		t.Errorf("Expected ErrNoCoverage for range before all video, got %v", err)
	}
}

func TestPruneBoundary(t *testing.T) {
	db := newFakeDB()
	store, videoDir := testStore(t, db)

	cutoff := int64(10000)
	old := writeSegmentFile(t, videoDir, cutoff-1)
	boundary := writeSegmentFile(t, videoDir, cutoff)
	recent := writeSegmentFile(t, videoDir, cutoff+900)

	store.mu.Lock()
	store.segments = []*Segment{
		{Path: old, Date: cutoff - 1},
		{Path: boundary, Date: cutoff},
		{Path: recent, Date: cutoff + 900},
	}
	store.mu.Unlock()

	if err := store.pruneBefore(cutoff); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	segs := store.Segments()
	if len(segs) != 2 {
		t.Fatalf("Expected 2 segments after prune, got %d", len(segs))
	}
	if segs[0].Date != cutoff {
		t.Errorf("Segment dated exactly at the cutoff must be retained")
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("Expected pruned file to be removed")
	}
	if _, err := os.Stat(boundary); err != nil {
		t.Error("Expected boundary file to survive")
	}
}

func TestPruneSparesOpenSegment(t *testing.T) {
	db := newFakeDB()
	store, videoDir := testStore(t, db)

	open := writeSegmentFile(t, videoDir, 100)
	store.SetOpenSegment(open)

	store.mu.Lock()
	store.segments = []*Segment{{Path: open, Date: 100}}
	store.mu.Unlock()

	if err := store.pruneBefore(10000); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if len(store.Segments()) != 1 {
		t.Fatal("Open segment must never be pruned")
	}
}

func TestTotalDuration(t *testing.T) {
	db := newFakeDB()
	store, _ := testStore(t, db)

	now := time.Now()
	store.mu.Lock()
	store.segments = []*Segment{
		{Date: 0, Duration: 900},
		{Date: 900, Duration: 900},
		{Date: now.Unix() - 120, Duration: 0, Truncated: true},
	}
	store.mu.Unlock()

	got := store.TotalDuration(now)
	if got != 900+900+120 {
		t.Errorf("Expected duration 1920, got %d", got)
	}
}

func TestConcatRejectsInvalidFormat(t *testing.T) {
	db := newFakeDB()
	store, _ := testStore(t, db)

	if _, err := store.Concat(context.Background(), Container("avi"), &Segment{Path: "x"}); err == nil {
		t.Error("Expected invalid container to be rejected")
	}
	if _, err := store.Concat(context.Background(), ContainerMP4); err == nil {
		t.Error("Expected empty segment list to be rejected")
	}
}
