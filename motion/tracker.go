package motion

import (
	"log"
	"sync"

	"github.com/sclaflin/Frugal-NVR/database"
)

// MotionTopic is the event topic carrying motion alarm state transitions.
const MotionTopic = "VideoSource/MotionAlarm"

// Interval is a window of detected motion. Stop is nil while motion is
// still active.
type Interval struct {
	Start int64  `json:"start"`
	Stop  *int64 `json:"stop,omitempty"`
}

// Active reports whether the interval is still open.
func (i Interval) Active() bool {
	return i.Stop == nil
}

// MotionState extracts the alarm state from an event. The second return is
// false for events that are not motion alarm transitions.
func MotionState(ev database.Event) (string, bool) {
	if ev.Topic != MotionTopic {
		return "", false
	}
	for _, nv := range ev.Data {
		if nv.Name == "State" {
			return nv.Value, true
		}
	}
	return "", false
}

// Listener receives interval transitions.
type Listener func(camera string, interval Interval)

// Publisher fans interval transitions out to registered listeners.
type Publisher struct {
	mu     sync.Mutex
	opened []Listener
	closed []Listener
}

func (p *Publisher) OnOpened(fn Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, fn)
}

func (p *Publisher) OnClosed(fn Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, fn)
}

func (p *Publisher) publish(list []Listener, camera string, iv Interval) {
	p.mu.Lock()
	fns := make([]Listener, len(list))
	copy(fns, list)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(camera, iv)
	}
}

// Tracker turns a camera's raw event stream into padded motion intervals.
// Every event is persisted; motion alarm transitions additionally open and
// close intervals, widened by the configured padding so clips include the
// lead-up and tail of the activity.
type Tracker struct {
	camera         string
	timePadding    int
	minimumClipLen int
	db             database.Database
	logger         *log.Logger
	events         *Publisher

	mu        sync.Mutex
	intervals []Interval
}

// NewTracker builds a tracker for one camera.
func NewTracker(camera string, timePadding, minimumClipLen int, db database.Database, logger *log.Logger) *Tracker {
	return &Tracker{
		camera:         camera,
		timePadding:    timePadding,
		minimumClipLen: minimumClipLen,
		db:             db,
		logger:         logger,
		events:         &Publisher{},
	}
}

// Events returns the tracker's interval publisher.
func (t *Tracker) Events() *Publisher {
	return t.events
}

// HandleEvent persists the event and updates motion state. Opening an
// already open interval or closing when none is open are no-ops.
func (t *Tracker) HandleEvent(ev database.Event) error {
	ev.Camera = t.camera
	if _, err := t.db.InsertEvent(ev); err != nil {
		return err
	}

	state, ok := MotionState(ev)
	if !ok {
		return nil
	}

	switch state {
	case "1":
		t.open(ev.Time - int64(t.timePadding))
	case "0":
		t.close(ev.Time + int64(t.timePadding))
	}
	return nil
}

func (t *Tracker) open(start int64) {
	t.mu.Lock()
	if n := len(t.intervals); n > 0 && t.intervals[n-1].Active() {
		t.mu.Unlock()
		return
	}
	iv := Interval{Start: start}
	t.intervals = append(t.intervals, iv)
	t.mu.Unlock()

	t.logger.Printf("[%s] motion started at %d", t.camera, start)
	t.events.publish(t.events.opened, t.camera, iv)
}

func (t *Tracker) close(stop int64) {
	t.mu.Lock()
	n := len(t.intervals)
	if n == 0 || !t.intervals[n-1].Active() {
		t.mu.Unlock()
		return
	}
	t.intervals[n-1].Stop = &stop
	iv := t.intervals[n-1]
	t.mu.Unlock()

	t.logger.Printf("[%s] motion stopped at %d", t.camera, stop)
	t.events.publish(t.events.closed, t.camera, iv)
}

// Replay rebuilds the interval list from persisted events, dropping windows
// shorter than the minimum clip length. Called at startup so motion history
// survives restarts.
func (t *Tracker) Replay(start, stop int64) error {
	windows, err := t.db.MotionWindows(t.camera, start, stop, t.timePadding, t.minimumClipLen)
	if err != nil {
		return err
	}

	intervals := make([]Interval, 0, len(windows))
	for _, w := range windows {
		stop := w.Stop
		intervals = append(intervals, Interval{Start: w.Start, Stop: &stop})
	}

	t.mu.Lock()
	t.intervals = intervals
	t.mu.Unlock()
	t.logger.Printf("[%s] replayed %d motion intervals", t.camera, len(intervals))
	return nil
}

// Intervals returns a copy of the current interval list.
func (t *Tracker) Intervals() []Interval {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Interval, len(t.intervals))
	copy(out, t.intervals)
	return out
}

// Prune drops intervals that ended before the cutoff and deletes the
// persisted events behind them. Open intervals are always kept.
func (t *Tracker) Prune(before int64) error {
	t.mu.Lock()
	kept := t.intervals[:0]
	for _, iv := range t.intervals {
		if iv.Active() || *iv.Stop >= before {
			kept = append(kept, iv)
		}
	}
	t.intervals = kept
	t.mu.Unlock()

	return t.db.PruneEvents(t.camera, before)
}
