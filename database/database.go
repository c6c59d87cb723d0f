package database

// SegmentRecord is one row of the durable segment index. ID is the surrogate
// key assigned on first insert; a zero ID means the segment has never been
// persisted.
type SegmentRecord struct {
	ID        int64  `json:"id"`
	Camera    string `json:"camera"`
	Path      string `json:"path"`      // Store-relative file path, unique
	StartTime int64  `json:"startTime"` // Segment start, epoch seconds
	Duration  int    `json:"duration"`  // Whole seconds
	Bytes     int64  `json:"bytes"`
	Truncated bool   `json:"truncated"` // True until inspection proves otherwise
}

// NameValue is a named attribute attached to a camera event.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Event is one normalized camera event plus its source and data attributes.
type Event struct {
	Camera   string      `json:"camera"`
	Topic    string      `json:"topic"`
	Time     int64       `json:"time"` // Epoch seconds
	Property string      `json:"property"`
	Source   []NameValue `json:"source"`
	Data     []NameValue `json:"data"`
}

// MotionWindow is a closed activity interval derived from stored events.
type MotionWindow struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// Database defines the interface for the durable index.
type Database interface {
	// Segment index operations
	UpsertSegment(rec *SegmentRecord) error
	ListSegments(camera string) ([]SegmentRecord, error)
	DeleteSegment(id int64) error

	// Event operations
	InsertEvent(ev Event) (int64, error)
	MotionWindows(camera string, start, stop int64, timePadding, minimumClipLen int) ([]MotionWindow, error)
	PruneEvents(camera string, before int64) error

	Close() error
}
