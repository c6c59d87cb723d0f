package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// ErrNoCoverage is returned by Clip when no recorded data overlaps the
// requested window. It is a user-visible condition, not a system fault.
var ErrNoCoverage = errors.New("no captured video for that date range")

// ToolError reports a nonzero exit from an external media tool. The stderr
// output is captured because ffmpeg/ffprobe put everything useful there.
type ToolError struct {
	Tool   string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, out)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// StorageError wraps a durable-index read/write failure. Callers treat it as
// retryable; it never crashes the process.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("index %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the segment file vanished, typically
// a race with deletion. The segment is treated as stale and dropped on the
// next reconcile.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
