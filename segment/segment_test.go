package segment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// stubTool places a fake external tool on PATH that records its argv and
// writes stub content to its final argument.
func stubTool(t *testing.T, name, script string) string {
	t.Helper()
	binDir, err := os.MkdirTemp("", "nvr-stub-bin")
	if err != nil {
		t.Fatalf("Failed to create stub bin dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(binDir) })

	if err := os.WriteFile(filepath.Join(binDir, name), []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write stub %s: %v", name, err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return binDir
}

func TestParseFileName(t *testing.T) {
	date, ok := ParseFileName("2026-01-02T15:04:05.mkv")
	if !ok {
		t.Fatal("Expected valid filename to parse")
	}
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.Local).Unix()
	if date != want {
		t.Errorf("Expected %d, got %d", want, date)
	}

	for _, name := range []string{
		"2026-01-02T15:04:05.mp4",
		"2026-01-02T15:04.mkv",
		"notadate.mkv",
		".2026-01-02T15:04:05.mkv.repair.mkv",
		"2026-01-02T15:04:05.mkv.tmp",
	} {
		if _, ok := ParseFileName(name); ok {
			t.Errorf("Expected %q to be rejected", name)
		}
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	date := time.Date(2026, 3, 15, 8, 30, 0, 0, time.Local).Unix()
	name := FileName(date)
	parsed, ok := ParseFileName(name)
	if !ok {
		t.Fatalf("Generated name %q did not parse", name)
	}
	if parsed != date {
		t.Errorf("Round trip changed date: %d != %d", parsed, date)
	}
}

func TestParseInspectOutput(t *testing.T) {
	stdout := []byte(`{"format": {"duration": "900.020000"}}`)

	duration, truncated, err := parseInspectOutput(stdout, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if duration != 900 {
		t.Errorf("Expected duration 900, got %d", duration)
	}
	if truncated {
		t.Error("Expected clean output to mean not truncated")
	}

	// Any stderr chatter marks the file truncated even when probing
	// succeeded.
	_, truncated, err = parseInspectOutput(stdout, []byte("[matroska,webm] File ended prematurely\n"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !truncated {
		t.Error("Expected stderr output to mean truncated")
	}
}

func TestParseInspectOutputErrors(t *testing.T) {
	if _, _, err := parseInspectOutput([]byte("not json"), nil); err == nil {
		t.Error("Expected error for unparsable output")
	}
	if _, _, err := parseInspectOutput([]byte(`{"format": {}}`), nil); err == nil {
		t.Error("Expected error for missing duration")
	}
	if _, _, err := parseInspectOutput([]byte(`{"format": {"duration": "abc"}}`), nil); err == nil {
		t.Error("Expected error for malformed duration")
	}
}

func TestRepairWritesPlayableTempFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "nvr-repair-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	argsFile := filepath.Join(dir, "args.txt")
	stubTool(t, "ffmpeg", `#!/bin/sh
printf '%s\n' "$@" > `+argsFile+`
for a in "$@"; do out=$a; done
echo repaired > "$out"
`)

	path := filepath.Join(dir, "2026-01-02T15:04:05.mkv")
	if err := os.WriteFile(path, []byte("damaged"), 0644); err != nil {
		t.Fatalf("Failed to write segment file: %v", err)
	}

	seg := New(path, 0)
	if !seg.Repair(context.Background(), discardLogger()) {
		t.Fatal("Expected repair to succeed")
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("Stub was not invoked: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(args)), "\n")
	out := lines[len(lines)-1]
	// The output name must carry the container extension or the tool
	// cannot pick a muxer for it.
	if !strings.HasSuffix(out, Ext) {
		t.Errorf("Repair output %q does not end in %q", out, Ext)
	}
	if filepath.Dir(out) != filepath.Dir(path) {
		t.Errorf("Repair output %q is not a sibling of %q", out, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Original path vanished: %v", err)
	}
	if strings.TrimSpace(string(data)) != "repaired" {
		t.Errorf("Expected repaired content to replace original, got %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".repair") {
			t.Errorf("Temporary file %s left behind", entry.Name())
		}
	}
}

func TestRepairToolFailureLeavesOriginal(t *testing.T) {
	dir, err := os.MkdirTemp("", "nvr-repair-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	stubTool(t, "ffmpeg", `#!/bin/sh
echo "muxer error" >&2
exit 1
`)

	path := filepath.Join(dir, "2026-01-02T15:04:05.mkv")
	if err := os.WriteFile(path, []byte("damaged"), 0644); err != nil {
		t.Fatalf("Failed to write segment file: %v", err)
	}

	seg := New(path, 0)
	if seg.Repair(context.Background(), discardLogger()) {
		t.Fatal("Expected repair to report failure")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Original path vanished: %v", err)
	}
	if string(data) != "damaged" {
		t.Errorf("Failed repair must leave the original untouched, got %q", data)
	}
}

func TestRefreshSizeMissingFile(t *testing.T) {
	seg := New("/nonexistent/2026-01-02T15:04:05.mkv", 0)
	err := seg.RefreshSize()
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
	if !IsNotFound(err) {
		t.Errorf("Expected a not-found error, got %v", err)
	}
}

func TestParseInspectOutputRounds(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want int
	}{
		{"12.480000", 12},
		{"899.500000", 900},
		{"0.100000", 0},
	} {
		duration, _, err := parseInspectOutput([]byte(`{"format": {"duration": "`+tc.raw+`"}}`), nil)
		if err != nil {
			t.Fatalf("Unexpected error for %q: %v", tc.raw, err)
		}
		if duration != tc.want {
			t.Errorf("Expected %q to round to %d, got %d", tc.raw, tc.want, duration)
		}
	}
}
