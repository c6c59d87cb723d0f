package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
)

// Defaults mirror the tuning the system shipped with. All of them can be
// overridden through the environment.
const (
	DefaultVideoPath        = "/app/video"
	DefaultScratchPath      = "/dev/shm"
	DefaultDatabasePath     = "./data/nvr.db"
	DefaultRetainHours      = 24
	DefaultSegmentLength    = 60 * 15 // seconds
	DefaultRestartDelay     = 5       // seconds
	DefaultMinimumClipLen   = 3       // seconds
	DefaultTimePadding      = 3       // seconds
	DefaultRetentionOverlap = 60 * 15 // seconds
	DefaultThumbnailWidth   = 540
	DefaultServerPort       = "3000"
	DefaultRestreamBase     = "rtmp://localhost/live"
)

// CameraConfig holds the settings for a single RTSP camera.
type CameraConfig struct {
	Name           string `json:"name"`            // Unique camera name (used for file naming)
	IP             string `json:"ip"`              // Camera IP address
	Port           string `json:"port"`            // RTSP port (typically 554)
	Path           string `json:"path"`            // RTSP URL path
	Username       string `json:"username"`        // RTSP authentication username
	Password       string `json:"password"`        // RTSP authentication password
	Enabled        bool   `json:"enabled"`         // Whether this camera is captured
	RetainHours    int    `json:"retain_hours"`    // Per-camera retention override (0 = global)
	GenerateThumbs *bool  `json:"generate_thumbs"` // Per-camera thumbnail override (nil = global)
}

// StreamSource returns the camera's RTSP URI with credentials embedded.
func (c CameraConfig) StreamSource() *url.URL {
	return &url.URL{
		Scheme: "rtsp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.IP + ":" + c.Port,
		Path:   c.Path,
	}
}

// Config contains all configuration for the application.
type Config struct {
	// Storage Configuration
	VideoPath    string // Root directory for retained segment files
	ScratchPath  string // Fast scratch area for transient splice/concat/thumbnail files
	DatabasePath string

	// Recording Configuration
	RetainHours      int // Hours of video to retain
	SegmentLength    int // Target segment length in seconds
	RestartDelay     int // Seconds to wait before restarting a failed capture process
	MinimumClipLen   int // Shortest motion interval worth keeping, seconds
	TimePadding      int // Seconds to widen motion intervals on each side
	RetentionOverlap int // Safety margin on the retention boundary, seconds
	GenerateThumbs   bool
	ThumbnailWidth   int

	// Server Configuration
	ServerPort   string
	RestreamBase string // RTMP base URL the splitter republishes to

	// Archive (S3-compatible) Configuration
	ArchiveEnabled   bool
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string

	// Multi-camera Configuration
	Cameras []CameraConfig
}

// LoadConfig builds a Config from environment variables, falling back to the
// compiled-in defaults. Camera definitions come from the CAMERAS_CONFIG env
// var as a JSON array.
func LoadConfig() (Config, error) {
	cfg := Config{
		VideoPath:        getEnv("VIDEO_PATH", DefaultVideoPath),
		ScratchPath:      getEnv("SCRATCH_PATH", DefaultScratchPath),
		DatabasePath:     getEnv("DATABASE_PATH", DefaultDatabasePath),
		RetainHours:      getEnvInt("RETAIN_HOURS", DefaultRetainHours),
		SegmentLength:    getEnvInt("SEGMENT_LENGTH", DefaultSegmentLength),
		RestartDelay:     getEnvInt("RESTART_DELAY", DefaultRestartDelay),
		MinimumClipLen:   getEnvInt("MINIMUM_CLIP_LENGTH", DefaultMinimumClipLen),
		TimePadding:      getEnvInt("TIME_PADDING", DefaultTimePadding),
		RetentionOverlap: getEnvInt("RETENTION_OVERLAP", DefaultRetentionOverlap),
		GenerateThumbs:   getEnvBool("GENERATE_THUMBS", true),
		ThumbnailWidth:   getEnvInt("THUMBNAIL_WIDTH", DefaultThumbnailWidth),
		ServerPort:       getEnv("SERVER_PORT", DefaultServerPort),
		RestreamBase:     getEnv("RESTREAM_BASE", DefaultRestreamBase),
		ArchiveEnabled:   getEnvBool("ARCHIVE_ENABLED", false),
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    getEnv("ARCHIVE_REGION", "auto"),
	}

	camerasJSON := getEnv("CAMERAS_CONFIG", "")
	if camerasJSON != "" {
		if err := json.Unmarshal([]byte(camerasJSON), &cfg.Cameras); err != nil {
			return cfg, fmt.Errorf("failed to parse CAMERAS_CONFIG: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the loaded configuration once, before anything is built
// from it.
func (cfg Config) Validate() error {
	if cfg.RetainHours <= 0 {
		return fmt.Errorf("RETAIN_HOURS must be positive, got %d", cfg.RetainHours)
	}
	if cfg.SegmentLength <= 0 {
		return fmt.Errorf("SEGMENT_LENGTH must be positive, got %d", cfg.SegmentLength)
	}
	if cfg.RestartDelay <= 0 {
		return fmt.Errorf("RESTART_DELAY must be positive, got %d", cfg.RestartDelay)
	}
	if cfg.RetentionOverlap < 0 {
		return fmt.Errorf("RETENTION_OVERLAP must not be negative, got %d", cfg.RetentionOverlap)
	}
	if cfg.ArchiveEnabled && cfg.ArchiveBucket == "" {
		return fmt.Errorf("ARCHIVE_BUCKET is required when ARCHIVE_ENABLED is set")
	}
	seen := map[string]bool{}
	for _, cam := range cfg.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("camera with empty name in CAMERAS_CONFIG")
		}
		if seen[cam.Name] {
			return fmt.Errorf("duplicate camera name %q in CAMERAS_CONFIG", cam.Name)
		}
		seen[cam.Name] = true
	}
	return nil
}

// CameraRetainHours resolves the retention window for one camera.
func (cfg Config) CameraRetainHours(cam CameraConfig) int {
	if cam.RetainHours > 0 {
		return cam.RetainHours
	}
	return cfg.RetainHours
}

// CameraGenerateThumbs resolves the thumbnail setting for one camera.
func (cfg Config) CameraGenerateThumbs(cam CameraConfig) bool {
	if cam.GenerateThumbs != nil {
		return *cam.GenerateThumbs
	}
	return cfg.GenerateThumbs
}

// EnsurePaths creates the directories the application needs at startup.
func EnsurePaths(cfg Config) error {
	dirs := []string{
		cfg.VideoPath,
		cfg.ScratchPath,
		filepath.Dir(cfg.DatabasePath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// getEnv returns environment variable or fallback value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
