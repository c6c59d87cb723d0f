package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// ArchiveConfig holds credentials and target for an S3-compatible archive
// bucket (AWS S3, Cloudflare R2, MinIO).
type ArchiveConfig struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Endpoint  string
	Region    string
}

const maxUploadAttempts = 3

// Archive uploads assembled clips to an S3-compatible bucket for off-box
// retention.
type Archive struct {
	config   ArchiveConfig
	uploader *s3manager.Uploader
	logger   *log.Logger
}

// NewArchive builds an archive client. Multipart uploads run sequentially
// over a single connection so archival never starves the capture streams of
// bandwidth.
func NewArchive(config ArchiveConfig, logger *log.Logger) (*Archive, error) {
	if config.Region == "" {
		config.Region = "auto"
	}

	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive session: %w", err)
	}

	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 1
	})

	return &Archive{config: config, uploader: uploader, logger: logger}, nil
}

// ClipKey is the canonical object key for an archived clip.
func ClipKey(camera string, start, stop int64, ext string) string {
	return fmt.Sprintf("%s/%d-%d.%s", camera, start, stop, ext)
}

// UploadClip stores a local clip file under the given key, retrying with
// exponential backoff on transient failures.
func (a *Archive) UploadClip(localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open clip %s: %w", localPath, err)
	}
	defer file.Close()

	contentType := "application/octet-stream"
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".mp4":
		contentType = "video/mp4"
	case ".flv":
		contentType = "video/x-flv"
	case ".mkv":
		contentType = "video/x-matroska"
	}

	var lastErr error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		if _, err := file.Seek(0, 0); err != nil {
			return fmt.Errorf("failed to rewind clip file: %w", err)
		}

		_, lastErr = a.uploader.Upload(&s3manager.UploadInput{
			Bucket:      aws.String(a.config.Bucket),
			Key:         aws.String(key),
			Body:        file,
			ContentType: aws.String(contentType),
		})
		if lastErr == nil {
			a.logger.Printf("archived clip %s as %s", localPath, key)
			return nil
		}

		a.logger.Printf("archive attempt %d/%d failed for %s: %v", attempt, maxUploadAttempts, key, lastErr)
		time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
	}
	return fmt.Errorf("failed to archive clip after %d attempts: %w", maxUploadAttempts, lastErr)
}
