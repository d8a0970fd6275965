package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/config"
)

// OutputStore abstracts where rendered videos are kept.
type OutputStore interface {
	// Put stores the file at srcPath under key. key format: {YYYY-MM-DD}/{job_id}.mp4
	// The source file may be moved rather than copied.
	Put(ctx context.Context, key, srcPath, contentType string) error

	// LocalPath returns the local filesystem path if the file exists on disk.
	// Returns "" if not available locally.
	LocalPath(key string) string

	// URL returns a presigned URL for the file.
	// Returns "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for the file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a file exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// Options configures New.
type Options struct {
	S3        config.S3Config
	OutputDir string
	Retention time.Duration
	MaxGB     int
	Log       zerolog.Logger
}

// New creates an OutputStore based on config. Returns the store and optional
// background services (pruner, reconciler, uploader) that the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(opts Options) (OutputStore, []BackgroundService, error) {
	log := opts.Log
	if !opts.S3.Enabled() {
		var services []BackgroundService
		if opts.Retention > 0 || opts.MaxGB > 0 {
			services = append(services, NewOutputPruner(opts.OutputDir, opts.Retention, opts.MaxGB, nil, log))
		}
		return NewLocalStore(opts.OutputDir), services, nil
	}

	s3store, err := NewS3Store(opts.S3, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			opts.S3.Bucket, opts.S3.Endpoint, err)
	}
	log.Info().Str("bucket", opts.S3.Bucket).Str("endpoint", opts.S3.Endpoint).Msg("S3 connection verified")

	if !opts.S3.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary + S3 backup
	local := NewLocalStore(opts.OutputDir)
	uploader := NewAsyncUploader(s3store, 64, 2, log)
	tiered := NewTieredStore(s3store, local, uploader, log)

	services := []BackgroundService{uploader}
	if opts.Retention > 0 || opts.MaxGB > 0 {
		services = append(services, NewOutputPruner(opts.OutputDir, opts.Retention, opts.MaxGB, s3store, log))
	}
	services = append(services, NewUploadReconciler(opts.OutputDir, s3store, log))

	return tiered, services, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// ContentTypeFromExt returns the MIME type for a video file extension.
func ContentTypeFromExt(ext string) string {
	switch ext {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}
