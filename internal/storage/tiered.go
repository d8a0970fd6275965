package storage

import (
	"context"
	"io"

	"github.com/rs/zerolog"
)

// remote is the part of S3Store the tiered store and its background
// services depend on.
type remote interface {
	Put(ctx context.Context, key, srcPath, contentType string) error
	Exists(ctx context.Context, key string) bool
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	URL(ctx context.Context, key string) (string, error)
}

// TieredStore combines local disk (source of truth) with S3 (backup/durability).
// Write path: save locally first (never block a render on S3), then push to S3.
// Read path: local first, S3 fallback with cache-on-read.
type TieredStore struct {
	s3       remote
	local    *LocalStore
	uploader *AsyncUploader
	log      zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + S3-backup store. When
// uploader is nil the S3 copy is written synchronously.
func NewTieredStore(s3 remote, local *LocalStore, uploader *AsyncUploader, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		s3:       s3,
		local:    local,
		uploader: uploader,
		log:      log.With().Str("component", "tiered-store").Logger(),
	}
}

// Put writes to local disk first (fatal on failure), then S3 (warning on failure).
// S3 failures are non-fatal; the upload reconciler will catch them.
func (s *TieredStore) Put(ctx context.Context, key, srcPath, ct string) error {
	if err := s.local.Put(ctx, key, srcPath, ct); err != nil {
		return err
	}
	path := s.local.LocalPath(key)
	if s.uploader != nil {
		s.uploader.Enqueue(key, path, ct)
		return nil
	}
	if err := s.s3.Put(ctx, key, path, ct); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("S3 backup write failed, reconciler will retry")
	}
	return nil
}

func (s *TieredStore) LocalPath(key string) string {
	return s.local.LocalPath(key)
}

func (s *TieredStore) URL(ctx context.Context, key string) (string, error) {
	return s.s3.URL(ctx, key)
}

// Open returns a reader for the video. Checks local disk first, then
// falls back to S3. On S3 hit, the file is cached locally for future reads.
func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.s3.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	tmp, err := s.local.stage(r)
	if err != nil {
		return nil, err
	}
	if cacheErr := s.local.Put(ctx, key, tmp, ""); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache S3 file locally")
		return openAndRemove(tmp)
	}
	return s.local.Open(ctx, key)
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	if s.local.Exists(ctx, key) {
		return true
	}
	return s.s3.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
