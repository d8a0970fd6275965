// Package spool manages the scratch directory render jobs work in. One
// process owns a spool at a time; every job gets its own workdir that is
// removed when the job finishes.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const lockName = ".lock"

// uploadPrefix names archives staged in the spool root by the HTTP API.
const uploadPrefix = "upload-"

// ErrLocked is returned by Open when another process holds the spool.
var ErrLocked = errors.New("spool is locked by another process")

// Spool is an exclusively locked scratch directory.
type Spool struct {
	dir  string
	lock *flock.Flock
	log  zerolog.Logger
}

// Open creates dir if needed, takes the spool lock and removes workdirs
// older than maxAge left behind by a previous run. maxAge <= 0 skips cleanup.
func Open(dir string, maxAge time.Duration, log zerolog.Logger) (*Spool, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire spool lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	s := &Spool{
		dir:  dir,
		lock: lock,
		log:  log.With().Str("component", "spool").Logger(),
	}
	if maxAge > 0 {
		res := CleanStale(dir, maxAge, s.log)
		if len(res.Removed) > 0 || len(res.Errors) > 0 {
			s.log.Info().Int("removed", len(res.Removed)).Int("errors", len(res.Errors)).Msg("stale workdirs cleaned")
		}
	}
	return s, nil
}

// Dir returns the spool root.
func (s *Spool) Dir() string { return s.dir }

// Workdir creates and returns the workdir for a job. A leftover directory
// with the same id is cleared first so partial output is never reused.
func (s *Spool) Workdir(id string) (string, error) {
	if id == "" || !filepath.IsLocal(id) || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	path := filepath.Join(s.dir, id)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("clear workdir: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	return path, nil
}

// Release removes a job's workdir. Failures are logged.
func (s *Spool) Release(id string) {
	if id == "" {
		return
	}
	path := filepath.Join(s.dir, id)
	if err := os.RemoveAll(path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to remove workdir")
	}
}

// Close releases the spool lock.
func (s *Spool) Close() error {
	return s.lock.Unlock()
}

// CleanStaleResult contains the outcome of a stale workdir cleanup.
type CleanStaleResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes workdirs and staged uploads under dir whose
// modification time is older than maxAge. Other files are left alone.
func CleanStale(dir string, maxAge time.Duration, log zerolog.Logger) CleanStaleResult {
	result := CleanStaleResult{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasPrefix(entry.Name(), uploadPrefix) {
			continue
		}
		dirPath := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			log.Warn().Err(err).Str("path", dirPath).Msg("failed to remove stale spool entry")
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		log.Debug().Str("path", dirPath).Dur("age", time.Since(info.ModTime())).Msg("removed stale spool entry")
	}
	return result
}
