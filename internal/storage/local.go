package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore stores rendered videos on the local filesystem.
type LocalStore struct {
	dir string
}

// NewLocalStore creates a local filesystem output store.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

// Put moves srcPath into place, falling back to a copy when the rename
// crosses filesystems. The destination appears atomically either way.
func (s *LocalStore) Put(ctx context.Context, key, srcPath, contentType string) error {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	if err := os.Rename(srcPath, path); err == nil {
		return nil
	}

	// Atomic write: temp file + rename
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, ".render-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *LocalStore) LocalPath(key string) string {
	full := filepath.Join(s.dir, filepath.FromSlash(key))
	if _, err := os.Stat(full); err == nil {
		return full
	}
	return ""
}

func (s *LocalStore) URL(ctx context.Context, key string) (string, error) {
	return "", nil
}

func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.dir, filepath.FromSlash(key)))
}

func (s *LocalStore) Exists(ctx context.Context, key string) bool {
	_, err := os.Stat(filepath.Join(s.dir, filepath.FromSlash(key)))
	return err == nil
}

func (s *LocalStore) Type() string { return "local" }

// Dir returns the output directory path.
func (s *LocalStore) Dir() string { return s.dir }

// stage copies r into a temp file inside the output directory and returns its path.
func (s *LocalStore) stage(r io.Reader) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".render-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close: %w", err)
	}
	return tmp.Name(), nil
}

// removeOnClose deletes its file once the reader is closed.
type removeOnClose struct {
	*os.File
}

func (f removeOnClose) Close() error {
	err := f.File.Close()
	os.Remove(f.File.Name())
	return err
}

func openAndRemove(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return removeOnClose{f}, nil
}
