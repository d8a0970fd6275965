// Package archive reads and writes .cjxa bundles: zip files holding
// transcripts (.cjxt) together with the source videos they name.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/snarg/conjunx/internal/voicelines"
)

// ErrInvalidArchive is wrapped by every error caused by archive content.
var ErrInvalidArchive = errors.New("invalid archive")

const (
	// TranscriptExt marks transcript entries.
	TranscriptExt = ".cjxt"
	// Ext is the archive file extension.
	Ext = ".cjxa"
)

// maxEntryBytes caps a single decompressed entry.
const maxEntryBytes = 8 << 30

// Pair is a transcript on disk and the directory its video identifier
// resolves against.
type Pair struct {
	Transcript string
	Dir        string
}

// Extract unpacks the archive at src into dst and returns one Pair per
// transcript, sorted by path.
func Extract(src, dst string) ([]Pair, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dst, err)
	}

	for _, f := range zr.File {
		name := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(name) {
			return nil, fmt.Errorf("%w: entry %q escapes the archive root", ErrInvalidArchive, f.Name)
		}
		target := filepath.Join(dst, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %s: %w", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return nil, err
		}
	}

	pairs, err := FindTranscripts(dst)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no %s transcripts", ErrInvalidArchive, TranscriptExt)
	}
	return pairs, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.Copy(out, io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		out.Close()
		return fmt.Errorf("%w: read %s: %v", ErrInvalidArchive, f.Name, err)
	}
	if n > maxEntryBytes {
		out.Close()
		return fmt.Errorf("%w: entry %s exceeds %d bytes", ErrInvalidArchive, f.Name, int64(maxEntryBytes))
	}
	return out.Close()
}

// FindTranscripts walks dir for transcript files.
func FindTranscripts(dir string) ([]Pair, error) {
	var pairs []Pair
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), TranscriptExt) {
			return nil
		}
		pairs = append(pairs, Pair{Transcript: path, Dir: filepath.Dir(path)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Transcript < pairs[j].Transcript })
	return pairs, nil
}

// Create writes files into a new archive at dst, each stored uncompressed
// under its base name.
func Create(dst string, files []string) error {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		base := filepath.Base(f)
		if seen[base] {
			return fmt.Errorf("duplicate archive entry %q", base)
		}
		seen[base] = true
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".cjxa-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()

	zw := zip.NewWriter(tmp)
	for _, f := range files {
		if err := addFile(zw, f); err != nil {
			zw.Close()
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	hdr.Method = zip.Store

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// Pack bundles every transcript in dir with the video it names and writes
// the archive to dst. It returns the files that were added.
func Pack(dir, dst string) ([]string, error) {
	pairs, err := FindTranscripts(dir)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no %s transcripts in %s", TranscriptExt, dir)
	}

	var files []string
	videos := make(map[string]bool)
	for _, p := range pairs {
		t, err := voicelines.LoadTranscript(p.Transcript)
		if err != nil {
			return nil, err
		}
		video, err := ResolveVideo(p.Dir, t.Video())
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(video); err != nil {
			return nil, fmt.Errorf("transcript %s: %w", t.Name(), err)
		}
		files = append(files, p.Transcript)
		if !videos[video] {
			videos[video] = true
			files = append(files, video)
		}
	}
	if err := Create(dst, files); err != nil {
		return nil, err
	}
	return files, nil
}

// ResolveVideo maps a transcript's video identifier to a path inside dir.
// Identifiers must be local names; anything that would escape dir is rejected.
func ResolveVideo(dir, video string) (string, error) {
	name := filepath.FromSlash(strings.TrimSpace(video))
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: video identifier %q is not a local file name", ErrInvalidArchive, video)
	}
	return filepath.Join(dir, name), nil
}
