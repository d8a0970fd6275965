package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/metrics"
)

// OutputPruner evicts rendered videos from the local output directory by age
// and by total size, oldest first. With a remote attached, a file is only
// evicted once the remote holds a copy.
type OutputPruner struct {
	outputDir string
	retention time.Duration
	maxBytes  int64
	interval  time.Duration
	remote    remote
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewOutputPruner returns a pruner for outputDir. remote may be nil.
func NewOutputPruner(outputDir string, retention time.Duration, maxGB int, remote remote, log zerolog.Logger) *OutputPruner {
	return &OutputPruner{
		outputDir: outputDir,
		retention: retention,
		maxBytes:  int64(maxGB) << 30,
		interval:  time.Hour,
		remote:    remote,
		log:       log.With().Str("component", "output-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *OutputPruner) Start() { go p.loop() }

func (p *OutputPruner) Stop() { p.stopOnce.Do(func() { close(p.stop) }) }

func (p *OutputPruner) loop() {
	p.prune(time.Now())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.prune(now)
		case <-p.stop:
			return
		}
	}
}

type output struct {
	path    string
	key     string
	modTime time.Time
	size    int64
}

type pruneStats struct {
	pruned         int
	prunedBytes    int64
	remainingBytes int64
	skippedNotInS3 int
}

// scanOutputs lists finished renders oldest first. Hidden and temporary
// files belong to writes in progress and are skipped.
func scanOutputs(dir string) ([]output, int64) {
	var outs []output
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), ".") || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		outs = append(outs, output{path: path, key: filepath.ToSlash(rel), modTime: info.ModTime(), size: info.Size()})
		total += info.Size()
		return nil
	})
	slices.SortFunc(outs, func(a, b output) int { return a.modTime.Compare(b.modTime) })
	return outs, total
}

func (p *OutputPruner) prune(now time.Time) pruneStats {
	var st pruneStats
	if p.retention == 0 && p.maxBytes == 0 {
		return st
	}
	outs, total := scanOutputs(p.outputDir)
	cutoff := now.Add(-p.retention)

	for _, o := range outs {
		expired := p.retention > 0 && o.modTime.Before(cutoff)
		oversize := p.maxBytes > 0 && total > p.maxBytes
		if !expired && !oversize {
			// Sorted oldest first: nothing later is expired, and the size
			// budget is already met.
			break
		}
		if !p.backedUp(o.key) {
			st.skippedNotInS3++
			p.log.Warn().Str("key", o.key).Msg("keeping render: not yet in S3")
			continue
		}
		if err := os.Remove(o.path); err != nil {
			p.log.Warn().Err(err).Str("key", o.key).Msg("failed to prune render")
			continue
		}
		st.pruned++
		st.prunedBytes += o.size
		total -= o.size
	}
	st.remainingBytes = total
	removeEmptyDirs(p.outputDir)

	metrics.OutputsPrunedTotal.Add(float64(st.pruned))
	if st.pruned > 0 || st.skippedNotInS3 > 0 {
		p.log.Info().
			Int("pruned", st.pruned).
			Str("freed", humanizeBytes(st.prunedBytes)).
			Str("remaining", humanizeBytes(st.remainingBytes)).
			Int("skipped_not_in_s3", st.skippedNotInS3).
			Msg("output prune complete")
	}
	return st
}

func (p *OutputPruner) backedUp(key string) bool {
	if p.remote == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.remote.Exists(ctx, key)
}

// removeEmptyDirs drops date directories left empty by pruning.
func removeEmptyDirs(dir string) {
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if rest, err := os.ReadDir(sub); err == nil && len(rest) == 0 {
			os.Remove(sub)
		}
	}
}

func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGT"[exp])
}
