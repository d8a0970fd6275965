package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/archive"
	"github.com/snarg/conjunx/internal/media"
	"github.com/snarg/conjunx/internal/metrics"
	"github.com/snarg/conjunx/internal/storage"
	"github.com/snarg/conjunx/internal/voicelines"
)

// Workspace hands out per-job scratch directories.
type Workspace interface {
	Workdir(id string) (string, error)
	Release(id string)
}

// Engine renders jobs. It holds no per-job state and is safe for concurrent use.
type Engine struct {
	spool  Workspace
	editor media.Editor
	store  storage.OutputStore
	picker voicelines.Picker
	log    zerolog.Logger
}

// NewEngine creates an engine. A nil picker selects uniformly at random.
func NewEngine(spool Workspace, editor media.Editor, store storage.OutputStore, picker voicelines.Picker, log zerolog.Logger) *Engine {
	if picker == nil {
		picker = voicelines.NewRandomPicker(0)
	}
	return &Engine{
		spool:  spool,
		editor: editor,
		store:  store,
		picker: picker,
		log:    log.With().Str("component", "render-engine").Logger(),
	}
}

// Store returns the output store rendered videos are written to.
func (e *Engine) Store() storage.OutputStore { return e.store }

// Render runs job to completion: unpack, match, cut, join, store.
// The job's workdir is removed on return whatever the outcome.
func (e *Engine) Render(ctx context.Context, job Job) (*Result, error) {
	start := time.Now()
	log := e.log.With().Str("job_id", job.ID).Logger()
	if job.RemoveArchive && job.Archive != "" {
		defer os.Remove(job.Archive)
	}

	if voicelines.Normalize(job.Dictate) == "" {
		return nil, voicelines.ErrEmptyDictate
	}

	workdir, err := e.spool.Workdir(job.ID)
	if err != nil {
		return nil, &IOError{Path: job.ID, Err: err}
	}
	defer e.spool.Release(job.ID)

	sources := job.Sources
	if job.Archive != "" {
		stage := time.Now()
		pairs, err := archive.Extract(job.Archive, filepath.Join(workdir, "src"))
		if err != nil {
			if errors.Is(err, archive.ErrInvalidArchive) {
				return nil, fmt.Errorf("extract archive: %w", err)
			}
			return nil, &IOError{Path: job.Archive, Err: err}
		}
		metrics.ObserveStage("extract", stage)
		sources = append(sources, SourcesFromPairs(pairs)...)
	}

	coll, dirs, err := LoadCollection(sources)
	if err != nil {
		return nil, err
	}

	lines, err := voicelines.Speak(job.Dictate, coll, e.picker)
	if err != nil {
		return nil, err
	}
	metrics.RenderLinesMatched.Observe(float64(len(lines)))
	log.Debug().Int("lines", len(lines)).Int("transcripts", coll.Transcripts()).Msg("dictate matched")

	clipsDir := filepath.Join(workdir, "clips")
	if err := os.MkdirAll(clipsDir, 0o755); err != nil {
		return nil, &IOError{Path: clipsDir, Err: err}
	}

	cuts, err := e.plan(ctx, lines, dirs)
	if err != nil {
		return nil, err
	}
	canvas := media.CanvasFor(cuts[0].Source)

	clips := make([]string, 0, len(cuts))
	for i, clip := range cuts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stage := time.Now()
		dst := filepath.Join(clipsDir, fmt.Sprintf("%04d.mp4", i))
		if err := e.editor.Subclip(ctx, clip, canvas, dst); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &EncodeError{Op: "subclip", Err: fmt.Errorf("%s: %w", lines[i], err)}
		}
		metrics.ObserveStage("subclip", stage)
		clips = append(clips, dst)
	}

	stage := time.Now()
	out := filepath.Join(workdir, "output.mp4")
	if err := e.editor.Concat(ctx, clips, out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &EncodeError{Op: "concat", Err: err}
	}
	metrics.ObserveStage("concat", stage)

	stage = time.Now()
	key := job.OutputKey()
	if err := e.store.Put(ctx, key, out, storage.ContentTypeFromExt(".mp4")); err != nil {
		return nil, &IOError{Path: key, Err: err}
	}
	metrics.ObserveStage("store", stage)

	res := &Result{
		JobID:     job.ID,
		OutputKey: key,
		Lines:     LineRefs(lines),
		Duration:  time.Since(start),
	}
	log.Info().Str("key", key).Int("lines", len(lines)).Dur("took", res.Duration).Msg("render complete")
	return res, nil
}

// plan resolves and probes the source of every line before anything is
// encoded. A line running past the end of its video is an IOError.
func (e *Engine) plan(ctx context.Context, lines []*voicelines.VoiceLine, dirs map[*voicelines.Transcript]string) ([]media.Clip, error) {
	probed := make(map[string]media.ProbeResult)
	cuts := make([]media.Clip, 0, len(lines))
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := archive.ResolveVideo(dirs[line.Transcript()], line.Video)
		if err != nil {
			return nil, err
		}
		pr, ok := probed[src]
		if !ok {
			if pr, err = e.probe(ctx, src); err != nil {
				return nil, err
			}
			probed[src] = pr
		}
		if d := pr.DurationSeconds(); d > 0 && line.End > d {
			return nil, &IOError{Path: src, Err: fmt.Errorf("%q ends at %gs but the video is only %gs long", line.Phrase, line.End, d)}
		}
		cuts = append(cuts, media.Clip{Src: src, Start: line.Start, End: line.End, Source: pr})
	}
	return cuts, nil
}

// probe checks that src exists and carries a video stream.
func (e *Engine) probe(ctx context.Context, src string) (media.ProbeResult, error) {
	if _, err := os.Stat(src); err != nil {
		return media.ProbeResult{}, &IOError{Path: src, Err: err}
	}
	pr, err := e.editor.Probe(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return media.ProbeResult{}, ctx.Err()
		}
		return media.ProbeResult{}, &IOError{Path: src, Err: err}
	}
	if pr.VideoStreamCount() == 0 {
		return media.ProbeResult{}, &IOError{Path: src, Err: errors.New("no video stream")}
	}
	return pr, nil
}

// SourcesFromPairs converts discovered transcript/video pairs into sources.
func SourcesFromPairs(pairs []archive.Pair) []Source {
	sources := make([]Source, len(pairs))
	for i, p := range pairs {
		sources[i] = Source{Transcript: p.Transcript, VideoDir: p.Dir}
	}
	return sources
}

// LoadCollection parses every source transcript into one collection and
// returns the video directory each transcript resolves against.
func LoadCollection(sources []Source) (*voicelines.Collection, map[*voicelines.Transcript]string, error) {
	coll := voicelines.NewCollection()
	dirs := make(map[*voicelines.Transcript]string, len(sources))
	for _, src := range sources {
		t, err := voicelines.LoadTranscript(src.Transcript)
		if err != nil {
			var pe *voicelines.ParseError
			if errors.As(err, &pe) {
				return nil, nil, err
			}
			return nil, nil, &IOError{Path: src.Transcript, Err: err}
		}
		dir := src.VideoDir
		if dir == "" {
			dir = filepath.Dir(src.Transcript)
		}
		dirs[t] = dir
		coll.AddTranscript(t)
	}
	return coll, dirs, nil
}
