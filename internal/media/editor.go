// Package media wraps the ffmpeg and ffprobe binaries that cut voice lines
// out of source videos and join them into one file.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Editor is the video capability the render engine needs.
type Editor interface {
	// Probe inspects a source video.
	Probe(ctx context.Context, path string) (ProbeResult, error)
	// Subclip writes the clip's range to dst, normalised to canvas.
	Subclip(ctx context.Context, clip Clip, canvas Canvas, dst string) error
	// Concat joins clips, in order, into dst.
	Concat(ctx context.Context, clips []string, dst string) error
}

// Clip is one range of a probed source video.
type Clip struct {
	Src        string
	Start, End float64
	Source     ProbeResult
}

// Canvas is the frame layout shared by every clip of one render. The concat
// demuxer needs identical streams in every input to stream-copy.
type Canvas struct {
	Width, Height int
	FPS           int
}

const (
	DefaultFPS    = 30
	defaultWidth  = 1280
	defaultHeight = 720
)

// CanvasFor sizes the canvas after src, rounded down to even dimensions for
// yuv420p. Unknown sizes fall back to 1280x720.
func CanvasFor(src ProbeResult) Canvas {
	w, h := src.VideoSize()
	w, h = w&^1, h&^1
	if w <= 0 || h <= 0 {
		w, h = defaultWidth, defaultHeight
	}
	return Canvas{Width: w, Height: h, FPS: DefaultFPS}
}

// FFmpeg implements Editor by executing ffmpeg and ffprobe.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	preset  string
	log     zerolog.Logger
}

// NewFFmpeg returns an Editor using the given binaries. Empty values fall
// back to "ffmpeg", "ffprobe" and the "veryfast" x264 preset.
func NewFFmpeg(ffmpegPath, ffprobePath, preset string, log zerolog.Logger) *FFmpeg {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	if strings.TrimSpace(preset) == "" {
		preset = "veryfast"
	}
	return &FFmpeg{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		preset:  preset,
		log:     log,
	}
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (ProbeResult, error) {
	return Probe(ctx, f.ffprobe, path)
}

// Subclip re-encodes the range onto canvas: scaled and letterboxed to its
// size, resampled to its frame rate, with a stereo track (silence when the
// source has no audio).
func (f *FFmpeg) Subclip(ctx context.Context, clip Clip, canvas Canvas, dst string) error {
	if clip.End <= clip.Start {
		return fmt.Errorf("subclip: empty range [%g, %g]", clip.Start, clip.End)
	}
	if canvas.Width <= 0 || canvas.Height <= 0 {
		canvas = CanvasFor(clip.Source)
	}
	if canvas.FPS <= 0 {
		canvas.FPS = DefaultFPS
	}
	return f.run(ctx, subclipArgs(clip, canvas, dst, f.preset))
}

func (f *FFmpeg) Concat(ctx context.Context, clips []string, dst string) error {
	if len(clips) == 0 {
		return errors.New("concat: no clips")
	}

	list, err := os.CreateTemp(filepath.Dir(dst), ".concat-*.txt")
	if err != nil {
		return fmt.Errorf("concat list: %w", err)
	}
	listPath := list.Name()
	defer os.Remove(listPath)

	if _, err := list.WriteString(concatList(clips)); err != nil {
		list.Close()
		return fmt.Errorf("concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("concat list: %w", err)
	}

	return f.run(ctx, concatArgs(listPath, dst))
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	f.log.Debug().Strs("args", args).Msg("running ffmpeg")
	cmd := exec.CommandContext(ctx, f.ffmpeg, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(string(output), 512))
	}
	return nil
}

const silence = "anullsrc=r=48000:cl=stereo"

func subclipArgs(clip Clip, canvas Canvas, dst, preset string) []string {
	silent := clip.Source.AudioStreamCount() == 0
	args := []string{
		"-y", "-hide_banner", "-v", "error",
		"-ss", formatSeconds(clip.Start),
		"-t", formatSeconds(clip.End - clip.Start),
		"-i", clip.Src,
	}
	audio := "0:a:0"
	if silent {
		args = append(args, "-f", "lavfi", "-i", silence)
		audio = "1:a:0"
	}
	args = append(args,
		"-map", "0:v:0", "-map", audio,
		"-vf", canvasFilter(canvas),
		"-c:v", "libx264", "-preset", preset, "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-ar", "48000", "-ac", "2",
	)
	if silent {
		args = append(args, "-shortest")
	}
	return append(args,
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		dst,
	)
}

// canvasFilter fits the frame inside the canvas, pads the rest black and
// fixes the frame rate.
func canvasFilter(c Canvas) string {
	return fmt.Sprintf(
		"scale=%[1]d:%[2]d:force_original_aspect_ratio=decrease,pad=%[1]d:%[2]d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%[3]d",
		c.Width, c.Height, c.FPS,
	)
}

func concatArgs(listPath, dst string) []string {
	return []string{
		"-y", "-hide_banner", "-v", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		dst,
	}
}

// concatList renders the concat demuxer input. Paths are single-quoted, with
// embedded quotes closed, escaped and reopened.
func concatList(clips []string) string {
	var b strings.Builder
	for _, c := range clips {
		if abs, err := filepath.Abs(c); err == nil {
			c = abs
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(c, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
