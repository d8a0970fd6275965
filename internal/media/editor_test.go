package media

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func probeOf(width, height int, audio bool, duration string) ProbeResult {
	r := ProbeResult{
		Streams: []Stream{{CodecType: "video", Width: width, Height: height}},
		Format:  Format{Duration: duration},
	}
	if audio {
		r.Streams = append(r.Streams, Stream{CodecType: "audio"})
	}
	return r
}

func TestSubclipArgs(t *testing.T) {
	canvas := Canvas{Width: 1280, Height: 720, FPS: 30}
	tests := []struct {
		name    string
		clip    Clip
		want    []string
		notWant []string
	}{
		{
			name: "with_audio",
			clip: Clip{Src: "/src/a.mp4", Start: 1.25, End: 3.5, Source: probeOf(1280, 720, true, "10")},
			want: []string{
				"-ss 1.250 -t 2.250 -i /src/a.mp4 -map 0:v:0 -map 0:a:0 ",
				"-preset fast",
				"-c:v libx264",
				"-c:a aac -ar 48000 -ac 2",
			},
			notWant: []string{"anullsrc", "-shortest"},
		},
		{
			name: "silent_source_gets_null_audio",
			clip: Clip{Src: "/src/mute.mp4", Start: 0, End: 1, Source: probeOf(1280, 720, false, "10")},
			want: []string{
				"-i /src/mute.mp4 -f lavfi -i anullsrc=r=48000:cl=stereo -map 0:v:0 -map 1:a:0 ",
				"-c:a aac -ar 48000 -ac 2 -shortest",
			},
		},
		{
			name: "other_size_scaled_and_padded",
			clip: Clip{Src: "/src/tall.mp4", Start: 0, End: 1, Source: probeOf(720, 1280, true, "10")},
			want: []string{
				"-vf scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=30",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := subclipArgs(tt.clip, canvas, "/out/0001.mp4", "fast")
			joined := strings.Join(args, " ")
			for _, want := range tt.want {
				if !strings.Contains(joined, want) {
					t.Errorf("args %q missing %q", joined, want)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(joined, nw) {
					t.Errorf("args %q should not contain %q", joined, nw)
				}
			}
			if args[len(args)-1] != "/out/0001.mp4" {
				t.Errorf("last arg = %q, want output path", args[len(args)-1])
			}
		})
	}
}

func TestCanvasFor(t *testing.T) {
	tests := []struct {
		name string
		src  ProbeResult
		want Canvas
	}{
		{"source_size", probeOf(1920, 1080, true, ""), Canvas{1920, 1080, DefaultFPS}},
		{"odd_rounded_down", probeOf(641, 481, true, ""), Canvas{640, 480, DefaultFPS}},
		{"unknown_size", probeOf(0, 0, true, ""), Canvas{1280, 720, DefaultFPS}},
		{"no_video", ProbeResult{}, Canvas{1280, 720, DefaultFPS}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanvasFor(tt.src); got != tt.want {
				t.Errorf("CanvasFor = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConcatArgs(t *testing.T) {
	got := strings.Join(concatArgs("/w/list.txt", "/w/out.mp4"), " ")
	want := "-y -hide_banner -v error -f concat -safe 0 -i /w/list.txt -c copy -movflags +faststart /w/out.mp4"
	if got != want {
		t.Errorf("concatArgs = %q, want %q", got, want)
	}
}

func TestConcatList(t *testing.T) {
	got := concatList([]string{"/w/clips/0000.mp4", "/w/it's.mp4"})
	want := "file '/w/clips/0000.mp4'\nfile '/w/it'\\''s.mp4'\n"
	if got != want {
		t.Errorf("concatList = %q, want %q", got, want)
	}
}

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.000"},
		{1, "1.000"},
		{12.3456, "12.346"},
	}
	for _, tt := range tests {
		if got := formatSeconds(tt.in); got != tt.want {
			t.Errorf("formatSeconds(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short \n", 10); got != "short" {
		t.Errorf("tail = %q, want short", got)
	}
	if got := tail("abcdefghij", 3); got != "...hij" {
		t.Errorf("tail = %q, want ...hij", got)
	}
}

func TestNewFFmpegDefaults(t *testing.T) {
	f := NewFFmpeg("", " ", "", zerolog.Nop())
	if f.ffmpeg != "ffmpeg" || f.ffprobe != "ffprobe" || f.preset != "veryfast" {
		t.Errorf("defaults = %q %q %q", f.ffmpeg, f.ffprobe, f.preset)
	}
}

func TestFFmpeg_RejectsBadInput(t *testing.T) {
	f := NewFFmpeg("", "", "", zerolog.Nop())
	if err := f.Subclip(context.Background(), Clip{Src: "a.mp4", Start: 2, End: 2}, Canvas{}, "out.mp4"); err == nil {
		t.Error("expected error for empty range")
	}
	if err := f.Concat(context.Background(), nil, "out.mp4"); err == nil {
		t.Error("expected error for no clips")
	}
}

// fakeFFmpeg writes a shell script that records its arguments (and the
// concat list, when given one) into dir.
func fakeFFmpeg(t *testing.T, exitCode int) (bin, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args.txt")
	script := `#!/bin/sh
printf '%s\n' "$@" > "` + argsFile + `"
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then
    case "$a" in *.txt) cat "$a" >> "` + argsFile + `" ;; esac
  fi
  prev="$a"
done
echo "fake failure" >&2
exit ` + strconv.Itoa(exitCode) + `
`
	bin = filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func TestFFmpeg_ConcatRunsBinary(t *testing.T) {
	bin, argsFile := fakeFFmpeg(t, 0)
	f := NewFFmpeg(bin, "", "", zerolog.Nop())
	out := filepath.Join(t.TempDir(), "out.mp4")

	if err := f.Concat(context.Background(), []string{"/clips/0000.mp4", "/clips/0001.mp4"}, out); err != nil {
		t.Fatalf("Concat: %v", err)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.Contains(got, "file '/clips/0000.mp4'\nfile '/clips/0001.mp4'\n") {
		t.Errorf("concat list not passed in order:\n%s", got)
	}
	if !strings.Contains(got, out) {
		t.Errorf("output path missing from args:\n%s", got)
	}

	// The list file is removed afterwards.
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(out), ".concat-*.txt"))
	if len(matches) != 0 {
		t.Errorf("concat list left behind: %v", matches)
	}
}

func TestFFmpeg_FailureIncludesStderr(t *testing.T) {
	bin, _ := fakeFFmpeg(t, 1)
	f := NewFFmpeg(bin, "", "", zerolog.Nop())

	err := f.Subclip(context.Background(), Clip{Src: "a.mp4", End: 1}, Canvas{}, filepath.Join(t.TempDir(), "c.mp4"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "fake failure") {
		t.Errorf("error %q should include ffmpeg output", err)
	}
}

func TestFFmpeg_SubclipDefaultsCanvasToSource(t *testing.T) {
	bin, argsFile := fakeFFmpeg(t, 0)
	f := NewFFmpeg(bin, "", "", zerolog.Nop())
	clip := Clip{Src: "a.mp4", End: 1, Source: probeOf(640, 360, false, "5")}

	if err := f.Subclip(context.Background(), clip, Canvas{}, filepath.Join(t.TempDir(), "c.mp4")); err != nil {
		t.Fatalf("Subclip: %v", err)
	}
	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	for _, want := range []string{"scale=640:360:", "fps=30", "anullsrc=r=48000:cl=stereo", "-shortest"} {
		if !strings.Contains(got, want) {
			t.Errorf("args missing %q:\n%s", want, got)
		}
	}
}

func TestFFmpeg_CanceledContext(t *testing.T) {
	bin, _ := fakeFFmpeg(t, 1)
	f := NewFFmpeg(bin, "", "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.Subclip(ctx, Clip{Src: "a.mp4", End: 1}, Canvas{}, filepath.Join(t.TempDir(), "c.mp4"))
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
