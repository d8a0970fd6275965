package media

import (
	"context"
	"testing"
)

func TestParseProbe(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1280, "height": 720},
			{"index": 1, "codec_name": "aac", "codec_type": "audio"}
		],
		"format": {"filename": "a.mp4", "nb_streams": 2, "duration": "12.480000", "format_name": "mov,mp4"}
	}`)

	r, err := parseProbe(data)
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if r.VideoStreamCount() != 1 {
		t.Errorf("VideoStreamCount = %d, want 1", r.VideoStreamCount())
	}
	if r.AudioStreamCount() != 1 {
		t.Errorf("AudioStreamCount = %d, want 1", r.AudioStreamCount())
	}
	if r.DurationSeconds() != 12.48 {
		t.Errorf("DurationSeconds = %v, want 12.48", r.DurationSeconds())
	}
}

func TestParseProbe_Invalid(t *testing.T) {
	if _, err := parseProbe([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDurationSeconds_Unknown(t *testing.T) {
	for _, d := range []string{"", "N/A", "-3"} {
		r := ProbeResult{Format: Format{Duration: d}}
		if got := r.DurationSeconds(); got != 0 {
			t.Errorf("DurationSeconds(%q) = %v, want 0", d, got)
		}
	}
}

func TestProbe_EmptyPath(t *testing.T) {
	if _, err := Probe(context.Background(), "", " "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestCheckBinaries_Missing(t *testing.T) {
	st := CheckBinaries("/nonexistent/ffmpeg-xyz", "/nonexistent/ffprobe-xyz")
	if len(st) != 2 {
		t.Fatalf("got %d statuses, want 2", len(st))
	}
	for _, s := range st {
		if s.Available {
			t.Errorf("%s reported available", s.Name)
		}
		if s.Detail == "" {
			t.Errorf("%s missing detail", s.Name)
		}
	}
}
