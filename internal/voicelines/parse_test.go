package voicelines

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, body string) *Transcript {
	t.Helper()
	tr, err := ParseTranscript("test.cjxt", strings.NewReader(body))
	require.NoError(t, err)
	return tr
}

func TestParseTranscript(t *testing.T) {
	tr := mustParse(t, "a.mp4\nHello,0,1\n world ,1,2.5\nhello,3,4\n")

	assert.Equal(t, "test.cjxt", tr.Name())
	assert.Equal(t, "a.mp4", tr.Video())
	require.Equal(t, 3, tr.Len())

	first := tr.Line(0)
	assert.Equal(t, "hello", first.Phrase)
	assert.Equal(t, "a.mp4", first.Video)
	assert.Equal(t, 0.0, first.Start)
	assert.Equal(t, 1.0, first.End)
	assert.Equal(t, "world", tr.Line(1).Phrase)
	assert.Equal(t, 1.5, tr.Line(1).Duration())

	assert.Equal(t, []string{"hello", "world"}, tr.Phrases())
	hellos := tr.Lookup("HELLO")
	require.Len(t, hellos, 2)
	assert.Equal(t, 0.0, hellos[0].Start)
	assert.Equal(t, 3.0, hellos[1].Start)
	assert.Nil(t, tr.Lookup("nope"))
}

func TestParseTranscript_NextChain(t *testing.T) {
	tr := mustParse(t, "a.mp4\none,0,1\ntwo,1,2\nthree,2,3\n")

	one := tr.Line(0)
	require.NotNil(t, one.Next())
	assert.Equal(t, "two", one.Next().Phrase)
	assert.Equal(t, "three", one.Next().Next().Phrase)
	assert.Nil(t, tr.Line(2).Next(), "last line has no continuation")

	// Walking the chain always terminates and moves forward in time.
	steps := 0
	for l := one; l.Next() != nil; l = l.Next() {
		assert.Greater(t, l.Next().Start, l.Start)
		steps++
		require.Less(t, steps, tr.Len())
	}
}

func TestParseTranscript_NextSkipsNonIncreasingStart(t *testing.T) {
	tr := mustParse(t, "a.mp4\none,5,6\ntwo,1,2\nthree,2,3\n")
	assert.Nil(t, tr.Line(0).Next(), "following line starts earlier")
	assert.Equal(t, "three", tr.Line(1).Next().Phrase)
}

func TestParseTranscript_QuotedPhrase(t *testing.T) {
	tr := mustParse(t, "clip.cjxv\n\"well, hello  there\",0.5,1.25\n")
	require.Equal(t, 1, tr.Len())
	assert.Equal(t, "well, hello there", tr.Line(0).Phrase)
	assert.Equal(t, "clip.cjxv", tr.Video())
}

func TestParseTranscript_BareQuoteInPhrase(t *testing.T) {
	tr := mustParse(t, "a.mp4\nthe 5\" screen,0,1\n")
	require.Equal(t, 1, tr.Len())
	assert.Equal(t, `the 5" screen`, tr.Line(0).Phrase)
	assert.Len(t, tr.Lookup(`THE 5" SCREEN`), 1)
}

func TestParseTranscript_ByteOrderMark(t *testing.T) {
	tr := mustParse(t, "\ufeffa.mp4\nhello,0,1\n")
	assert.Equal(t, "a.mp4", tr.Video())
	assert.Equal(t, "a.mp4", tr.Line(0).Video)
}

func TestParseTranscript_HeaderOnly(t *testing.T) {
	tr := mustParse(t, "a.mp4\n")
	assert.Equal(t, 0, tr.Len())
	assert.Empty(t, tr.Phrases())
}

func TestParseTranscript_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantLine int
		reason   string
	}{
		{"empty_file", "", 1, "missing source video"},
		{"empty_video", " \nhello,0,1\n", 1, "empty source video"},
		{"too_few_fields", "a.mp4\nhello,0\n", 2, "expected 3 fields"},
		{"too_many_fields", "a.mp4\nhello,0,1\nworld,1,2,3\n", 3, "expected 3 fields"},
		{"non_numeric_start", "a.mp4\nhello,zero,1\n", 2, "start"},
		{"non_numeric_end", "a.mp4\nhello,0,one\n", 2, "end"},
		{"nan_time", "a.mp4\nhello,NaN,1\n", 2, "invalid time"},
		{"negative_time", "a.mp4\nhello,-1,1\n", 2, "negative"},
		{"start_equals_end", "a.mp4\nhello,1,1\n", 2, "not before"},
		{"start_after_end", "a.mp4\nhello,2,1\n", 2, "not before"},
		{"empty_phrase", "a.mp4\n  ,0,1\n", 2, "empty phrase"},
		{"unterminated_quote", "a.mp4\n\"hello,0,1\n", 2, "expected 3 fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTranscript("bad.cjxt", strings.NewReader(tt.body))
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %T", err)
			assert.Equal(t, "bad.cjxt", pe.File)
			assert.Equal(t, tt.wantLine, pe.Line)
			assert.Contains(t, pe.Reason, tt.reason)
			assert.Contains(t, err.Error(), "bad.cjxt")
		})
	}
}

func TestLoadTranscript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intro.cjxt")
	require.NoError(t, os.WriteFile(path, []byte("intro.cjxv\nyes,0,0.5\n"), 0o644))

	tr, err := LoadTranscript(path)
	require.NoError(t, err)
	assert.Equal(t, "intro.cjxt", tr.Name())
	assert.Equal(t, "intro.cjxv", tr.Video())

	_, err = LoadTranscript(filepath.Join(dir, "missing.cjxt"))
	require.Error(t, err)
	var pe *ParseError
	assert.False(t, errors.As(err, &pe), "a missing file is not a parse error")
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"Hello":             "hello",
		"  GO   now ":       "go now",
		"tab\tand\nnewline": "tab and newline",
		"ÉCOLE":             "école",
		"":                  "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
