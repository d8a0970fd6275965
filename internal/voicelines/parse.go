package voicelines

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ParseError reports a malformed transcript record. The whole transcript is
// rejected.
type ParseError struct {
	File   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse transcript %s: line %d: %s", e.File, e.Line, e.Reason)
}

// LoadTranscript opens and parses the transcript at path.
func LoadTranscript(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return ParseTranscript(filepath.Base(path), f)
}

// ParseTranscript reads a comma-separated transcript. The first record names
// the source video; every following record is phrase,start_seconds,end_seconds.
func ParseTranscript(name string, r io.Reader) (*Transcript, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	// A bare quote inside an unquoted phrase is literal text.
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &ParseError{File: name, Line: 1, Reason: "missing source video record"}
	}
	if err != nil {
		return nil, csvError(name, err)
	}
	video := strings.TrimSpace(strings.TrimPrefix(header[0], "\ufeff"))
	if video == "" {
		return nil, &ParseError{File: name, Line: 1, Reason: "empty source video identifier"}
	}

	t := &Transcript{
		name:   name,
		video:  video,
		groups: make(map[string][]int),
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, csvError(name, err)
		}
		line, _ := cr.FieldPos(0)

		if len(rec) != 3 {
			return nil, &ParseError{File: name, Line: line, Reason: fmt.Sprintf("expected 3 fields, got %d", len(rec))}
		}
		phrase := Normalize(rec[0])
		if phrase == "" {
			return nil, &ParseError{File: name, Line: line, Reason: "empty phrase"}
		}
		start, err := parseSeconds(rec[1])
		if err != nil {
			return nil, &ParseError{File: name, Line: line, Reason: "start: " + err.Error()}
		}
		end, err := parseSeconds(rec[2])
		if err != nil {
			return nil, &ParseError{File: name, Line: line, Reason: "end: " + err.Error()}
		}
		if start >= end {
			return nil, &ParseError{File: name, Line: line, Reason: fmt.Sprintf("start %g is not before end %g", start, end)}
		}

		t.lines = append(t.lines, VoiceLine{
			Phrase: phrase,
			Video:  video,
			Start:  start,
			End:    end,
		})
	}

	// Lines are final from here on; pointers into t.lines stay valid.
	for i := range t.lines {
		l := &t.lines[i]
		l.owner = t
		l.next = -1
		if i+1 < len(t.lines) && t.lines[i+1].Start > l.Start {
			l.next = i + 1
		}
		t.groups[l.Phrase] = append(t.groups[l.Phrase], i)
	}
	return t, nil
}

func parseSeconds(s string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative time %q", s)
	}
	return v, nil
}

func csvError(name string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{File: name, Line: pe.StartLine, Reason: pe.Err.Error()}
	}
	return fmt.Errorf("read transcript %s: %w", name, err)
}
