// Package voicelines holds the phrase catalog that conjunx stitches videos
// from: timestamped voice lines, the transcripts they are parsed from, the
// merged per-request collection, and the greedy matcher that turns a dictate
// into an ordered list of voice lines.
package voicelines

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// VoiceLine is one timestamped spoken segment of a source video.
type VoiceLine struct {
	Phrase string  // normalized spoken text
	Video  string  // source video identifier, as named by the transcript
	Start  float64 // seconds
	End    float64 // seconds

	owner *Transcript
	next  int // index into owner.lines, -1 when there is no continuation
}

// Next returns the voice line that follows v in its source transcript, or nil.
// The returned line always starts strictly later than v.
func (v *VoiceLine) Next() *VoiceLine {
	if v == nil || v.owner == nil || v.next < 0 {
		return nil
	}
	return &v.owner.lines[v.next]
}

// Transcript returns the transcript v was parsed from.
func (v *VoiceLine) Transcript() *Transcript { return v.owner }

// Duration returns the length of the segment in seconds.
func (v *VoiceLine) Duration() float64 { return v.End - v.Start }

func (v *VoiceLine) String() string {
	return fmt.Sprintf("%q %s [%.3fs-%.3fs]", v.Phrase, v.Video, v.Start, v.End)
}

// Transcript is the parsed description of every voice line in one source video.
// It is immutable once parsed.
type Transcript struct {
	name   string
	video  string
	lines  []VoiceLine
	groups map[string][]int
}

// Name returns the file name the transcript was parsed from.
func (t *Transcript) Name() string { return t.name }

// Video returns the source video identifier from the first record.
func (t *Transcript) Video() string { return t.video }

// Len returns the number of voice lines.
func (t *Transcript) Len() int { return len(t.lines) }

// Line returns the i-th voice line in source order.
func (t *Transcript) Line(i int) *VoiceLine { return &t.lines[i] }

// Lookup returns the voice lines tagged with phrase, in source order.
func (t *Transcript) Lookup(phrase string) []*VoiceLine {
	idx := t.groups[Normalize(phrase)]
	if len(idx) == 0 {
		return nil
	}
	out := make([]*VoiceLine, len(idx))
	for i, n := range idx {
		out[i] = &t.lines[n]
	}
	return out
}

// Phrases returns the distinct phrases in order of first appearance.
func (t *Transcript) Phrases() []string {
	seen := make(map[string]bool, len(t.groups))
	var out []string
	for i := range t.lines {
		p := t.lines[i].Phrase
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Normalize lower-cases s and collapses all whitespace runs to single spaces.
// Phrase keys and dictate words are compared in this form.
func Normalize(s string) string {
	return strings.Join(strings.Fields(cases.Lower(language.Und).String(s)), " ")
}
