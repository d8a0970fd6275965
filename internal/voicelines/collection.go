package voicelines

import (
	"slices"
	"sort"
)

// Collection is the phrase-indexed catalog of voice lines for one render
// request. Adding a transcript whose phrases already exist appends to the
// candidate set rather than replacing it.
type Collection struct {
	lines       map[string][]*VoiceLine
	transcripts int
}

// NewCollection returns a collection built from ts, merged in order.
func NewCollection(ts ...*Transcript) *Collection {
	c := &Collection{lines: make(map[string][]*VoiceLine)}
	for _, t := range ts {
		c.AddTranscript(t)
	}
	return c
}

// AddTranscript merges t's phrase groups into the collection.
func (c *Collection) AddTranscript(t *Transcript) {
	if t == nil {
		return
	}
	for phrase, idx := range t.groups {
		for _, n := range idx {
			c.lines[phrase] = append(c.lines[phrase], &t.lines[n])
		}
	}
	c.transcripts++
}

// Candidates returns every voice line recorded for phrase, or nil.
func (c *Collection) Candidates(phrase string) []*VoiceLine {
	return slices.Clone(c.lines[Normalize(phrase)])
}

// Len returns the number of distinct phrases.
func (c *Collection) Len() int { return len(c.lines) }

// Transcripts returns the number of transcripts merged so far.
func (c *Collection) Transcripts() int { return c.transcripts }

// Phrases returns the distinct phrases in sorted order.
func (c *Collection) Phrases() []string {
	out := make([]string, 0, len(c.lines))
	for p := range c.lines {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// lookup expects an already normalized key.
func (c *Collection) lookup(key string) []*VoiceLine {
	return c.lines[key]
}
