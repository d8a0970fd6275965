package voicelines

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// ErrEmptyDictate is returned by Speak when the dictate has no words.
var ErrEmptyDictate = errors.New("dictate is empty")

// UnmatchedPhraseError reports the first dictate word that no phrase in the
// collection covers, even at the widest window.
type UnmatchedPhraseError struct {
	Position  int      // word index in the normalized dictate
	Phrase    string   // the word at Position
	Remaining []string // the uncovered words from Position on
}

func (e *UnmatchedPhraseError) Error() string {
	return fmt.Sprintf("no voice line for %q at word %d", e.Phrase, e.Position+1)
}

// Picker chooses one voice line among interchangeable candidates.
type Picker interface {
	Pick(candidates []*VoiceLine) *VoiceLine
}

// RandomPicker picks uniformly at random. It is safe for concurrent use.
type RandomPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPicker returns a picker seeded with seed. A zero seed draws the
// seed from the runtime's entropy source.
func NewRandomPicker(seed uint64) *RandomPicker {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &RandomPicker{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (p *RandomPicker) Pick(candidates []*VoiceLine) *VoiceLine {
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}
	p.mu.Lock()
	n := p.rng.IntN(len(candidates))
	p.mu.Unlock()
	return candidates[n]
}

// Speak matches dictate against c and returns the voice lines that, joined
// in order, say the normalized dictate.
//
// Matching is greedy from left to right: from the current word the window
// grows one word at a time and the first phrase found wins, so a one-word
// phrase is taken before any longer phrase starting at the same word. If the
// window reaches the end of the dictate without a hit, Speak fails with an
// *UnmatchedPhraseError.
func Speak(dictate string, c *Collection, p Picker) ([]*VoiceLine, error) {
	words := strings.Fields(Normalize(dictate))
	if len(words) == 0 {
		return nil, ErrEmptyDictate
	}
	if p == nil {
		p = NewRandomPicker(0)
	}

	lines := make([]*VoiceLine, 0, len(words))
	for i := 0; i < len(words); {
		end, candidates := c.growingSearch(words, i)
		if len(candidates) == 0 {
			return nil, &UnmatchedPhraseError{
				Position:  i,
				Phrase:    words[i],
				Remaining: append([]string(nil), words[i:]...),
			}
		}
		lines = append(lines, p.Pick(candidates))
		i = end
	}
	return lines, nil
}

// growingSearch widens the window words[start:end] until a phrase matches.
// It never looks past the last word.
func (c *Collection) growingSearch(words []string, start int) (int, []*VoiceLine) {
	for end := start + 1; end <= len(words); end++ {
		if found := c.lookup(strings.Join(words[start:end], " ")); len(found) > 0 {
			return end, found
		}
	}
	return start, nil
}

// Reconstruct joins the phrases of lines with single spaces.
func Reconstruct(lines []*VoiceLine) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Phrase
	}
	return strings.Join(parts, " ")
}
