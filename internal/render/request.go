package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Request is the JSON form of a render request, accepted from the watch
// directory and the MQTT request topic.
type Request struct {
	Archive     string   `json:"archive,omitempty"`
	Transcripts []string `json:"transcripts,omitempty"`
	Dictate     string   `json:"dictate"`
}

// ParseRequest decodes and validates a request.
func ParseRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode request: %w", err)
	}
	r.Archive = strings.TrimSpace(r.Archive)
	if strings.TrimSpace(r.Dictate) == "" {
		return r, errors.New("request has no dictate")
	}
	if r.Archive == "" && len(r.Transcripts) == 0 {
		return r, errors.New("request names neither an archive nor transcripts")
	}
	if r.Archive != "" && len(r.Transcripts) > 0 {
		return r, errors.New("request names both an archive and transcripts")
	}
	return r, nil
}

// Job builds a job from the request. Relative paths resolve against baseDir.
func (r Request) Job(baseDir string) Job {
	resolve := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) || baseDir == "" {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	var sources []Source
	for _, t := range r.Transcripts {
		sources = append(sources, Source{Transcript: resolve(t)})
	}
	archive := ""
	if r.Archive != "" {
		archive = resolve(r.Archive)
	}
	return NewJob(r.Dictate, archive, sources...)
}
