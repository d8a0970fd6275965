// Package render turns a dictate and a set of transcripts into a stitched
// video. Engine runs one job end to end; WorkerPool schedules jobs on a fixed
// set of workers and tracks their status.
package render

import (
	"time"

	"github.com/google/uuid"
	"github.com/snarg/conjunx/internal/voicelines"
)

// Source is one transcript and the directory its video lives in. An empty
// VideoDir means the transcript's own directory.
type Source struct {
	Transcript string `json:"transcript"`
	VideoDir   string `json:"video_dir,omitempty"`
}

// Job is a single render request. The ID names the job's workdir and output.
type Job struct {
	ID        string    `json:"id"`
	Dictate   string    `json:"dictate"`
	Archive   string    `json:"archive,omitempty"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// RemoveArchive deletes Archive once the job reaches a terminal state.
	// Set for uploaded archives the job owns.
	RemoveArchive bool `json:"-"`
}

// NewJob returns a job with a fresh ID.
func NewJob(dictate, archivePath string, sources ...Source) Job {
	return Job{
		ID:        uuid.NewString(),
		Dictate:   dictate,
		Archive:   archivePath,
		Sources:   sources,
		CreatedAt: time.Now().UTC(),
	}
}

// OutputKey is the storage key of the job's rendered video: {YYYY-MM-DD}/{id}.mp4
func (j Job) OutputKey() string {
	created := j.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return created.UTC().Format("2006-01-02") + "/" + j.ID + ".mp4"
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// LineRef is the JSON view of a matched voice line.
type LineRef struct {
	Phrase string  `json:"phrase"`
	Video  string  `json:"video"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
}

// LineRefs converts matched lines, preserving order.
func LineRefs(lines []*voicelines.VoiceLine) []LineRef {
	refs := make([]LineRef, len(lines))
	for i, l := range lines {
		refs[i] = LineRef{Phrase: l.Phrase, Video: l.Video, Start: l.Start, End: l.End}
	}
	return refs
}

// Result describes a finished render.
type Result struct {
	JobID     string        `json:"job_id"`
	OutputKey string        `json:"output_key"`
	Lines     []LineRef     `json:"lines"`
	Duration  time.Duration `json:"duration_ns"`
}

// Snapshot is a point-in-time copy of a job's state.
type Snapshot struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Dictate    string     `json:"dictate"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Result     *Result    `json:"result,omitempty"`
}
