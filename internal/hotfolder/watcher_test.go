package hotfolder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	mu       sync.Mutex
	jobs     []render.Job
	fullOnce bool
	status   render.Status
}

func (f *fakePool) Enqueue(job render.Job) (render.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fullOnce {
		f.fullOnce = false
		return render.Snapshot{}, render.ErrQueueFull
	}
	f.jobs = append(f.jobs, job)
	return render.Snapshot{ID: job.ID, Status: render.StatusQueued}, nil
}

func (f *fakePool) Wait(ctx context.Context, id string) (render.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	if status == "" {
		status = render.StatusSucceeded
	}
	snap := render.Snapshot{ID: id, Status: status}
	if status == render.StatusSucceeded {
		snap.Result = &render.Result{JobID: id, OutputKey: "d/" + id + ".mp4"}
		return snap, nil
	}
	return snap, &render.EncodeError{Op: "concat", Err: os.ErrInvalid}
}

func (f *fakePool) submitted() []render.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]render.Job(nil), f.jobs...)
}

func startWatcher(t *testing.T, dir string, pool Submitter) *Watcher {
	t.Helper()
	w := New(dir, pool, zerolog.Nop())
	w.delay = 10 * time.Millisecond
	w.retry = 20 * time.Millisecond
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w
}

func readOutcome(t *testing.T, path string) Outcome {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out Outcome
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestWatcherSubmitsRequest(t *testing.T) {
	dir := t.TempDir()
	pool := &fakePool{}
	w := startWatcher(t, dir, pool)

	req := filepath.Join(dir, "greeting.json")
	require.NoError(t, os.WriteFile(req, []byte(`{"archive":"in.cjxa","dictate":"hello world"}`), 0o644))

	done := filepath.Join(dir, "greeting.done.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(done)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	jobs := pool.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, filepath.Join(dir, "in.cjxa"), jobs[0].Archive)
	assert.Equal(t, "hello world", jobs[0].Dictate)

	out := readOutcome(t, done)
	require.NotNil(t, out.Job)
	assert.Equal(t, render.StatusSucceeded, out.Job.Status)
	assert.Empty(t, out.Error)
	assert.NoFileExists(t, req)
	assert.Equal(t, int64(1), w.Status().Processed)
}

func TestWatcherInvalidRequest(t *testing.T) {
	dir := t.TempDir()
	pool := &fakePool{}
	w := startWatcher(t, dir, pool)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"dictate":""}`), 0o644))

	done := filepath.Join(dir, "bad.done.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(done)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	out := readOutcome(t, done)
	assert.NotEmpty(t, out.Error)
	assert.Nil(t, out.Job)
	assert.Empty(t, pool.submitted())
	assert.Equal(t, int64(1), w.Status().Failed)
}

func TestWatcherFailedRender(t *testing.T) {
	dir := t.TempDir()
	pool := &fakePool{status: render.StatusFailed}
	startWatcher(t, dir, pool)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.json"), []byte(`{"transcripts":["a.cjxt"],"dictate":"hi"}`), 0o644))

	done := filepath.Join(dir, "r.done.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(done)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	out := readOutcome(t, done)
	require.NotNil(t, out.Job)
	assert.Equal(t, render.StatusFailed, out.Job.Status)
	assert.Equal(t, "video encoding failed", out.Error)
}

func TestWatcherRetriesWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	pool := &fakePool{fullOnce: true}
	startWatcher(t, dir, pool)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.json"), []byte(`{"archive":"a.cjxa","dictate":"hi"}`), 0o644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "r.done.json"))
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, pool.submitted(), 1)
}

func TestWatcherBackfill(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "waiting.json"), []byte(`{"archive":"a.cjxa","dictate":"hi"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.done.json"), []byte(`{}`), 0o644))

	pool := &fakePool{}
	startWatcher(t, dir, pool)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "waiting.done.json"))
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, pool.submitted(), 1)
}

func TestResultPath(t *testing.T) {
	assert.Equal(t, filepath.Join("drop", "job.done.json"), ResultPath(filepath.Join("drop", "job.json")))
}

func TestIsRequest(t *testing.T) {
	tests := map[string]bool{
		"job.json":       true,
		"JOB.JSON":       true,
		"job.done.json":  false,
		".hidden.json":   false,
		"job.json.tmp":   false,
		"transcript.txt": false,
	}
	for name, want := range tests {
		assert.Equal(t, want, isRequest(name), name)
	}
}
