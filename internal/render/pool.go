package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner executes a single job. *Engine implements it.
type Runner interface {
	Render(ctx context.Context, job Job) (*Result, error)
}

// NotifyFunc receives every job state transition.
type NotifyFunc func(Snapshot)

// QueueStats reports the current state of the render queue.
type QueueStats struct {
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
}

// WorkerPoolOptions configures the render worker pool.
type WorkerPoolOptions struct {
	Runner    Runner
	Workers   int
	QueueSize int
	Timeout   time.Duration // per job; 0 disables
	Retain    int           // finished jobs kept for lookup; 0 means 256
	Notify    NotifyFunc
	Log       zerolog.Logger
}

type entry struct {
	job    Job
	snap   Snapshot
	err    error
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerPool runs render jobs on a fixed set of workers and keeps a registry
// of recent jobs.
type WorkerPool struct {
	jobs   chan *entry
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entries  map[string]*entry
	finished []string // terminal job ids, oldest first
	stopped  bool
	started  bool

	// Transitions are queued under mu and delivered in order by dispatch.
	outbox       []Snapshot
	outboxCond   *sync.Cond
	outboxClosed bool
	dispatchDone chan struct{}

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64
}

// NewWorkerPool creates a new render worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	if opts.Retain <= 0 {
		opts.Retain = 256
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		jobs:         make(chan *entry, opts.QueueSize),
		opts:         opts,
		log:          opts.Log.With().Str("component", "render-pool").Logger(),
		ctx:          ctx,
		cancel:       cancel,
		entries:      make(map[string]*entry),
		dispatchDone: make(chan struct{}),
	}
	wp.outboxCond = sync.NewCond(&wp.mu)
	return wp
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	if wp.started || wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.started = true
	wp.mu.Unlock()

	go wp.dispatch()
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().Int("workers", wp.opts.Workers).Int("queue_size", wp.opts.QueueSize).Msg("render worker pool started")
}

// Stop rejects new jobs, cancels queued and running ones and waits for the
// workers to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.cancel()
	wp.wg.Wait()

	wp.mu.Lock()
	wp.outboxClosed = true
	started := wp.started
	wp.outboxCond.Broadcast()
	wp.mu.Unlock()
	if started {
		<-wp.dispatchDone
	}

	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Int64("canceled", wp.canceled.Load()).
		Msg("render worker pool stopped")
}

// Enqueue registers job and queues it without blocking. A missing ID or
// creation time is filled in. Returns ErrQueueFull when no slot is free.
func (wp *WorkerPool) Enqueue(job Job) (Snapshot, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return Snapshot{}, ErrPoolStopped
	}
	if _, exists := wp.entries[job.ID]; exists {
		wp.mu.Unlock()
		return Snapshot{}, fmt.Errorf("duplicate job id %q", job.ID)
	}

	ctx, cancel := context.WithCancel(wp.ctx)
	e := &entry{
		job:    job,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		snap: Snapshot{
			ID:        job.ID,
			Status:    StatusQueued,
			Dictate:   job.Dictate,
			CreatedAt: job.CreatedAt,
		},
	}
	select {
	case wp.jobs <- e:
	default:
		wp.mu.Unlock()
		cancel()
		return Snapshot{}, ErrQueueFull
	}
	wp.entries[job.ID] = e
	snap := e.snap
	wp.emitLocked(snap)
	wp.mu.Unlock()
	return snap, nil
}

// Get returns the current snapshot of a job.
func (wp *WorkerPool) Get(id string) (Snapshot, error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	e, ok := wp.entries[id]
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return e.snap, nil
}

// List returns snapshots of all known jobs, newest first.
func (wp *WorkerPool) List() []Snapshot {
	wp.mu.Lock()
	out := make([]Snapshot, 0, len(wp.entries))
	for _, e := range wp.entries {
		out = append(out, e.snap)
	}
	wp.mu.Unlock()

	sortSnapshots(out)
	return out
}

// Cancel stops a queued or running job. A queued job is marked canceled
// immediately; a running one once its render returns.
func (wp *WorkerPool) Cancel(id string) (Snapshot, error) {
	wp.mu.Lock()
	e, ok := wp.entries[id]
	if !ok {
		wp.mu.Unlock()
		return Snapshot{}, ErrJobNotFound
	}
	if e.snap.Status.Terminal() {
		snap := e.snap
		wp.mu.Unlock()
		return snap, ErrJobFinished
	}
	e.cancel()
	if e.snap.Status == StatusQueued {
		snap := wp.finishLocked(e, StatusCanceled, nil, context.Canceled)
		wp.mu.Unlock()
		releaseInput(e.job)
		return snap, nil
	}
	snap := e.snap
	wp.mu.Unlock()
	return snap, nil
}

// Wait blocks until the job is terminal or ctx is done. It returns the final
// snapshot and the job's error, or the current snapshot and ctx's error.
func (wp *WorkerPool) Wait(ctx context.Context, id string) (Snapshot, error) {
	wp.mu.Lock()
	e, ok := wp.entries[id]
	wp.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		wp.mu.Lock()
		snap := e.snap
		wp.mu.Unlock()
		return snap, ctx.Err()
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return e.snap, e.err
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Queued:    wp.QueuedCount(),
		Running:   wp.RunningCount(),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
		Canceled:  wp.canceled.Load(),
		Workers:   wp.opts.Workers,
		QueueSize: wp.opts.QueueSize,
	}
}

// QueuedCount returns the number of jobs waiting for a worker.
func (wp *WorkerPool) QueuedCount() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	n := 0
	for _, e := range wp.entries {
		if e.snap.Status == StatusQueued {
			n++
		}
	}
	return n
}

// RunningCount returns the number of jobs currently rendering.
func (wp *WorkerPool) RunningCount() int { return int(wp.running.Load()) }

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int { return wp.opts.Workers }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for e := range wp.jobs {
		wp.process(log, e)
	}
}

func (wp *WorkerPool) process(log zerolog.Logger, e *entry) {
	wp.mu.Lock()
	if e.snap.Status != StatusQueued {
		// canceled while waiting in the queue
		wp.mu.Unlock()
		return
	}
	if e.ctx.Err() != nil {
		wp.finishLocked(e, StatusCanceled, nil, e.ctx.Err())
		wp.mu.Unlock()
		releaseInput(e.job)
		return
	}
	now := time.Now().UTC()
	e.snap.Status = StatusRunning
	e.snap.StartedAt = &now
	wp.emitLocked(e.snap)
	wp.mu.Unlock()

	wp.running.Add(1)
	ctx := e.ctx
	if wp.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.opts.Timeout)
		defer cancel()
	}
	res, err := wp.opts.Runner.Render(ctx, e.job)
	wp.running.Add(-1)
	releaseInput(e.job)

	status := StatusSucceeded
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && e.ctx.Err() != nil:
		status = StatusCanceled
	default:
		status = StatusFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("render exceeded %s: %w", wp.opts.Timeout, err)
	}

	wp.mu.Lock()
	snap := wp.finishLocked(e, status, res, err)
	wp.mu.Unlock()

	switch status {
	case StatusFailed:
		ev := log.Warn()
		if IsClientError(err) {
			ev = log.Info()
		}
		ev.Err(err).Str("job_id", e.job.ID).Str("code", snap.ErrorCode).Msg("render failed")
	case StatusCanceled:
		log.Info().Str("job_id", e.job.ID).Msg("render canceled")
	}
}

// finishLocked moves e to a terminal state and evicts the oldest finished
// jobs beyond the retention bound. wp.mu must be held.
func (wp *WorkerPool) finishLocked(e *entry, status Status, res *Result, err error) Snapshot {
	now := time.Now().UTC()
	e.snap.Status = status
	e.snap.FinishedAt = &now
	e.snap.Result = res
	e.err = err
	if err != nil {
		e.snap.Error = err.Error()
		e.snap.ErrorCode = ErrorCode(err)
	}
	e.cancel()
	close(e.done)

	switch status {
	case StatusSucceeded:
		wp.completed.Add(1)
	case StatusFailed:
		wp.failed.Add(1)
	case StatusCanceled:
		wp.canceled.Add(1)
	}

	wp.finished = append(wp.finished, e.job.ID)
	for len(wp.finished) > wp.opts.Retain {
		delete(wp.entries, wp.finished[0])
		wp.finished = wp.finished[1:]
	}
	wp.emitLocked(e.snap)
	return e.snap
}

// emitLocked queues a transition for delivery. wp.mu must be held.
func (wp *WorkerPool) emitLocked(s Snapshot) {
	if wp.opts.Notify == nil || wp.outboxClosed {
		return
	}
	wp.outbox = append(wp.outbox, s)
	wp.outboxCond.Signal()
}

// dispatch delivers queued transitions to Notify outside the lock, in the
// order they happened.
func (wp *WorkerPool) dispatch() {
	defer close(wp.dispatchDone)
	for {
		wp.mu.Lock()
		for len(wp.outbox) == 0 && !wp.outboxClosed {
			wp.outboxCond.Wait()
		}
		batch := wp.outbox
		wp.outbox = nil
		closed := wp.outboxClosed
		wp.mu.Unlock()

		for _, s := range batch {
			wp.opts.Notify(s)
		}
		if closed {
			return
		}
	}
}

// releaseInput removes an uploaded archive the job owns. Engine.Render
// does the same; this covers jobs that never reach it.
func releaseInput(job Job) {
	if job.RemoveArchive && job.Archive != "" {
		os.Remove(job.Archive)
	}
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID > s[j].ID
		}
		return s[i].CreatedAt.After(s[j].CreatedAt)
	})
}
