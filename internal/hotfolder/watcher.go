// Package hotfolder watches a drop directory for JSON render requests,
// submits them to the worker pool and writes the outcome next to the request.
package hotfolder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/metrics"
	"github.com/snarg/conjunx/internal/render"
)

const (
	requestExt = ".json"
	resultExt  = ".done.json"
)

// Submitter is the part of render.WorkerPool the watcher needs.
type Submitter interface {
	Enqueue(job render.Job) (render.Snapshot, error)
	Wait(ctx context.Context, id string) (render.Snapshot, error)
}

// Outcome is written to <request>.done.json once the job is terminal.
type Outcome struct {
	Request render.Request   `json:"request"`
	Job     *render.Snapshot `json:"job,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Status is reported on the health endpoint.
type Status struct {
	Status    string `json:"status"`
	WatchDir  string `json:"watch_dir"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

// Watcher monitors a directory for render request files.
type Watcher struct {
	dir   string
	pool  Submitter
	log   zerolog.Logger
	delay time.Duration
	retry time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	inflight       map[string]bool

	processed atomic.Int64
	failed    atomic.Int64
	status    atomic.Value // string: "starting", "watching", "stopped"
}

// New creates a watcher for dir. Call Start to begin watching.
func New(dir string, pool Submitter, log zerolog.Logger) *Watcher {
	w := &Watcher{
		dir:            dir,
		pool:           pool,
		log:            log.With().Str("component", "hotfolder").Logger(),
		delay:          500 * time.Millisecond,
		retry:          5 * time.Second,
		debounceTimers: make(map[string]*time.Timer),
		inflight:       make(map[string]bool),
	}
	w.status.Store("starting")
	return w
}

// Start creates the directory if needed, begins watching and picks up any
// requests already waiting.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.ctx, w.cancel = context.WithCancel(context.Background())

	go w.watchLoop()
	w.backfill()

	w.status.Store("watching")
	w.log.Info().Str("watch_dir", w.dir).Msg("hotfolder watching")
	return nil
}

// Stop closes the watcher and abandons in-flight waits. Jobs already
// submitted keep running in the pool.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	if w.watcher != nil {
		w.watcher.Close()
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()
	w.wg.Wait()
	w.log.Info().
		Int64("processed", w.processed.Load()).
		Int64("failed", w.failed.Load()).
		Msg("hotfolder stopped")
}

// Status returns the current watcher state for the health endpoint.
func (w *Watcher) Status() Status {
	s, _ := w.status.Load().(string)
	return Status{
		Status:    s,
		WatchDir:  w.dir,
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isRequest(event.Name) {
				continue
			}
			w.schedule(event.Name, w.delay)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// backfill schedules requests that were dropped while the watcher was down.
func (w *Watcher) backfill() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to scan watch directory")
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isRequest(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.schedule(filepath.Join(w.dir, name), w.delay)
	}
	if len(names) > 0 {
		w.log.Info().Int("requests", len(names)).Msg("picked up waiting requests")
	}
}

// schedule debounces processing so the file is fully written before it is read.
func (w *Watcher) schedule(path string, delay time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.inflight[path] {
		return
	}
	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(delay)
		return
	}
	w.debounceTimers[path] = time.AfterFunc(delay, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		if w.inflight[path] || w.ctx.Err() != nil {
			w.debounceMu.Unlock()
			return
		}
		w.inflight[path] = true
		w.wg.Add(1)
		w.debounceMu.Unlock()

		retry := w.process(path)

		w.debounceMu.Lock()
		delete(w.inflight, path)
		w.debounceMu.Unlock()
		w.wg.Done()

		if retry && w.ctx.Err() == nil {
			w.schedule(path, w.retry)
		}
	})
}

// process handles one request file and reports whether it should be retried.
func (w *Watcher) process(path string) bool {
	log := w.log.With().Str("path", path).Logger()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Msg("failed to read request")
		}
		return false
	}

	req, err := render.ParseRequest(data)
	if err != nil {
		w.finish(path, Outcome{Error: err.Error()}, false)
		log.Warn().Err(err).Msg("invalid render request")
		return false
	}

	snap, err := w.pool.Enqueue(req.Job(w.dir))
	if errors.Is(err, render.ErrQueueFull) {
		metrics.HotfolderRequestsTotal.WithLabelValues("deferred").Inc()
		log.Debug().Msg("render queue full, retrying later")
		return true
	}
	if err != nil {
		w.finish(path, Outcome{Request: req, Error: err.Error()}, false)
		log.Warn().Err(err).Msg("render request rejected")
		return false
	}
	log.Info().Str("job_id", snap.ID).Msg("render request submitted")

	final, err := w.pool.Wait(w.ctx, snap.ID)
	if w.ctx.Err() != nil {
		// shutting down; the request stays for the next start
		return false
	}
	out := Outcome{Request: req, Job: &final}
	if err != nil {
		out.Error = render.UserMessage(err)
	}
	w.finish(path, out, final.Status == render.StatusSucceeded)
	return false
}

// finish writes the outcome file and removes the request.
func (w *Watcher) finish(path string, out Outcome, ok bool) {
	if ok {
		w.processed.Add(1)
		metrics.HotfolderRequestsTotal.WithLabelValues("succeeded").Inc()
	} else {
		w.failed.Add(1)
		metrics.HotfolderRequestsTotal.WithLabelValues("failed").Inc()
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		w.log.Error().Err(err).Str("path", path).Msg("failed to encode outcome")
		return
	}
	resultPath := ResultPath(path)
	tmp := resultPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.log.Error().Err(err).Str("path", resultPath).Msg("failed to write outcome")
		return
	}
	if err := os.Rename(tmp, resultPath); err != nil {
		os.Remove(tmp)
		w.log.Error().Err(err).Str("path", resultPath).Msg("failed to write outcome")
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to remove processed request")
	}
}

// ResultPath maps a request file to its outcome file: job.json -> job.done.json
func ResultPath(requestPath string) string {
	return strings.TrimSuffix(requestPath, filepath.Ext(requestPath)) + resultExt
}

func isRequest(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.HasSuffix(name, requestExt) &&
		!strings.HasSuffix(name, resultExt) &&
		!strings.HasPrefix(name, ".")
}
