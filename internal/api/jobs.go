package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/conjunx/internal/database"
	"github.com/snarg/conjunx/internal/render"
	"github.com/snarg/conjunx/internal/storage"
)

// JobQueue is the part of render.WorkerPool the HTTP layer drives.
type JobQueue interface {
	Enqueue(job render.Job) (render.Snapshot, error)
	Get(id string) (render.Snapshot, error)
	List() []render.Snapshot
	Cancel(id string) (render.Snapshot, error)
	Wait(ctx context.Context, id string) (render.Snapshot, error)
	Stats() render.QueueStats
}

// JobLedger looks up jobs that have left the in-memory registry.
type JobLedger interface {
	GetJob(ctx context.Context, id string) (database.JobRow, error)
}

type JobsHandler struct {
	jobs   JobQueue
	ledger JobLedger
	store  storage.OutputStore
	log    zerolog.Logger
}

// NewJobsHandler creates the job handler. ledger may be nil.
func NewJobsHandler(jobs JobQueue, ledger JobLedger, store storage.OutputStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		jobs:   jobs,
		ledger: ledger,
		store:  store,
		log:    log.With().Str("handler", "jobs").Logger(),
	}
}

type jobListResponse struct {
	Jobs  []render.Snapshot `json:"jobs"`
	Total int               `json:"total"`
	Stats render.QueueStats `json:"stats"`
}

// ListJobs handles GET /api/v1/jobs. Filters: status (comma list), limit, offset.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	statuses := QueryStringList(r, "status")

	all := h.jobs.List()
	filtered := all[:0]
	for _, s := range all {
		if len(statuses) == 0 || slices.Contains(statuses, string(s.Status)) {
			filtered = append(filtered, s)
		}
	}

	total := len(filtered)
	page := []render.Snapshot{}
	if p.Offset < total {
		end := min(p.Offset+p.Limit, total)
		page = filtered[p.Offset:end]
	}
	WriteJSON(w, http.StatusOK, jobListResponse{Jobs: page, Total: total, Stats: h.jobs.Stats()})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// CancelJob handles DELETE /api/v1/jobs/{id}.
func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.jobs.Cancel(id)
	switch {
	case errors.Is(err, render.ErrJobNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job not found")
	case errors.Is(err, render.ErrJobFinished):
		WriteErrorDetail(w, http.StatusConflict, ErrConflict, "job already finished", string(snap.Status))
	case err != nil:
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
	default:
		hlog.FromRequest(r).Info().Str("job_id", id).Msg("job cancel requested")
		WriteJSON(w, http.StatusAccepted, snap)
	}
}

// GetOutput handles GET /api/v1/jobs/{id}/output. Remote-only outputs are
// redirected to a presigned URL; anything else is streamed.
func (h *JobsHandler) GetOutput(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if snap.Status != render.StatusSucceeded || snap.Result == nil {
		WriteErrorDetail(w, http.StatusConflict, ErrJobNotReady, "job has no output", string(snap.Status))
		return
	}
	key := snap.Result.OutputKey

	if h.store.LocalPath(key) == "" {
		if url, err := h.store.URL(r.Context(), key); err == nil && url != "" {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
	}
	serveOutput(w, r, h.store, snap.ID, key)
}

// lookup finds a job in the pool, then in the ledger. It writes the error
// response itself and returns false when the job is unknown.
func (h *JobsHandler) lookup(w http.ResponseWriter, r *http.Request, id string) (render.Snapshot, bool) {
	snap, err := h.jobs.Get(id)
	if err == nil {
		return snap, true
	}
	if h.ledger != nil {
		row, lerr := h.ledger.GetJob(r.Context(), id)
		if lerr == nil {
			return row.Snapshot(), true
		}
		if !errors.Is(lerr, database.ErrNotFound) {
			hlog.FromRequest(r).Warn().Err(lerr).Str("job_id", id).Msg("job ledger lookup failed")
		}
	}
	WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job not found")
	return render.Snapshot{}, false
}

// serveOutput streams a rendered video as an attachment.
func serveOutput(w http.ResponseWriter, r *http.Request, store storage.OutputStore, jobID, key string) {
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".mp4"))
	w.Header().Set("X-Job-ID", jobID)

	if p := store.LocalPath(key); p != "" {
		if f, err := os.Open(p); err == nil {
			defer f.Close()
			var modTime time.Time
			if fi, err := f.Stat(); err == nil {
				modTime = fi.ModTime()
			}
			http.ServeContent(w, r, jobID+".mp4", modTime, f)
			return
		}
	}

	rc, err := store.Open(r.Context(), key)
	if err != nil {
		w.Header().Del("Content-Disposition")
		if errors.Is(err, fs.ErrNotExist) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "output not available")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("failed to open output")
		WriteErrorWithCode(w, http.StatusBadGateway, ErrUnavailable, "output store unavailable")
		return
	}
	defer rc.Close()
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("output stream interrupted")
	}
}

// Routes registers job routes on the given router.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Delete("/jobs/{id}", h.CancelJob)
	r.Get("/jobs/{id}/output", h.GetOutput)
}
