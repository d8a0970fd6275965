package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/conjunx/internal/archive"
	"github.com/snarg/conjunx/internal/render"
	"github.com/snarg/conjunx/internal/storage"
)

// RenderHandler accepts uploaded archives and turns them into render jobs.
type RenderHandler struct {
	jobs      JobQueue
	store     storage.OutputStore
	uploadDir string
	maxUpload int64
	log       zerolog.Logger
}

// NewRenderHandler creates the render entrypoint. Uploads are staged in
// uploadDir and removed once the job no longer needs them.
func NewRenderHandler(jobs JobQueue, store storage.OutputStore, uploadDir string, maxUploadMB int64, log zerolog.Logger) *RenderHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 512
	}
	return &RenderHandler{
		jobs:      jobs,
		store:     store,
		uploadDir: uploadDir,
		maxUpload: maxUploadMB << 20,
		log:       log.With().Str("handler", "render").Logger(),
	}
}

// Routes registers the render endpoint.
func (h *RenderHandler) Routes(r chi.Router) {
	r.Post("/render", h.Render)
}

// Render handles POST /api/v1/render.
// Multipart fields: dictate (text) and data (archive file). By default the
// request blocks until the video is ready and returns it as an attachment;
// with ?async=true it returns 202 and the queued job.
func (h *RenderHandler) Render(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrPayloadTooLarge, "upload exceeds size limit")
			return
		}
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	dictate := r.FormValue("dictate")
	if strings.TrimSpace(dictate) == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, render.CodeEmptyDictate, "dictate is empty")
		return
	}

	file, _, err := r.FormFile("data")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingArchive, "missing data file")
		return
	}
	defer file.Close()

	path, err := h.stageUpload(file)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to stage upload")
		WriteErrorWithCode(w, http.StatusInternalServerError, render.CodeIOError, "failed to store upload")
		return
	}

	job := render.NewJob(dictate, path)
	job.RemoveArchive = true
	snap, err := h.jobs.Enqueue(job)
	if err != nil {
		os.Remove(path)
		switch {
		case errors.Is(err, render.ErrQueueFull):
			w.Header().Set("Retry-After", "5")
			WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrQueueFull, "render queue is full")
		case errors.Is(err, render.ErrPoolStopped):
			WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "server is shutting down")
		default:
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		}
		return
	}

	log := hlog.FromRequest(r)
	log.Info().Str("job_id", snap.ID).Int("dictate_len", len(dictate)).Msg("render job queued")

	w.Header().Set("X-Job-ID", snap.ID)
	if async, _ := QueryBool(r, "async"); async {
		w.Header().Set("Location", "/api/v1/jobs/"+snap.ID)
		WriteJSON(w, http.StatusAccepted, snap)
		return
	}

	snap, err = h.jobs.Wait(r.Context(), snap.ID)
	if err != nil {
		if r.Context().Err() != nil && errors.Is(err, r.Context().Err()) {
			// Client went away; nobody is left to receive the video.
			h.jobs.Cancel(snap.ID)
			log.Info().Str("job_id", snap.ID).Msg("client disconnected, render canceled")
			return
		}
		writeRenderError(w, err)
		return
	}
	if snap.Result == nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "job finished without output")
		return
	}
	serveOutput(w, r, h.store, snap.ID, snap.Result.OutputKey)
}

func (h *RenderHandler) stageUpload(src io.Reader) (string, error) {
	f, err := os.CreateTemp(h.uploadDir, "upload-*"+archive.Ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// renderStatus maps a render failure to its HTTP status.
func renderStatus(err error) int {
	switch code := render.ErrorCode(err); {
	case render.IsClientError(err):
		return http.StatusBadRequest
	case code == render.CodeTimeout:
		return http.StatusGatewayTimeout
	case code == render.CodeCanceled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeRenderError(w http.ResponseWriter, err error) {
	detail := ""
	if render.IsClientError(err) || errors.Is(err, context.DeadlineExceeded) {
		detail = err.Error()
	}
	WriteErrorDetail(w, renderStatus(err), render.ErrorCode(err), render.UserMessage(err), detail)
}
