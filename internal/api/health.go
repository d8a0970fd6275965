package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/conjunx/internal/hotfolder"
	"github.com/snarg/conjunx/internal/media"
	"github.com/snarg/conjunx/internal/render"
)

// Pinger reports database reachability.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnStatus reports broker connectivity.
type ConnStatus interface {
	IsConnected() bool
}

// WatcherStatus reports the watch directory state.
type WatcherStatus interface {
	Status() hotfolder.Status
}

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Checks        map[string]string  `json:"checks"`
	Binaries      []media.Status     `json:"binaries"`
	Queue         *render.QueueStats `json:"queue,omitempty"`
	Storage       string             `json:"storage,omitempty"`
	Watcher       *hotfolder.Status  `json:"watcher,omitempty"`
}

// HealthOptions lists the components the health endpoint inspects. Nil
// fields are reported as not_configured.
type HealthOptions struct {
	DB          Pinger
	MQTT        ConnStatus
	Watcher     WatcherStatus
	Jobs        JobQueue
	StorageType string
	FFmpegPath  string
	FFprobePath string
	Version     string
	StartTime   time.Time
}

type HealthHandler struct {
	opts  HealthOptions
	check func(ffmpeg, ffprobe string) []media.Status
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	return &HealthHandler{opts: opts, check: media.CheckBinaries}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Rendering is impossible without the media tools.
	binaries := h.check(h.opts.FFmpegPath, h.opts.FFprobePath)
	checks["ffmpeg"] = "ok"
	for _, b := range binaries {
		if !b.Available {
			checks["ffmpeg"] = "missing"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if h.opts.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := h.opts.DB.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks["database"] = "error"
			degrade()
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	if h.opts.MQTT != nil {
		if h.opts.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Version:       h.opts.Version,
		UptimeSeconds: int64(time.Since(h.opts.StartTime).Seconds()),
		Checks:        checks,
		Binaries:      binaries,
		Storage:       h.opts.StorageType,
	}

	if h.opts.Watcher != nil {
		ws := h.opts.Watcher.Status()
		checks["watch_dir"] = ws.Status
		resp.Watcher = &ws
	} else {
		checks["watch_dir"] = "not_configured"
	}

	if h.opts.Jobs != nil {
		qs := h.opts.Jobs.Stats()
		resp.Queue = &qs
		if qs.QueueSize > 0 && qs.Queued >= qs.QueueSize {
			checks["queue"] = "full"
			degrade()
		} else {
			checks["queue"] = "ok"
		}
	}

	resp.Status = status
	WriteJSON(w, httpStatus, resp)
}
