package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/conjunx/internal/events"
)

// EventSource is the subset of the event bus the SSE handler needs.
type EventSource interface {
	Subscribe(filter events.Filter) (<-chan events.Event, func())
	ReplaySince(lastEventID string, filter events.Filter) []events.Event
}

type EventsHandler struct {
	bus       EventSource
	keepalive time.Duration
}

func NewEventsHandler(bus EventSource) *EventsHandler {
	return &EventsHandler{bus: bus, keepalive: 15 * time.Second}
}

// StreamEvents opens an SSE connection and pushes filtered job events.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "event streaming not available")
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	rc.SetWriteDeadline(time.Time{})
	filter := events.Filter{
		Types:  QueryStringList(r, "types"),
		JobIDs: QueryStringList(r, "job_ids"),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.bus.Subscribe(filter)
	defer cancel()

	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.bus.ReplaySince(lastEventID, filter) {
			writeEvent(w, e)
		}
		rc.Flush()
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Strs("types", filter.Types).Strs("job_ids", filter.JobIDs).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, event)
			rc.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			rc.Flush()
		}
	}
}

func writeEvent(w io.Writer, e events.Event) {
	name := e.Type
	if e.SubType != "" {
		name = e.Type + ":" + e.SubType
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, name, e.Data)
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events/stream", h.StreamEvents)
}
