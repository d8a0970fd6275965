package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/conjunx/internal/events"
	"github.com/snarg/conjunx/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEvent reads one SSE frame, skipping keepalive comments.
func readEvent(t *testing.T, br *bufio.Reader) map[string]string {
	t.Helper()
	frame := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(frame) > 0 {
				return frame
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		k, v, _ := strings.Cut(line, ": ")
		frame[k] = v
	}
}

func startSSE(t *testing.T, bus *events.EventBus, query, lastEventID string) *bufio.Reader {
	t.Helper()
	r := chi.NewRouter()
	NewEventsHandler(bus).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/events/stream"+query, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func TestStreamEventsDeliversFilteredJobs(t *testing.T) {
	bus := events.NewEventBus(16)
	br := startSSE(t, bus, "?types=job:succeeded", "")
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.PublishJob(render.Snapshot{ID: "j1", Status: render.StatusRunning})
	bus.PublishJob(render.Snapshot{ID: "j1", Status: render.StatusSucceeded})

	frame := readEvent(t, br)
	assert.Equal(t, "job:succeeded", frame["event"])
	assert.Contains(t, frame["data"], `"id":"j1"`)
	assert.NotEmpty(t, frame["id"])
}

func TestStreamEventsReplaysSinceLastEventID(t *testing.T) {
	bus := events.NewEventBus(16)
	first, cancel := bus.Subscribe(events.Filter{})
	bus.PublishJob(render.Snapshot{ID: "a", Status: render.StatusQueued})
	bus.PublishJob(render.Snapshot{ID: "b", Status: render.StatusQueued})
	lastSeen := (<-first).ID
	cancel()

	br := startSSE(t, bus, "", lastSeen)

	frame := readEvent(t, br)
	assert.Equal(t, "job:queued", frame["event"])
	assert.Contains(t, frame["data"], `"id":"b"`)
}

func TestStreamEventsWithoutBus(t *testing.T) {
	rec := httptest.NewRecorder()
	NewEventsHandler(nil).StreamEvents(rec, httptest.NewRequest("GET", "/events/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
