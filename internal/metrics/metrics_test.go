package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hi"))
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/jobs/{id}", "418"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/abc", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", w.Code)
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/jobs/{id}", "418"))
	if after-before != 1 {
		t.Errorf("requests counter delta = %v, want 1", after-before)
	}
}

type fakePool struct{ queued, running int }

func (f fakePool) QueuedCount() int  { return f.queued }
func (f fakePool) RunningCount() int { return f.running }

type fakeEvents int

func (f fakeEvents) SubscriberCount() int { return int(f) }

func TestCollector(t *testing.T) {
	c := NewCollector(nil, fakePool{queued: 3, running: 2}, fakeEvents(4))
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	expected := `
# HELP conjunx_render_queued_jobs Render jobs waiting for a worker.
# TYPE conjunx_render_queued_jobs gauge
conjunx_render_queued_jobs 3
# HELP conjunx_render_running_jobs Render jobs currently executing.
# TYPE conjunx_render_running_jobs gauge
conjunx_render_running_jobs 2
# HELP conjunx_sse_subscribers_active Current number of SSE subscribers.
# TYPE conjunx_sse_subscribers_active gauge
conjunx_sse_subscribers_active 4
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"conjunx_render_queued_jobs", "conjunx_render_running_jobs", "conjunx_sse_subscribers_active")
	if err != nil {
		t.Error(err)
	}
}

func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	if n := testutil.CollectAndCount(c); n != 6 {
		t.Errorf("metric count = %d, want 6", n)
	}
}
