package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snarg/conjunx/internal/hotfolder"
	"github.com/snarg/conjunx/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (p fakePinger) HealthCheck(ctx context.Context) error { return p.err }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

type fakeWatcher struct{}

func (fakeWatcher) Status() hotfolder.Status {
	return hotfolder.Status{Status: "watching", WatchDir: "/in", Processed: 3}
}

func binariesOK(ok bool) func(string, string) []media.Status {
	return func(string, string) []media.Status {
		return []media.Status{
			{Name: "ffmpeg", Command: "ffmpeg", Available: ok},
			{Name: "ffprobe", Command: "ffprobe", Available: true},
		}
	}
}

func runHealth(t *testing.T, h *HealthHandler) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		opts       HealthOptions
		binaries   bool
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "standalone",
			binaries:   true,
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"ffmpeg": "ok", "database": "not_configured", "mqtt": "not_configured", "watch_dir": "not_configured"},
		},
		{
			name:       "all_up",
			opts:       HealthOptions{DB: fakePinger{}, MQTT: fakeConn(true), Watcher: fakeWatcher{}, Jobs: newFakeQueue()},
			binaries:   true,
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"database": "ok", "mqtt": "ok", "watch_dir": "watching", "queue": "ok"},
		},
		{
			name:       "broker_down_degrades",
			opts:       HealthOptions{MQTT: fakeConn(false)},
			binaries:   true,
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"mqtt": "disconnected"},
		},
		{
			name:       "database_down_degrades",
			opts:       HealthOptions{DB: fakePinger{err: errors.New("refused")}},
			binaries:   true,
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"database": "error"},
		},
		{
			name:       "missing_ffmpeg_is_unhealthy",
			opts:       HealthOptions{MQTT: fakeConn(false)},
			binaries:   false,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"ffmpeg": "missing"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Version = "test"
			tt.opts.StartTime = time.Now().Add(-time.Minute)
			h := NewHealthHandler(tt.opts)
			h.check = binariesOK(tt.binaries)

			code, resp := runHealth(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, resp.Status)
			for k, v := range tt.wantChecks {
				assert.Equal(t, v, resp.Checks[k], "check %s", k)
			}
			assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(59))
			assert.Len(t, resp.Binaries, 2)
		})
	}
}
