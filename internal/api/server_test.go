package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/config"
	"github.com/snarg/conjunx/internal/events"
	"github.com/snarg/conjunx/internal/media"
	"github.com/snarg/conjunx/internal/storage"
	"github.com/stretchr/testify/assert"
)

func TestServerRouting(t *testing.T) {
	health := NewHealthHandler(HealthOptions{})
	health.check = func(string, string) []media.Status { return nil }

	srv := NewServer(ServerOptions{
		Config:    &config.Config{HTTPAddr: ":0", AuthToken: "s3cret", MaxUploadMB: 1},
		Jobs:      newFakeQueue(),
		Store:     storage.NewLocalStore(t.TempDir()),
		Events:    events.NewEventBus(8),
		Health:    health,
		UploadDir: t.TempDir(),
		Log:       zerolog.Nop(),
	})
	h := srv.Handler()

	tests := []struct {
		name   string
		target string
		token  string
		want   int
	}{
		{"health_without_auth", "/api/v1/health", "", http.StatusOK},
		{"metrics_without_auth", "/metrics", "", http.StatusOK},
		{"jobs_require_auth", "/api/v1/jobs", "", http.StatusUnauthorized},
		{"jobs_with_token", "/api/v1/jobs", "s3cret", http.StatusOK},
		{"unknown_job", "/api/v1/jobs/nope", "s3cret", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}
