package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/Jackson57279/zapdev-sub003/internal/config"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
	"github.com/Jackson57279/zapdev-sub003/internal/service"
)

func newTestServer(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	metrics.New(reg).ObserveRun("validated")
	svc := service.New(nil, nil, nil, nil, nil, cfg, logger)
	return NewServer(cfg, svc, nil, reg, logger)
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerRoutes(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	h := newTestServer(t, cfg)

	rec := get(h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = get(h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zapdev_pipeline_runs_total")

	// No websocket server configured.
	assert.Equal(t, http.StatusNotFound, get(h, "/ws").Code)
}

func TestRateLimiter(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.Burst = 1
	h := newTestServer(t, cfg)

	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/sandboxes/bad.id/operations").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/v1/sandboxes/bad.id/operations").Code)

	// Probes are never throttled.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(h, "/health").Code)
	}
}
