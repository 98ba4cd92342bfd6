package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/config"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/kernel"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Loader.ManifestDir = ""
	cfg.Logging.Development = true
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	k, err := kernel.New(cfg, kernel.WithMetrics(metrics))
	require.NoError(t, err)
	require.NoError(t, k.Boot(context.Background()))
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	return NewServer(cfg, k, nil, metrics, reg)
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServerRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	w := get(s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = get(s, "/vnodes")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerExposesMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	get(s, "/health")
	w := get(s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "aether_admin_http_requests_total"), w.Body.String())
}

func TestServerRateLimits(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerSecond = 1
		cfg.RateLimit.Burst = 1
	})

	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(s, "/health").Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Admin.Port = "0"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	assert.NoError(t, <-done)
}
