package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ponte/config"
	"ponte/health"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func routesFor(t *testing.T, backends map[string]string) func() []*config.RouteConfig {
	t.Helper()
	var routes []*config.RouteConfig
	for id, backend := range backends {
		target, err := url.Parse(backend)
		require.NoError(t, err)
		routes = append(routes, &config.RouteConfig{ID: id, Target: target})
	}
	return func() []*config.RouteConfig { return routes }
}

func TestProberReportsReachableBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	prober := health.NewProber(
		config.HealthConfig{Interval: time.Hour, Timeout: time.Second},
		routesFor(t, map[string]string{"up-route": backend.URL}),
		discardLogger(),
	)
	prober.Start()
	defer prober.Stop()

	assert.Eventually(t, func() bool {
		statuses := prober.Statuses()
		return statuses["up-route"].Status == health.StatusHealthy
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProberReportsUnreachableBackend(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	prober := health.NewProber(
		config.HealthConfig{Interval: time.Hour, Timeout: time.Second},
		routesFor(t, map[string]string{"down-route": deadURL}),
		discardLogger(),
	)
	prober.Start()
	defer prober.Stop()

	assert.Eventually(t, func() bool {
		statuses := prober.Statuses()
		s, ok := statuses["down-route"]
		return ok && s.Status == health.StatusUnhealthy && s.Error != ""
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandlerWithoutProber(t *testing.T) {
	rec := httptest.NewRecorder()
	health.Handler(nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.Empty(t, report.Redis)
}

func TestHandlerReportsRedisState(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	rec := httptest.NewRecorder()
	health.Handler(nil, ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Redis)

	rec = httptest.NewRecorder()
	health.Handler(nil, down).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "unreachable", report.Redis)

	// Redis being down never fails the endpoint itself.
	assert.Equal(t, http.StatusOK, rec.Code)
}
