package app_test

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ponte/app"
	"ponte/config"
)

func loadConfig(t *testing.T, content string) *config.GatewayConfig {
	t.Helper()
	file, err := os.CreateTemp("", "app_test_*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(file.Name()) })
	_, err = file.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	loaded, err := config.LoadConfiguration(file.Name())
	require.NoError(t, err)
	return loaded
}

func configWithRoute(t *testing.T, routeID string) *config.GatewayConfig {
	return loadConfig(t, fmt.Sprintf(`
port: "8080"
routes:
  - id: %s
    path: /api/**
    backend_url: http://localhost:9000
auth_rules:
  - path: /api/**
    require: public
auth:
  users:
    - username: mcpuser
      password: password123
      roles: [USER]
`, routeID))
}

func newTestPonte(t *testing.T, cfg *config.GatewayConfig) *app.Ponte {
	t.Helper()
	config.UpdateConfig(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return app.NewPonte(nil, logger)
}

func TestNewPonteBuildsRuntime(t *testing.T) {
	p := newTestPonte(t, configWithRoute(t, "api-route"))

	rt := p.Runtime()
	require.NotNil(t, rt)
	assert.Equal(t, 1, rt.Routes.Len())
	assert.Equal(t, 1, rt.Rules.Len())
	assert.NotNil(t, rt.Verifier)
	assert.NotNil(t, rt.Transports)
	assert.Equal(t, "api-route", rt.Routes.Resolve("/api/items").ID)
}

func TestUpdateConfigSwapsWholeRuntime(t *testing.T) {
	p := newTestPonte(t, configWithRoute(t, "old-route"))
	before := p.Runtime()

	p.UpdateConfig(configWithRoute(t, "new-route"))
	after := p.Runtime()

	assert.NotSame(t, before, after)
	assert.Equal(t, "new-route", after.Routes.Resolve("/api/items").ID)

	// The old bundle is untouched: requests that resolved it before the
	// swap keep a consistent view.
	assert.Equal(t, "old-route", before.Routes.Resolve("/api/items").ID)
}

func TestUpdateConfigDropsCachedTransports(t *testing.T) {
	p := newTestPonte(t, configWithRoute(t, "api-route"))

	rt := p.Runtime()
	route := rt.Routes.Resolve("/api/items")
	before := rt.Transports.Get(route)

	p.UpdateConfig(configWithRoute(t, "api-route"))

	after := p.Runtime()
	assert.NotSame(t, rt.Transports, after.Transports)
	assert.NotSame(t, before, after.Transports.Get(after.Routes.Resolve("/api/items")))
}

func configWithMaxIdleConns(t *testing.T, maxIdle int) *config.GatewayConfig {
	return loadConfig(t, fmt.Sprintf(`
port: "8080"
transport:
  http:
    max_idle_conns: %d
routes:
  - id: api-route
    path: /api/**
    backend_url: http://localhost:9000
`, maxIdle))
}

func TestReloadedTransportSettingsTakeEffect(t *testing.T) {
	p := newTestPonte(t, configWithMaxIdleConns(t, 50))

	oldRt := p.Runtime()
	oldRoute := oldRt.Routes.Resolve("/api/items")
	assert.Equal(t, 50, oldRt.Transports.Get(oldRoute).MaxIdleConns)

	p.UpdateConfig(configWithMaxIdleConns(t, 75))

	// A straggler on the old bundle touching its cache after the swap
	// must not leak the old settings into the new generation.
	oldRt.Transports.Get(oldRoute)

	newRt := p.Runtime()
	got := newRt.Transports.Get(newRt.Routes.Resolve("/api/items"))
	assert.Equal(t, 75, got.MaxIdleConns)
}

func TestUpdateComponentsSwapsLoggerOnLevelChange(t *testing.T) {
	p := newTestPonte(t, configWithRoute(t, "api-route"))
	before := p.Logger

	next := configWithRoute(t, "api-route")
	next.Logging.Level = "debug"
	p.UpdateComponents(next)

	assert.NotSame(t, before, p.Logger)
	assert.Equal(t, "debug", p.Config().Logging.Level)
}
