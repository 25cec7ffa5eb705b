package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/config"
	"github.com/JakeFAU/scraper-runtime/internal/queue"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

const genresScript = `
function genres()
  return {
    { name = "Action", url = "https://a.example/genre/action" },
    { name = "Drama", url = "https://a.example/genre/drama" },
  }
end
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-a.yaml"), []byte("id: site-a\nname: Site A\nbackend: lua\nentrypoint: site-a.lua\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-a.lua"), []byte(genresScript), 0o600))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Plugins.Dir = dir
	cfg.Plugins.Watch = false
	cfg.Headless.Enabled = false
	cfg.Scheduler.Cooldown.RPS = 0
	return cfg
}

func build(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return app
}

func TestBuildLoadsPluginsAndReportsReady(t *testing.T) {
	t.Parallel()

	app := build(t, testConfig(t))
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	plugins := app.Host().List()
	require.Len(t, plugins, 1)
	assert.Equal(t, "site-a", plugins[0].ID)
	assert.Equal(t, scraper.BackendLua, plugins[0].Backend)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEmptyPluginDirIsNotReady(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Plugins.Dir = t.TempDir()
	app := build(t, cfg)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunProcessesSubmittedJobs(t *testing.T) {
	t.Parallel()

	app := build(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	body := bytes.NewBufferString(`{"plugin":"site-a","op":"genres","priority":3}`)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Eventually(t, func() bool {
		return app.Scheduler().Status(resp.Key).State == queue.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, app.Close(context.Background()), "close after run is a no-op")
}

func TestBuildFailsOnBadLogLevel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Logging.Level = "loud"
	_, err := Build(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "logger init failed")
}
