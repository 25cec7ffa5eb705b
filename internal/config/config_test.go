package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-runtime/internal/queue"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.InvocationTimeout)
	assert.Equal(t, 3, cfg.Queue.MaxFail)
	assert.Equal(t, "bump", cfg.Queue.MergePolicy)
	assert.Equal(t, time.Second, cfg.Queue.Backoff.Base)
	assert.Equal(t, 5*time.Minute, cfg.Queue.Backoff.Max)
	assert.Equal(t, "plugins", cfg.Plugins.Dir)
	assert.Equal(t, uint32(256), cfg.Wasm.MemoryLimitPages)
	assert.Equal(t, int64(8<<20), cfg.HTTP.MaxBodyBytes)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: debug
scheduler:
  workers: 8
  invocation_timeout: 45s
  cooldown:
    rps: 0.5
    burst: 2
queue:
  max_fail: 5
  max_size: 200
  merge_policy: replace
  history_size: 10
  aging_interval: 1m
  backoff:
    base: 2s
    multiplier: 3
    max: 1m
    jitter: 100ms
plugins:
  dir: /srv/plugins
  watch: false
http:
  timeout: 10s
  user_agent: test-agent
  breaker:
    failure_ratio: 0.5
headless:
  enabled: false
lua:
  call_stack_size: 240
wasm:
  memory_limit_pages: 64
pubsub:
  enabled: true
  project_id: proj
  topic: scrapes
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.InvocationTimeout)
	assert.InDelta(t, 0.5, cfg.Scheduler.Cooldown.RPS, 1e-9)
	assert.Equal(t, "/srv/plugins", cfg.Plugins.Dir)
	assert.False(t, cfg.Plugins.Watch)
	assert.Equal(t, "test-agent", cfg.HTTP.UserAgent)
	assert.Equal(t, 240, cfg.Lua.CallStackSize)
	assert.Equal(t, uint32(64), cfg.Wasm.MemoryLimitPages)
	assert.Equal(t, "scrapes", cfg.PubSub.Topic)

	q := cfg.QueueSettings()
	assert.Equal(t, 5, q.MaxFail)
	assert.Equal(t, 200, q.MaxSize)
	assert.Equal(t, queue.MergeReplace, q.Merge)
	assert.Equal(t, 10, q.HistorySize)
	assert.Equal(t, time.Minute, q.AgingInterval)
	assert.Equal(t, queue.Backoff{Base: 2 * time.Second, Multiplier: 3, Max: time.Minute, Jitter: 100 * time.Millisecond}, q.Backoff)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"no invocation timeout", func(c *Config) { c.Scheduler.InvocationTimeout = 0 }, "scheduler.invocation_timeout"},
		{"cooldown without burst", func(c *Config) { c.Scheduler.Cooldown.Burst = 0 }, "scheduler.cooldown.burst"},
		{"zero max fail", func(c *Config) { c.Queue.MaxFail = 0 }, "queue.max_fail"},
		{"negative max size", func(c *Config) { c.Queue.MaxSize = -1 }, "queue.max_size"},
		{"unknown merge policy", func(c *Config) { c.Queue.MergePolicy = "newest" }, "queue.merge_policy"},
		{"shrinking backoff", func(c *Config) { c.Queue.Backoff.Multiplier = 0.5 }, "queue.backoff.multiplier"},
		{"max below base", func(c *Config) { c.Queue.Backoff.Max = time.Millisecond }, "queue.backoff.max"},
		{"no plugin dir", func(c *Config) { c.Plugins.Dir = "" }, "plugins.dir"},
		{"invalid http timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"headless missing max parallel", func(c *Config) { c.Headless.MaxParallel = 0 }, "headless.max_parallel"},
		{"pubsub missing topic", func(c *Config) { c.PubSub.Enabled = true; c.PubSub.ProjectID = "p" }, "pubsub."},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 2 }, "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
