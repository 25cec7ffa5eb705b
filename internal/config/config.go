// Package config loads and validates runtime configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scraper-runtime/internal/queue"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Lua       LuaConfig       `mapstructure:"lua"`
	Wasm      WasmConfig      `mapstructure:"wasm"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	// APIKey, when set, is required on every request as X-API-Key.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig sizes the worker pool and the per-plugin cooldown.
type SchedulerConfig struct {
	Workers           int            `mapstructure:"workers"`
	InvocationTimeout time.Duration  `mapstructure:"invocation_timeout"`
	Cooldown          CooldownConfig `mapstructure:"cooldown"`
}

// CooldownConfig is the default token bucket per plugin. rps <= 0 disables it.
type CooldownConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// QueueConfig tunes the priority retry queue.
type QueueConfig struct {
	MaxFail       int           `mapstructure:"max_fail"`
	MaxSize       int           `mapstructure:"max_size"`
	MergePolicy   string        `mapstructure:"merge_policy"`
	HistorySize   int           `mapstructure:"history_size"`
	AgingInterval time.Duration `mapstructure:"aging_interval"`
	Backoff       BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig shapes the retry delay curve.
type BackoffConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Multiplier float64       `mapstructure:"multiplier"`
	Max        time.Duration `mapstructure:"max"`
	Jitter     time.Duration `mapstructure:"jitter"`
}

// PluginsConfig points at the manifest directory.
type PluginsConfig struct {
	Dir      string        `mapstructure:"dir"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// HTTPConfig configures the client lent to plugins.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the per-host circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	OpenTimeout  time.Duration `mapstructure:"open_timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// HeadlessConfig configures the browser driver.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ExecPath          string        `mapstructure:"exec_path"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// LuaConfig bounds each Lua interpreter. Zero keeps gopher-lua defaults.
type LuaConfig struct {
	CallStackSize int `mapstructure:"call_stack_size"`
	RegistrySize  int `mapstructure:"registry_size"`
}

// WasmConfig bounds each guest instance.
type WasmConfig struct {
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`
}

// NotifyConfig sizes the completion event hub.
type NotifyConfig struct {
	Buffer           int           `mapstructure:"buffer"`
	Batch            int           `mapstructure:"batch"`
	Wait             time.Duration `mapstructure:"wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.invocation_timeout", 30*time.Second)
	v.SetDefault("scheduler.cooldown.rps", 1.0)
	v.SetDefault("scheduler.cooldown.burst", 1)
	v.SetDefault("queue.max_fail", 3)
	v.SetDefault("queue.max_size", 0)
	v.SetDefault("queue.merge_policy", string(queue.MergeBump))
	v.SetDefault("queue.history_size", 1024)
	v.SetDefault("queue.aging_interval", time.Duration(0))
	v.SetDefault("queue.backoff.base", time.Second)
	v.SetDefault("queue.backoff.multiplier", 2.0)
	v.SetDefault("queue.backoff.max", 5*time.Minute)
	v.SetDefault("queue.backoff.jitter", time.Second)
	v.SetDefault("plugins.dir", "plugins")
	v.SetDefault("plugins.watch", true)
	v.SetDefault("plugins.debounce", 250*time.Millisecond)
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.user_agent", "scraper-runtime/0.1")
	v.SetDefault("http.max_body_bytes", int64(8<<20))
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.breaker.max_requests", 3)
	v.SetDefault("http.breaker.interval", 30*time.Second)
	v.SetDefault("http.breaker.open_timeout", 30*time.Second)
	v.SetDefault("http.breaker.min_requests", 5)
	v.SetDefault("http.breaker.failure_ratio", 0.6)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", 25*time.Second)
	v.SetDefault("wasm.memory_limit_pages", 256)
	v.SetDefault("notify.buffer", 1024)
	v.SetDefault("notify.batch", 100)
	v.SetDefault("notify.wait", 200*time.Millisecond)
	v.SetDefault("notify.sink_timeout", 10*time.Second)
	v.SetDefault("notify.subscriber_buffer", 64)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "scraper-runtime")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.InvocationTimeout <= 0 {
		return fmt.Errorf("scheduler.invocation_timeout must be > 0")
	}
	if c.Scheduler.Cooldown.RPS > 0 && c.Scheduler.Cooldown.Burst <= 0 {
		return fmt.Errorf("scheduler.cooldown.burst must be > 0 when rps is set")
	}
	if c.Queue.MaxFail < 1 {
		return fmt.Errorf("queue.max_fail must be >= 1")
	}
	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must be >= 0")
	}
	if _, err := queue.ParseMergePolicy(c.Queue.MergePolicy); err != nil {
		return fmt.Errorf("queue.merge_policy: %w", err)
	}
	if c.Queue.Backoff.Base <= 0 {
		return fmt.Errorf("queue.backoff.base must be > 0")
	}
	if c.Queue.Backoff.Multiplier < 1 {
		return fmt.Errorf("queue.backoff.multiplier must be >= 1")
	}
	if c.Queue.Backoff.Max < c.Queue.Backoff.Base {
		return fmt.Errorf("queue.backoff.max must be >= queue.backoff.base")
	}
	if c.Queue.Backoff.Jitter < 0 {
		return fmt.Errorf("queue.backoff.jitter must be >= 0")
	}
	if c.Plugins.Dir == "" {
		return fmt.Errorf("plugins.dir must be set")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.Breaker.FailureRatio < 0 || c.HTTP.Breaker.FailureRatio > 1 {
		return fmt.Errorf("http.breaker.failure_ratio must be in [0, 1]")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0, 1]")
	}
	return nil
}

// QueueSettings converts the queue section into queue.Config. The merge
// policy has already been checked by Validate.
func (c Config) QueueSettings() queue.Config {
	merge, _ := queue.ParseMergePolicy(c.Queue.MergePolicy)
	return queue.Config{
		MaxFail:       c.Queue.MaxFail,
		MaxSize:       c.Queue.MaxSize,
		Merge:         merge,
		HistorySize:   c.Queue.HistorySize,
		AgingInterval: c.Queue.AgingInterval,
		Backoff: queue.Backoff{
			Base:       c.Queue.Backoff.Base,
			Multiplier: c.Queue.Backoff.Multiplier,
			Max:        c.Queue.Backoff.Max,
			Jitter:     c.Queue.Backoff.Jitter,
		},
	}
}
