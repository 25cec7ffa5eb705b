// Package ratelimit implements the per-plugin cooldown: a token bucket per
// plugin id so one busy source cannot be hammered by the whole worker pool.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scraper-runtime/internal/metrics"
)

// Config holds the default bucket applied to plugins without an override.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter manages per-plugin token buckets.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a new Limiter. A non-positive DefaultRPS means unlimited.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: max(cfg.DefaultBurst, 1),
	}
}

// Set overrides the bucket for one plugin.
func (l *Limiter) Set(plugin string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[plugin] = rate.NewLimiter(toLimit(rps), max(burst, 1))
}

// Forget drops a plugin's bucket, e.g. when it is unregistered.
func (l *Limiter) Forget(plugin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, plugin)
}

// Wait blocks until the plugin's cooldown allows another invocation.
func (l *Limiter) Wait(ctx context.Context, plugin string) error {
	limiter := l.get(plugin)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("cooldown wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveCooldownDelay(plugin, waited)
	}
	return nil
}

func (l *Limiter) get(plugin string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[plugin]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[plugin] = limiter
	}
	return limiter
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
