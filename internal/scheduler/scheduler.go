// Package scheduler drains the priority retry queue with a fixed pool of
// workers. Each worker waits out the plugin's cooldown, invokes the plugin
// under a per-invocation deadline, resolves the queue item, and emits a
// completion event.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/clock/system"
	"github.com/JakeFAU/scraper-runtime/internal/id/uuid"
	"github.com/JakeFAU/scraper-runtime/internal/metrics"
	"github.com/JakeFAU/scraper-runtime/internal/notify"
	"github.com/JakeFAU/scraper-runtime/internal/queue"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// Invoker runs one plugin request. *plugin.Host implements it.
type Invoker interface {
	Invoke(ctx context.Context, req scraper.Request) (scraper.Result, error)
}

// Cooldown spaces invocations of the same plugin.
type Cooldown interface {
	Wait(ctx context.Context, plugin string) error
}

// Queue is the slice of *queue.Queue the scheduler drives.
type Queue interface {
	Push(key string, payload scraper.Request, priority uint8) (queue.PushResult, error)
	PopReady(ctx context.Context) (queue.Item[scraper.Request], error)
	OnSuccess(item queue.Item[scraper.Request]) error
	OnFailure(item queue.Item[scraper.Request], cause error) (queue.Status, error)
	DeadLetter(item queue.Item[scraper.Request], cause error) (queue.Status, error)
	Release(item queue.Item[scraper.Request]) error
	Status(key string) queue.Status
	Stats() queue.Stats
	Close()
}

// Config controls the pool.
type Config struct {
	Workers           int
	InvocationTimeout time.Duration
}

const (
	defaultWorkers           = 4
	defaultInvocationTimeout = 30 * time.Second
)

// Options carries optional collaborators. Nil fields get defaults: no
// cooldown, discarded events, the system clock, and uuid ids.
type Options struct {
	Cooldown Cooldown
	Emitter  notify.Emitter
	Clock    scraper.Clock
	IDs      scraper.IDGenerator
	Logger   *zap.Logger
}

// Scheduler owns the worker pool.
type Scheduler struct {
	cfg      Config
	queue    Queue
	invoker  Invoker
	cooldown Cooldown
	emitter  notify.Emitter
	clock    scraper.Clock
	ids      scraper.IDGenerator
	logger   *zap.Logger

	running sync.Mutex
}

// New builds a Scheduler over q.
func New(q Queue, invoker Invoker, cfg Config, opts Options) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = defaultInvocationTimeout
	}
	if opts.Emitter == nil {
		opts.Emitter = notify.EmitterFunc(func(notify.Event) {})
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.NewUUIDGenerator()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		queue:    q,
		invoker:  invoker,
		cooldown: opts.Cooldown,
		emitter:  opts.Emitter,
		clock:    opts.Clock,
		ids:      opts.IDs,
		logger:   opts.Logger.Named("scheduler"),
	}
}

// Submit validates req and enqueues it under its derived key.
func (s *Scheduler) Submit(req scraper.Request, priority uint8) (string, queue.PushResult, error) {
	if err := req.Validate(); err != nil {
		return "", "", fmt.Errorf("invalid request: %w", err)
	}
	key := req.Key()
	result, err := s.queue.Push(key, req, priority)
	if err != nil {
		return key, "", fmt.Errorf("enqueue %s: %w", key, err)
	}
	s.publishQueueStats()
	return key, result, nil
}

// Status proxies to the queue.
func (s *Scheduler) Status(key string) queue.Status {
	return s.queue.Status(key)
}

// Run starts the workers and blocks until ctx ends or the queue closes.
// In-flight invocations finish under their own deadline before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.TryLock() {
		return errors.New("scheduler already running")
	}
	defer s.running.Unlock()

	s.logger.Info("scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("invocation_timeout", s.cfg.InvocationTimeout),
	)
	var wg sync.WaitGroup
	for i := range s.cfg.Workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.work(ctx, id)
		}(i)
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Shutdown closes the queue so idle workers return; Run then waits for busy
// ones.
func (s *Scheduler) Shutdown() {
	s.queue.Close()
}

func (s *Scheduler) publishQueueStats() {
	st := s.queue.Stats()
	metrics.SetQueueItems(st.Ready, st.Delayed, st.InFlight)
}
