package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/metrics"
	"github.com/JakeFAU/scraper-runtime/internal/notify"
	"github.com/JakeFAU/scraper-runtime/internal/queue"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// work consumes queue items until ctx ends or the queue closes.
func (s *Scheduler) work(ctx context.Context, id int) {
	logger := s.logger.With(zap.Int("worker", id))
	for {
		item, err := s.queue.PopReady(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Error("queue pop failed", zap.Error(err))
			continue
		}
		s.process(ctx, logger, item)
	}
}

func (s *Scheduler) process(ctx context.Context, logger *zap.Logger, item queue.Item[scraper.Request]) {
	req := item.Payload
	logger = logger.With(zap.String("key", item.Key), zap.String("plugin", req.Plugin), zap.String("op", string(req.Op)))

	if s.cooldown != nil {
		if err := s.cooldown.Wait(ctx, req.Plugin); err != nil {
			// Shutting down before the attempt started: hand the item back.
			if rerr := s.queue.Release(item); rerr != nil {
				logger.Warn("release after cooldown failed", zap.Error(rerr))
			}
			logger.Debug("cooldown interrupted", zap.Error(err))
			return
		}
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	// The deadline is per invocation; shutdown does not cut an attempt short.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.InvocationTimeout)
	start := s.clock.Now()
	res, err := s.invoker.Invoke(callCtx, req)
	expired := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	dur := s.clock.Now().Sub(start)

	if err == nil {
		s.succeed(logger, item, res, dur)
		return
	}
	if expired && !errors.Is(err, scraper.ErrTimeout) {
		err = scraper.NewError(scraper.KindTimeout, string(req.Op), err).WithPlugin(req.Plugin)
	}
	s.fail(logger, item, err, dur)
}

func (s *Scheduler) succeed(logger *zap.Logger, item queue.Item[scraper.Request], res scraper.Result, dur time.Duration) {
	if err := s.queue.OnSuccess(item); err != nil {
		logger.Error("queue success failed", zap.Error(err))
	}
	metrics.ObserveJob(string(notify.TypeSucceeded))
	logger.Debug("invocation succeeded", zap.Duration("duration", dur))
	s.emit(notify.Event{
		Type:      notify.TypeSucceeded,
		Key:       item.Key,
		Plugin:    item.Payload.Plugin,
		Op:        item.Payload.Op,
		FailCount: item.FailCount,
		Result:    &res,
		Dur:       dur,
	})
	s.publishQueueStats()
}

// fail routes err through the queue. Permanent errors skip the retry budget.
func (s *Scheduler) fail(logger *zap.Logger, item queue.Item[scraper.Request], err error, dur time.Duration) {
	var (
		status queue.Status
		qerr   error
	)
	if scraper.IsRetryable(err) {
		status, qerr = s.queue.OnFailure(item, err)
	} else {
		status, qerr = s.queue.DeadLetter(item, err)
	}
	if qerr != nil {
		logger.Error("queue failure bookkeeping failed", zap.Error(qerr), zap.NamedError("cause", err))
		return
	}

	evt := notify.Event{
		Key:       item.Key,
		Plugin:    item.Payload.Plugin,
		Op:        item.Payload.Op,
		FailCount: status.FailCount,
		ErrorKind: scraper.KindOf(err),
		Error:     err.Error(),
		Dur:       dur,
	}
	if status.State == queue.StateDead {
		evt.Type = notify.TypeDeadLettered
		logger.Warn("invocation dead-lettered", zap.Int("fail_count", status.FailCount), zap.Error(err))
	} else {
		evt.Type = notify.TypeRetrying
		evt.RetryAt = status.RetryAt
		logger.Info("invocation failed, retrying",
			zap.Int("fail_count", status.FailCount),
			zap.Time("retry_at", status.RetryAt),
			zap.Error(err),
		)
	}
	metrics.ObserveJob(string(evt.Type))
	s.emit(evt)
	s.publishQueueStats()
}

func (s *Scheduler) emit(evt notify.Event) {
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("event id generation failed", zap.Error(err))
	}
	evt.ID = id
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}
