package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/notify"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event; dead letters at warn level.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.String("key", evt.Key),
			zap.String("plugin", evt.Plugin),
			zap.String("op", string(evt.Op)),
			zap.Int("fail_count", evt.FailCount),
			zap.Duration("dur", evt.Dur),
		}
		if !evt.RetryAt.IsZero() {
			fields = append(fields, zap.Time("retry_at", evt.RetryAt))
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error_kind", string(evt.ErrorKind)), zap.String("error", evt.Error))
		}
		if evt.Type == notify.TypeDeadLettered {
			s.logger.Warn("job dead-lettered", fields...)
			continue
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
