package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scraper-runtime/internal/notify"
)

// PrometheusSink exports job outcome counters and attempt latency.
type PrometheusSink struct {
	outcomes   *prometheus.CounterVec
	attemptDur *prometheus.HistogramVec
	failCounts *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_events_total",
			Help: "Job resolutions partitioned by plugin and outcome.",
		}, []string{"plugin", "type"}),
		attemptDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_attempt_duration_seconds",
			Help:    "Wall time of a single job attempt.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"plugin", "type"}),
		failCounts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_terminal_fail_count",
			Help:    "Failures accumulated by a job when it reached a terminal state.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}, []string{"type"}),
	}
	for _, collector := range []prometheus.Collector{s.outcomes, s.attemptDur, s.failCounts} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register notify collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors for the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		plugin := evt.Plugin
		if plugin == "" {
			plugin = "unknown"
		}
		s.outcomes.WithLabelValues(plugin, string(evt.Type)).Inc()
		if evt.Dur > 0 {
			s.attemptDur.WithLabelValues(plugin, string(evt.Type)).Observe(evt.Dur.Seconds())
		}
		if evt.Terminal() {
			s.failCounts.WithLabelValues(string(evt.Type)).Observe(float64(evt.FailCount))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
