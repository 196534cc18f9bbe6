// Package metrics records completion latency and session counters.
//
// Prometheus collectors serve /metrics. When a database is attached the
// Collector also feeds the SQLite latency histogram so percentiles survive
// restarts.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"medsim/internal/simerr"
)

// Collector implements completion.Observer and the session counters.
type Collector struct {
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	feedback       *prometheus.HistogramVec
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec

	histogram *Histogram
	logger    *zap.Logger
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer, histogram *Histogram, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medsim_completion_requests_total",
				Help: "Completion calls by operation and outcome.",
			},
			[]string{"operation", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medsim_completion_duration_seconds",
				Help:    "Completion call latency in seconds.",
				Buckets: secondsBuckets(),
			},
			[]string{"operation"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medsim_completion_tokens_total",
				Help: "Tokens consumed by completion calls.",
			},
			[]string{"operation", "kind"},
		),
		feedback: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medsim_feedback_duration_seconds",
				Help:    "Wall clock time to generate a feedback document.",
				Buckets: secondsBuckets(),
			},
			[]string{"mode"},
		),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medsim_sessions_active",
			Help: "Sessions currently held in memory.",
		}),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medsim_sessions_total",
				Help: "Sessions started, by scenario.",
			},
			[]string{"scenario"},
		),
		histogram: histogram,
		logger:    logger.Named("metrics"),
	}

	if reg != nil {
		reg.MustRegister(c.requests, c.latency, c.tokens, c.feedback, c.sessionsActive, c.sessionsTotal)
	}
	return c
}

func secondsBuckets() []float64 {
	out := make([]float64, len(LatencyBuckets))
	for i, ms := range LatencyBuckets {
		out[i] = float64(ms) / 1000
	}
	return out
}

// ObserveCompletion records one completion call.
func (c *Collector) ObserveCompletion(operation, model string, latency time.Duration, promptTokens, completionTokens int, err error) {
	c.requests.WithLabelValues(operation, status(err)).Inc()
	c.latency.WithLabelValues(operation).Observe(latency.Seconds())
	if promptTokens > 0 {
		c.tokens.WithLabelValues(operation, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.tokens.WithLabelValues(operation, "completion").Add(float64(completionTokens))
	}

	if c.histogram == nil || err != nil {
		return
	}
	if herr := c.histogram.RecordLatency(context.Background(), operation, int(latency.Milliseconds())); herr != nil {
		c.logger.Warn("failed to record latency histogram",
			zap.String("operation", operation),
			zap.String("model", model),
			zap.Error(herr),
		)
	}
}

// ObserveFeedback records a finished feedback generation.
func (c *Collector) ObserveFeedback(mode string, d time.Duration) {
	c.feedback.WithLabelValues(mode).Observe(d.Seconds())
}

// SessionStarted counts a new session.
func (c *Collector) SessionStarted(scenario string) {
	c.sessionsTotal.WithLabelValues(scenario).Inc()
	c.sessionsActive.Inc()
}

// SessionEnded decrements the active gauge.
func (c *Collector) SessionEnded() {
	c.sessionsActive.Dec()
}

// Histogram returns the attached histogram, possibly nil.
func (c *Collector) Histogram() *Histogram {
	return c.histogram
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case simerr.IsRateLimited(err):
		return "rate_limited"
	case simerr.IsRemoteCall(err):
		return "remote_error"
	default:
		return "error"
	}
}
