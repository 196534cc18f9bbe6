package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"medsim/internal/cases"
	"medsim/internal/completion"
	"medsim/internal/config"
	"medsim/internal/feedback"
	"medsim/internal/metrics"
	"medsim/internal/prompt"
	"medsim/internal/report"
	"medsim/internal/session"
	"medsim/internal/store"
)

// histogramRetentionDays bounds the latency histogram table.
const histogramRetentionDays = 7

// app holds the wired components shared by serve and mcp.
type app struct {
	instanceID string
	cfg        *config.Config
	logger     *zap.Logger

	catalog   *cases.Catalog
	sink      store.Sink
	histogram *metrics.Histogram
	registry  *prometheus.Registry
	collector *metrics.Collector
	limiter   *completion.RateLimiter
	manager   *session.Manager
	renderer  *report.Renderer
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		instanceID: "medsim-" + uuid.NewString()[:8],
		cfg:        cfg,
		logger:     logger,
		registry:   prometheus.NewRegistry(),
		renderer:   report.NewRenderer(cfg.Report.FontPath),
	}

	catalog, err := loadCatalog(cfg.Cases.File)
	if err != nil {
		return nil, err
	}
	a.catalog = catalog

	a.sink, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.SQLitePath, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// The latency histogram lives next to the sessions when the store is sqlite.
	if sq, ok := a.sink.(*store.SQLite); ok {
		a.histogram = metrics.NewHistogram(sq.DB())
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(a.registry, a.histogram, logger)

	mode, err := feedback.ParseMode(cfg.Feedback.Mode)
	if err != nil {
		_ = a.sink.Close()
		return nil, err
	}

	var provider completion.Provider
	provider, a.limiter = buildProvider(cfg.LLM, a.collector, logger)
	composer := prompt.NewComposer()

	tasks := feedback.DefaultCatalog()
	if cfg.LLM.FeedbackModel != "" {
		tasks = tasks.WithModel(cfg.LLM.FeedbackModel)
	}

	a.manager, err = session.NewManager(session.Config{
		Selector:  cases.NewSelector(catalog, rand.New(rand.NewSource(time.Now().UnixNano()))),
		Composer:  composer,
		Provider:  provider,
		Generator: feedback.NewGenerator(composer, provider, tasks, mode, cfg.LLM.FeedbackModel),
		Sink:      a.sink,
		Observer:  a.collector,
		Logger:    logger,
		Model:     cfg.LLM.Model,
	})
	if err != nil {
		_ = a.sink.Close()
		return nil, err
	}

	return a, nil
}

func loadCatalog(path string) (*cases.Catalog, error) {
	if path == "" {
		return cases.DefaultCatalog(), nil
	}
	return cases.LoadCatalog(path)
}

// buildProvider assembles backend -> rate limiter -> observer. The limiter is
// nil when requests_per_minute is unset.
func buildProvider(cfg config.LLMConfig, obs completion.Observer, logger *zap.Logger) (completion.Provider, *completion.RateLimiter) {
	var p completion.Provider
	switch cfg.Provider {
	case "http":
		p = completion.NewHTTPProvider(completion.HTTPConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	default:
		p = completion.NewOpenAIProvider(completion.OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	}

	var rl *completion.RateLimiter
	if cfg.RequestsPerMinute > 0 {
		rl = completion.NewRateLimiter(cfg.RequestsPerMinute, cfg.Cooldown)
		p = completion.WithRateLimiter(p, rl)
	}
	return completion.WithObserver(p, obs, logger), rl
}

// maintain runs periodic housekeeping until ctx is done.
func (a *app) maintain(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *app) heartbeat(ctx context.Context) {
	a.recordEvent(ctx, "heartbeat", fmt.Sprintf("%s running, %d active sessions", a.instanceID, len(a.manager.IDs())))

	if a.limiter != nil {
		if stats := a.limiter.Stats(); stats.InCooldown {
			a.logger.Warn("completion backend cooling down",
				zap.Int("consecutive_errors", stats.ConsecutiveErrors),
				zap.Duration("remaining", stats.CooldownRemaining),
			)
		}
	}

	if a.histogram == nil {
		return
	}
	n, err := a.histogram.CleanupOldData(ctx, histogramRetentionDays)
	if err != nil {
		a.logger.Warn("failed to clean latency histogram", zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Debug("cleaned latency histogram", zap.Int64("rows", n))
	}
}

// shutdown ends live sessions and closes the store. The sqlite sink
// checkpoints its WAL on close.
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.manager.Close(ctx)
	a.recordEvent(ctx, "shutdown", fmt.Sprintf("%s shutdown gracefully", a.instanceID))

	if err := a.sink.Close(); err != nil {
		a.logger.Error("failed to close store", zap.Error(err))
	}
	a.logger.Info("shutdown complete", zap.String("instance", a.instanceID))
}

// recordEvent is a simple telemetry helper
func (a *app) recordEvent(ctx context.Context, eventType, description string) {
	if err := a.sink.RecordEvent(ctx, eventType, description); err != nil {
		a.logger.Warn("failed to record event", zap.String("event", eventType), zap.Error(err))
	}
}
