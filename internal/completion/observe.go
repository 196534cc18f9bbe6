package completion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"medsim/internal/simerr"
)

// Observer receives one notification per completed call.
type Observer interface {
	ObserveCompletion(operation, model string, latency time.Duration, promptTokens, completionTokens int, err error)
}

// ObservedProvider reports every call to an Observer and logs it.
type ObservedProvider struct {
	next     Provider
	observer Observer
	logger   *zap.Logger
}

// WithObserver wraps p. A nil observer only logs.
func WithObserver(p Provider, obs Observer, logger *zap.Logger) *ObservedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservedProvider{next: p, observer: obs, logger: logger.Named("completion")}
}

// Chat forwards the call and records its outcome.
func (p *ObservedProvider) Chat(ctx context.Context, messages []Message, opts ...CallOption) (*Response, error) {
	cfg := ApplyOptions(CallConfig{}, opts...)
	start := time.Now()

	resp, err := p.next.Chat(ctx, messages, opts...)
	latency := time.Since(start)

	model := cfg.Model
	var usage Usage
	if resp != nil {
		usage = resp.Usage
		if resp.Model != "" {
			model = resp.Model
		}
	}

	p.report(cfg.Operation, model, latency, usage, err)
	return resp, err
}

// report notifies the observer and logs one finished call. It runs on the
// goroutine that owns the call: the caller of Chat, or the caller of RunBatch
// once the pool has drained.
func (p *ObservedProvider) report(operation, model string, latency time.Duration, usage Usage, err error) {
	if p.observer != nil {
		p.observer.ObserveCompletion(operation, model, latency, usage.PromptTokens, usage.CompletionTokens, err)
	}

	switch {
	case err == nil:
		p.logger.Debug("completion",
			zap.String("operation", operation),
			zap.String("model", model),
			zap.Duration("latency", latency),
			zap.Int("total_tokens", usage.TotalTokens),
		)
	case simerr.IsRateLimited(err):
		p.logger.Warn("completion rate limited",
			zap.String("operation", operation),
			zap.Error(err),
		)
	default:
		p.logger.Error("completion failed",
			zap.String("operation", operation),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
}
