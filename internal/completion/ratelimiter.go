package completion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medsim/internal/simerr"
)

// MaxCooldown caps the cool-down after repeated rate-limit signals.
const MaxCooldown = 5 * time.Minute

// RateLimiter paces outgoing calls with a token bucket and enters a cool-down
// after the backend signals a rate limit. During the cool-down calls fail fast.
// It never retries.
type RateLimiter struct {
	limiter *rate.Limiter
	rpm     int

	mu                sync.Mutex
	baseCooldown      time.Duration
	consecutiveErrors int
	lastErrorTime     time.Time
	cooldown          time.Duration
	now               func() time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute with a
// burst of rpm. cooldown is the first back-off after a rate-limit signal and
// doubles on every consecutive one.
func NewRateLimiter(rpm int, cooldown time.Duration) *RateLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm),
		rpm:          rpm,
		baseCooldown: cooldown,
		now:          time.Now,
	}
}

// Wait blocks until a token is available. It returns a rate-limited error
// immediately while a cool-down is active.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if remaining := rl.cooldownRemaining(); remaining > 0 {
		return simerr.NewRateLimitedError(fmt.Sprintf("cooling down for %s", remaining.Round(time.Second)), nil)
	}
	return rl.limiter.Wait(ctx)
}

// RecordSuccess resets the cool-down state
func (rl *RateLimiter) RecordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.consecutiveErrors = 0
	rl.cooldown = 0
}

// RecordRateLimit starts or extends the cool-down
func (rl *RateLimiter) RecordRateLimit() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.consecutiveErrors++
	rl.lastErrorTime = rl.now()

	backoff := rl.baseCooldown << uint(rl.consecutiveErrors-1)
	if backoff > MaxCooldown || backoff <= 0 {
		backoff = MaxCooldown
	}
	rl.cooldown = backoff
}

func (rl *RateLimiter) cooldownRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.cooldown == 0 {
		return 0
	}
	remaining := rl.cooldown - rl.now().Sub(rl.lastErrorTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RateLimiterStats holds rate limiter statistics
type RateLimiterStats struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	TokensAvailable   int           `json:"tokens_available"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	InCooldown        bool          `json:"in_cooldown"`
	CooldownRemaining time.Duration `json:"cooldown_remaining_ns"`
}

// Stats returns rate limiter statistics
func (rl *RateLimiter) Stats() RateLimiterStats {
	remaining := rl.cooldownRemaining()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	return RateLimiterStats{
		RequestsPerMinute: rl.rpm,
		TokensAvailable:   int(rl.limiter.Tokens()),
		ConsecutiveErrors: rl.consecutiveErrors,
		InCooldown:        remaining > 0,
		CooldownRemaining: remaining,
	}
}

// LimitedProvider wraps a Provider with a RateLimiter.
type LimitedProvider struct {
	next    Provider
	limiter *RateLimiter
}

// WithRateLimiter wraps p so every call waits on rl first.
func WithRateLimiter(p Provider, rl *RateLimiter) *LimitedProvider {
	return &LimitedProvider{next: p, limiter: rl}
}

// Chat waits for a token and forwards the call.
func (p *LimitedProvider) Chat(ctx context.Context, messages []Message, opts ...CallOption) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		if simerr.IsRateLimited(err) {
			return nil, err
		}
		return nil, simerr.NewRemoteCallError(simerr.CodeTimeout, "rate limit wait failed", err)
	}

	resp, err := p.next.Chat(ctx, messages, opts...)
	switch {
	case err == nil:
		p.limiter.RecordSuccess()
	case simerr.IsRateLimited(err):
		p.limiter.RecordRateLimit()
	}
	return resp, err
}
