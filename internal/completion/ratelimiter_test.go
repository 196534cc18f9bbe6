package completion

import (
	"context"
	"testing"
	"time"

	"medsim/internal/simerr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rpm int, cooldown time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(rpm, cooldown)
	rl.now = clock.now
	return rl, clock
}

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, time.Second)

	stats := rl.Stats()
	if stats.RequestsPerMinute != 60 {
		t.Errorf("Expected 60 rpm, got %d", stats.RequestsPerMinute)
	}
	if stats.TokensAvailable != 60 {
		t.Errorf("Expected 60 tokens initially, got %d", stats.TokensAvailable)
	}

	if NewRateLimiter(0, 0).Stats().RequestsPerMinute != 60 {
		t.Error("non-positive rpm should fall back to 60")
	}
}

func TestWaitExhaustsBurst(t *testing.T) {
	rl := NewRateLimiter(5, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Failed to acquire token %d: %v", i, err)
		}
	}

	ctx6, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx6); err == nil {
		t.Error("6th Wait should not succeed within 50ms at 5 rpm")
	}
}

func TestCooldownFailsFast(t *testing.T) {
	rl, clock := newTestLimiter(60, 10*time.Second)

	rl.RecordRateLimit()

	err := rl.Wait(context.Background())
	if !simerr.IsRateLimited(err) {
		t.Fatalf("Wait during cooldown should return rate-limited error, got %v", err)
	}
	if !rl.Stats().InCooldown {
		t.Error("Stats should report the cooldown")
	}

	clock.advance(11 * time.Second)
	if err := rl.Wait(context.Background()); err != nil {
		t.Errorf("Wait after cooldown: %v", err)
	}
}

func TestCooldownDoublesAndCaps(t *testing.T) {
	rl, _ := newTestLimiter(60, 30*time.Second)

	rl.RecordRateLimit()
	if got := rl.Stats().CooldownRemaining; got != 30*time.Second {
		t.Errorf("first cooldown = %s, want 30s", got)
	}

	rl.RecordRateLimit()
	if got := rl.Stats().CooldownRemaining; got != 60*time.Second {
		t.Errorf("second cooldown = %s, want 60s", got)
	}

	for i := 0; i < 10; i++ {
		rl.RecordRateLimit()
	}
	if got := rl.Stats().CooldownRemaining; got != MaxCooldown {
		t.Errorf("cooldown should cap at %s, got %s", MaxCooldown, got)
	}
}

func TestRecordSuccessResets(t *testing.T) {
	rl, _ := newTestLimiter(60, time.Minute)

	rl.RecordRateLimit()
	rl.RecordRateLimit()
	if stats := rl.Stats(); stats.ConsecutiveErrors != 2 || !stats.InCooldown {
		t.Fatalf("unexpected stats %+v", stats)
	}

	rl.RecordSuccess()
	if stats := rl.Stats(); stats.ConsecutiveErrors != 0 || stats.InCooldown {
		t.Errorf("expected reset, got %+v", stats)
	}
}

func TestLimitedProvider(t *testing.T) {
	rl, _ := newTestLimiter(60, time.Minute)
	stub := &stubProvider{errs: map[string]error{"feedback": simerr.NewRateLimitedError("429", nil)}}
	p := WithRateLimiter(stub, rl)

	if _, err := p.Chat(context.Background(), nil, WithOperation("anamnesis")); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if _, err := p.Chat(context.Background(), nil, WithOperation("feedback")); !simerr.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if !rl.Stats().InCooldown {
		t.Fatal("limiter should be cooling down after a rate-limit signal")
	}

	before := stub.calls.Load()
	if _, err := p.Chat(context.Background(), nil, WithOperation("anamnesis")); !simerr.IsRateLimited(err) {
		t.Errorf("expected fail-fast during cooldown, got %v", err)
	}
	if stub.calls.Load() != before {
		t.Error("provider must not be called during cooldown")
	}
}
