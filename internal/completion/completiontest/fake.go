// Package completiontest provides a scripted completion.Provider for tests.
package completiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medsim/internal/completion"
)

// Reply is a scripted answer. A non-nil Err is returned instead of a response.
type Reply struct {
	Content string
	Usage   completion.Usage
	Delay   time.Duration
	Err     error
}

// Call is a recorded request.
type Call struct {
	Operation string
	Model     string
	Messages  []completion.Message
}

// Provider answers by operation label, falling back to Default.
type Provider struct {
	mu      sync.Mutex
	replies map[string][]Reply
	Default Reply
	calls   []Call
}

// New creates a fake provider whose default reply echoes the operation.
func New() *Provider {
	return &Provider{replies: make(map[string][]Reply)}
}

// On queues replies for an operation. The last reply repeats once the queue is drained.
func (p *Provider) On(operation string, replies ...Reply) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[operation] = append(p.replies[operation], replies...)
	return p
}

// Calls returns the recorded calls in arrival order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of calls for an operation.
func (p *Provider) CallCount(operation string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Operation == operation {
			n++
		}
	}
	return n
}

// Chat implements completion.Provider.
func (p *Provider) Chat(ctx context.Context, messages []completion.Message, opts ...completion.CallOption) (*completion.Response, error) {
	cfg := completion.ApplyOptions(completion.CallConfig{Model: "fake-model"}, opts...)

	p.mu.Lock()
	p.calls = append(p.calls, Call{Operation: cfg.Operation, Model: cfg.Model, Messages: messages})
	r := p.Default
	if q := p.replies[cfg.Operation]; len(q) > 0 {
		r = q[0]
		if len(q) > 1 {
			p.replies[cfg.Operation] = q[1:]
		}
	}
	p.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}

	content := r.Content
	if content == "" {
		content = fmt.Sprintf("response for %s", cfg.Operation)
	}

	return &completion.Response{Content: content, Model: cfg.Model, Usage: r.Usage}, nil
}
