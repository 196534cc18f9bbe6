// Package completion talks to chat-completion backends.
//
// It provides the Provider abstraction with an OpenAI SDK backend and a raw
// OpenAI-compatible HTTP backend, client-side pacing, per-call instrumentation
// and the fan-out used to generate feedback sections concurrently.
package completion

import (
	"context"
	"time"
)

// Role constants for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is implemented by every completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message, opts ...CallOption) (*Response, error)
}

// Response carries the generated text and its accounting.
type Response struct {
	Content string        `json:"content"`
	Model   string        `json:"model"`
	Usage   Usage         `json:"usage"`
	Latency time.Duration `json:"latency"`
}

// Usage is the token triple reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// normalize fills a missing total and drops negative counts.
func (u Usage) normalize() Usage {
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	if u.TotalTokens <= 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// UsageCounter accumulates usage across a session. It is owned by a single
// orchestrating goroutine and is not safe for concurrent use.
type UsageCounter struct {
	total Usage
	calls int
}

// Add accumulates one call's usage
func (c *UsageCounter) Add(u Usage) {
	c.total = c.total.Add(u.normalize())
	c.calls++
}

// Snapshot returns the accumulated usage
func (c *UsageCounter) Snapshot() Usage {
	return c.total
}

// Calls returns the number of calls recorded
func (c *UsageCounter) Calls() int {
	return c.calls
}

// Reset zeroes the counter
func (c *UsageCounter) Reset() {
	c.total = Usage{}
	c.calls = 0
}

// CallOption configures a single Chat call.
type CallOption func(*CallConfig)

// CallConfig is the resolved configuration of one call.
type CallConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Operation   string
}

// WithModel overrides the provider's default model.
func WithModel(model string) CallOption {
	return func(c *CallConfig) {
		if model != "" {
			c.Model = model
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) CallOption {
	return func(c *CallConfig) { c.Temperature = temp }
}

// WithMaxTokens caps the generated tokens.
func WithMaxTokens(max int) CallOption {
	return func(c *CallConfig) { c.MaxTokens = max }
}

// WithOperation labels the call for logs and metrics.
func WithOperation(op string) CallOption {
	return func(c *CallConfig) { c.Operation = op }
}

// ApplyOptions resolves opts on top of defaults.
func ApplyOptions(defaults CallConfig, opts ...CallOption) CallConfig {
	cfg := defaults
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Operation == "" {
		cfg.Operation = "chat"
	}
	return cfg
}
