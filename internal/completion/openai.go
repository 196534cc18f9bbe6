package completion

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"medsim/internal/simerr"
)

// OpenAIProvider is a Provider backed by the go-openai SDK.
type OpenAIProvider struct {
	client   *openai.Client
	defaults CallConfig
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewOpenAIProvider creates an SDK-backed provider. An empty BaseURL keeps the SDK default.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(oc),
		defaults: CallConfig{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
	}
}

// Chat sends a chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts ...CallOption) (*Response, error) {
	cfg := ApplyOptions(p.defaults, opts...)
	start := time.Now()

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    oaMsgs,
		Temperature: float32(cfg.Temperature),
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, simerr.NewRemoteCallError(simerr.CodeEmptyResponse, "no choices in response", nil)
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}.normalize(),
		Latency: time.Since(start),
	}, nil
}

// mapOpenAIError converts SDK errors to simerr remote errors.
func mapOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return simerr.NewRemoteCallError(simerr.CodeTimeout, "request timed out or cancelled", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type == "rate_limit_error" || apiErr.Type == "insufficient_quota" {
			return simerr.NewRateLimitedError(apiErr.Message, err)
		}
		return fromStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fromStatus(reqErr.HTTPStatusCode, "request failed", err)
	}

	return simerr.NewRemoteCallError(simerr.CodeServerError, "completion request failed", err)
}

// fromStatus maps an HTTP status code to a remote error.
func fromStatus(status int, message string, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return simerr.NewRateLimitedError(message, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return simerr.NewRemoteCallError(simerr.CodeAuthentication, message, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return simerr.NewRemoteCallError(simerr.CodeTimeout, message, err)
	case status >= 500:
		return simerr.NewRemoteCallError(simerr.CodeServerError, message, err)
	case status >= 400:
		return simerr.NewRemoteCallError(simerr.CodeInvalidRequest, message, err)
	default:
		return simerr.NewRemoteCallError(simerr.CodeServerError, message, err)
	}
}
