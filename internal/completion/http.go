package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"medsim/internal/simerr"
)

// DefaultHTTPBaseURL is the Cerebras OpenAI-compatible endpoint.
const DefaultHTTPBaseURL = "https://api.cerebras.ai/v1"

// HTTPProvider is a Provider that speaks the OpenAI chat-completions wire
// format over plain HTTP.
type HTTPProvider struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	defaults CallConfig
}

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewHTTPProvider creates a raw HTTP provider
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultHTTPBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &HTTPProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		defaults: CallConfig{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
	}
}

// chatRequest is the request body
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// chatResponse is the response body
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// errorResponse is the body of a non-200 reply
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
	Message string `json:"message"`
}

// Chat sends a chat completion request
func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, opts ...CallOption) (*Response, error) {
	cfg := ApplyOptions(p.defaults, opts...)
	startTime := time.Now()

	reqBody := chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, simerr.NewRemoteCallError(simerr.CodeTimeout, "request timed out or cancelled", err)
		}
		return nil, simerr.NewRemoteCallError(simerr.CodeServerError, "failed to send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, simerr.NewRemoteCallError(simerr.CodeServerError, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := errorMessage(body)
		return nil, fromStatus(resp.StatusCode, msg, fmt.Errorf("API error (status %d)", resp.StatusCode))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, simerr.NewRemoteCallError(simerr.CodeServerError, "failed to unmarshal response", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, simerr.NewRemoteCallError(simerr.CodeEmptyResponse, "no choices in response", nil)
	}

	model := chatResp.Model
	if model == "" {
		model = cfg.Model
	}

	return &Response{
		Content: chatResp.Choices[0].Message.Content,
		Model:   model,
		Usage:   chatResp.Usage.normalize(),
		Latency: time.Since(startTime),
	}, nil
}

func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Error.Message != "" {
			return er.Error.Message
		}
		if er.Message != "" {
			return er.Message
		}
	}

	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen])
	}
	return string(body)
}
