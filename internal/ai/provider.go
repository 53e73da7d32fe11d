package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider is one LLM backend.
type Provider interface {
	// Complete sends a conversation and returns the model's text.
	Complete(ctx context.Context, req Request) (string, error)

	// Name returns the provider name
	Name() string
}

// Message represents a chat message
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is one completion call. System carries the instruction prompt.
type Request struct {
	System      string
	Messages    []Message
	JSON        bool // ask for a JSON response body where the provider supports it
	Temperature float64
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Name    string // gemini, anthropic, openai, dummy
	APIKey  string
	Model   string
	BaseURL string
}

// NewProvider creates an LLM provider based on configuration
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Name {
	case "gemini", "":
		return NewGeminiProvider(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "dummy":
		return NewDummyProvider(0), nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Name)
	}
}

var httpClient = &http.Client{Timeout: 90 * time.Second}

// postJSON sends body to url and returns the raw response on 200.
func postJSON(ctx context.Context, url string, headers map[string]string, body any) ([]byte, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// APIError is a non-200 reply from a provider. SDK-backed providers keep
// the SDK's error as the cause.
type APIError struct {
	Status int
	Body   string

	cause error
}

func (e *APIError) Unwrap() error { return e.cause }

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, body)
}

// Retryable reports whether another attempt could succeed.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
