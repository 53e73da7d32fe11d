package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ehrlich-b/devroom/internal/logger"
)

const (
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
)

// AnthropicProvider implements Provider for Anthropic's Messages API.
type AnthropicProvider struct {
	apiKey  string
	model   string
	baseURL string
}

func NewAnthropicProvider(apiKey, model, baseURL string) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicProvider{apiKey: apiKey, model: model, baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("anthropic: API key is required")
	}
	system := req.System
	if req.JSON {
		system += "\n\nRespond with a single JSON object and nothing else."
	}
	ar := anthropicRequest{
		Model:       p.model,
		MaxTokens:   8192,
		System:      system,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		ar.Messages = append(ar.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	body, err := postJSON(ctx, p.baseURL+"/v1/messages", map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}, ar)
	if err != nil {
		logger.Error("anthropic call failed", "error", err, "duration", time.Since(start), "model", p.model)
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("anthropic: parse response: %w", err)
	}
	var text []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text = append(text, block.Text)
		}
	}
	if len(text) == 0 {
		return "", fmt.Errorf("anthropic: empty response")
	}
	logger.Debug("anthropic response",
		"model", p.model,
		"duration", time.Since(start),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return strings.Join(text, ""), nil
}
