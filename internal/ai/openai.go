package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ehrlich-b/devroom/internal/logger"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider implements Provider for OpenAI-compatible chat completion
// endpoints.
type OpenAIProvider struct {
	client *openai.Client
	apiKey string
	model  string
}

// NewOpenAIProvider creates a provider. An empty baseURL means the public
// OpenAI API.
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpClient
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		apiKey: apiKey,
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("openai: API key is required")
	}
	cr := openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: float32(req.Temperature),
	}
	if req.JSON {
		cr.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	if req.System != "" {
		cr.Messages = append(cr.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		cr.Messages = append(cr.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	logger.Debug("OpenAI API request", "model", p.model, "num_messages", len(cr.Messages))
	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, cr)
	duration := time.Since(start)
	if err != nil {
		logger.Error("OpenAI API call failed", "error", err, "duration", duration, "model", p.model)
		return "", fmt.Errorf("openai: %w", openAIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI")
	}
	logger.Debug("OpenAI API response",
		"model", p.model,
		"duration", duration,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

// openAIError maps SDK status errors onto APIError so the bridge's retry
// policy sees the HTTP status.
func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &APIError{Status: apiErr.HTTPStatusCode, Body: apiErr.Message, cause: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &APIError{Status: reqErr.HTTPStatusCode, Body: reqErr.Error(), cause: err}
	}
	return err
}
