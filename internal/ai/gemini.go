package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/ehrlich-b/devroom/internal/logger"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider talks to the Gemini API through the genai SDK.
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiProvider(apiKey, model, baseURL string) *GeminiProvider {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{apiKey: apiKey, model: model, baseURL: baseURL}
}

func (p *GeminiProvider) Name() string { return "gemini" }

// genaiClient builds the SDK client on first use so a provider can be
// configured before a key is available.
func (p *GeminiProvider) genaiClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL},
	})
	if err != nil {
		return nil, err
	}
	p.client = c
	return c, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("gemini: API key is required")
	}
	client, err := p.genaiClient(ctx)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		logger.Error("gemini call failed", "error", err, "duration", time.Since(start), "model", p.model)
		return "", fmt.Errorf("gemini: %w", geminiError(err))
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: no candidates in response")
	}
	attrs := []any{"model", p.model, "duration", time.Since(start)}
	if u := resp.UsageMetadata; u != nil {
		attrs = append(attrs, "prompt_tokens", u.PromptTokenCount, "completion_tokens", u.CandidatesTokenCount)
	}
	logger.Debug("gemini response", attrs...)
	return resp.Text(), nil
}

// geminiError maps SDK status errors onto APIError so the bridge's retry
// policy sees the HTTP status.
func geminiError(err error) error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		var code int
		var msg string
		switch v := any(e).(type) {
		case genai.APIError:
			code, msg = v.Code, v.Message
		case *genai.APIError:
			code, msg = v.Code, v.Message
		}
		if code != 0 {
			return &APIError{Status: code, Body: msg, cause: err}
		}
	}
	return err
}
