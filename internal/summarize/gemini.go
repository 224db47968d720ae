package summarize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/paperflow/paperflow/internal/pacer"
)

// GenAIClient is a Completer backed by the Google Gen AI SDK.
type GenAIClient struct {
	client *genai.Client
	pacer  *pacer.Pacer
}

// NewGenAIClient creates a Gemini API backend.
func NewGenAIClient(ctx context.Context, apiKey string, p *pacer.Pacer) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("creating GenAI client: %w", err)
	}
	if p == nil {
		p = pacer.New()
	}
	return &GenAIClient{client: client, pacer: p}, nil
}

// Complete implements Completer. System messages become the system
// instruction; the rest are sent as conversation turns.
func (g *GenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := g.pacer.Wait(ctx, pacer.LLM); err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	var system []string
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return "", g.classify(ctx, err, req.Model)
	}
	return resp.Text(), nil
}

// HasModel implements Completer.
func (g *GenAIClient) HasModel(ctx context.Context, model string) (bool, error) {
	if err := g.pacer.Wait(ctx, pacer.LLM); err != nil {
		return false, err
	}
	if _, err := g.client.Models.Get(ctx, model, nil); err != nil {
		if code, ok := apiErrorCode(err); ok && code == http.StatusNotFound {
			return false, nil
		}
		return false, g.classify(ctx, err, model)
	}
	return true, nil
}

func (g *GenAIClient) classify(ctx context.Context, err error, model string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	code, ok := apiErrorCode(err)
	if !ok {
		return &TransientError{Err: err}
	}
	if code == http.StatusTooManyRequests {
		g.pacer.Cooldown(pacer.LLM, defaultLLMCooldown)
	}
	return classifyStatus(code, model, err.Error(), 0)
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code, true
	}
	return 0, false
}
