package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/pacer"
)

const (
	// DefaultOpenAIBaseURL is the OpenAI API root; any compatible server
	// (Ark, Ollama /v1, vLLM) works.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout bounds a single completion request.
	DefaultTimeout = 5 * time.Minute

	defaultLLMCooldown = 10 * time.Second
)

// OpenAIClient talks to an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pacer      *pacer.Pacer
	logger     *zap.Logger
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL sets the API root, e.g. "http://localhost:11434/v1".
func WithBaseURL(u string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		c.httpClient = hc
	}
}

// WithPacer shares a pacer with other clients.
func WithPacer(p *pacer.Pacer) OpenAIOption {
	return func(c *OpenAIClient) {
		c.pacer = p
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *zap.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		c.logger = l
	}
}

// NewOpenAIClient creates a chat completions client.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    DefaultOpenAIBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pacer == nil {
		c.pacer = pacer.New()
	}
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error,omitempty"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/chat/completions", body, req.Model)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.Error != nil {
		return "", &InvalidRequestError{StatusCode: http.StatusOK, Model: req.Model, Message: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// HasModel implements Completer using GET /models. Servers without a
// model listing are assumed to serve any model.
func (c *OpenAIClient) HasModel(ctx context.Context, model string) (bool, error) {
	data, err := c.do(ctx, http.MethodGet, "/models", nil, model)
	if err != nil {
		var ie *InvalidRequestError
		if errors.As(err, &ie) && (ie.StatusCode == http.StatusNotFound || ie.StatusCode == http.StatusMethodNotAllowed) {
			c.logger.Debug("model listing unavailable, assuming model exists", zap.String("model", model))
			return true, nil
		}
		return false, err
	}

	var list modelList
	if err := json.Unmarshal(data, &list); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	for _, m := range list.Data {
		if m.ID == model {
			return true, nil
		}
	}
	return false, nil
}

// do sends a paced request and classifies failures.
func (c *OpenAIClient) do(ctx context.Context, method, path string, body []byte, model string) ([]byte, error) {
	if err := c.pacer.Wait(ctx, pacer.LLM); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}
	c.logger.Debug("llm request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	retryAfter := pacer.RetryAfter(resp.Header, c.pacer.Now())
	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter <= 0 {
			retryAfter = defaultLLMCooldown
		}
		c.pacer.Cooldown(pacer.LLM, retryAfter)
	}
	return nil, classifyStatus(resp.StatusCode, model, errorMessage(data), retryAfter)
}

// errorMessage pulls the message out of an error body.
func errorMessage(data []byte) string {
	var wrapped struct {
		Error *apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}
