// Package summarize drives a generative model to summarize document
// excerpts, with model resolution and a bounded retry policy.
package summarize

import (
	"context"
	"fmt"
	"slices"
)

// Roles of chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Completer is a chat completion backend.
type Completer interface {
	// Complete returns the text of one completion. Failures are
	// *TransientError or *InvalidRequestError where the backend allows
	// telling them apart.
	Complete(ctx context.Context, req Request) (string, error)

	// HasModel reports whether the backend serves model.
	HasModel(ctx context.Context, model string) (bool, error)
}

// ResolveModel picks the model for a run: the configured model when the
// backend serves it, otherwise the fallback. It is called once per run,
// before any item is processed.
func ResolveModel(ctx context.Context, c Completer, configured, fallback string) (string, error) {
	var tried []string
	for _, model := range []string{configured, fallback} {
		if model == "" || slices.Contains(tried, model) {
			continue
		}
		tried = append(tried, model)

		ok, err := c.HasModel(ctx, model)
		if err != nil {
			if IsInvalidRequest(err) {
				continue
			}
			return "", fmt.Errorf("checking model %q: %w", model, err)
		}
		if ok {
			return model, nil
		}
	}
	if len(tried) == 0 {
		return "", fmt.Errorf("%w: no model configured", ErrModelUnavailable)
	}
	return "", fmt.Errorf("%w: tried %v", ErrModelUnavailable, tried)
}

