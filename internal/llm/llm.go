// Package llm defines the generative model client interface and the gateway
// that fronts it. The gateway enforces the allowed-model policy and converts
// provider timeouts into user-facing messages; the providers themselves are
// thin HTTP clients.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corvuslabs/conduit-go/internal/config"
)

// Request is one completion call.
type Request struct {
	// Model is the requested model id. Empty means the configured default.
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply plus token accounting.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client is a generative model backend.
type Client interface {
	// Complete runs one completion. Implementations must honor ctx.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Name identifies the provider for logs and timeout messages.
	Name() string
}

// ModelNotAllowedError is returned when a request names a model other than
// the configured allowed id.
type ModelNotAllowedError struct {
	Requested string
	Allowed   string
}

func (e *ModelNotAllowedError) Error() string {
	return fmt.Sprintf("llm: model %q not allowed (allowed: %q)", e.Requested, e.Allowed)
}

// Message is the exact user-visible refusal text.
func (e *ModelNotAllowedError) Message() string {
	return fmt.Sprintf("ERROR: MODEL_NOT_ALLOWED. Requested=%s Allowed=%s", e.Requested, e.Allowed)
}

// TimeoutError is returned when a provider call exceeds its deadline.
type TimeoutError struct {
	Provider string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm: %s timed out", e.Provider)
}

// Message is the exact user-visible timeout text.
func (e *TimeoutError) Message() string {
	return "Timed out while waiting for " + e.Provider
}

// Gateway wraps a Client with the allowed-model gate and a per-call
// deadline.
type Gateway struct {
	inner   Client
	allowed string
	timeout time.Duration
}

// NewGateway constructs a Gateway. allowed is the single permitted model id;
// timeout bounds each completion call.
func NewGateway(inner Client, allowed string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Gateway{inner: inner, allowed: allowed, timeout: timeout}
}

// Name implements Client.
func (g *Gateway) Name() string { return g.inner.Name() }

// AllowedModel returns the single permitted model id.
func (g *Gateway) AllowedModel() string { return g.allowed }

// Complete enforces the model gate, applies the deadline, and translates a
// deadline expiry into a TimeoutError naming the provider.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model != "" && g.allowed != "" && req.Model != g.allowed {
		return nil, &ModelNotAllowedError{Requested: req.Model, Allowed: g.allowed}
	}
	if req.Model == "" {
		req.Model = g.allowed
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.inner.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Provider: g.inner.Name()}
		}
		return nil, err
	}
	return resp, nil
}

// NewFromSettings builds the gateway for the configured provider.
func NewFromSettings(cfg config.ModelSettings, timeout time.Duration) (*Gateway, error) {
	var inner Client
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		inner = NewOpenAI("", cfg.OpenAIKey)
	case "ollama":
		inner = NewOllama(cfg.OllamaHost)
	case "fake":
		inner = NewFake()
	default:
		return nil, fmt.Errorf("llm: unknown provider %q (valid: openai, ollama, fake)", cfg.Provider)
	}
	return NewGateway(inner, cfg.AllowedModel, timeout), nil
}
