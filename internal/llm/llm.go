// Package llm opens streaming chat completions against the upstream model
// providers. Each provider client translates the canonical OpenAI-dialect
// request into its native wire format and hands back the raw SSE body; the
// stream package parses provider events into canonical chunks.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/pkg/models"
)

// Dialect names the SSE event grammar a provider speaks.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGoogle    Dialect = "google"
)

// ErrNoProvider is returned when no provider claims the requested model.
var ErrNoProvider = errors.New("no provider for model")

// Stream is an open upstream completion: the raw SSE body plus the dialect
// needed to parse it. Callers must Close the body.
type Stream struct {
	Body    io.ReadCloser
	Dialect Dialect
	Model   string
}

// Provider opens streaming completions for the models it serves.
type Provider interface {
	// Serves reports whether this provider handles the model.
	Serves(model string) bool

	// StreamChat opens a streaming completion. The returned body carries
	// the provider's native SSE events.
	StreamChat(ctx context.Context, req *models.ChatRequest) (*Stream, error)
}

// Registry routes requests to providers by model name.
type Registry struct {
	providers []Provider
	idle      time.Duration
}

// NewRegistry wires the configured providers. Providers without an API key
// are still registered so misconfiguration surfaces as an upstream 401
// rather than a silent routing gap.
func NewRegistry(cfg config.LLMConfig) *Registry {
	httpClient := &http.Client{Timeout: 0} // streams run until closed
	return &Registry{
		providers: []Provider{
			NewAnthropicClient(cfg.AnthropicBaseURL, cfg.AnthropicKey, httpClient),
			NewGoogleClient(cfg.GoogleBaseURL, cfg.GoogleKey, httpClient),
			NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIKey, httpClient),
		},
		idle: cfg.StreamIdle,
	}
}

// IdleTimeout is the per-read deadline for open streams.
func (r *Registry) IdleTimeout() time.Duration { return r.idle }

// StreamChat routes to the provider serving the requested model and opens
// the upstream stream.
func (r *Registry) StreamChat(ctx context.Context, req *models.ChatRequest) (*Stream, error) {
	for _, p := range r.providers {
		if p.Serves(req.Model) {
			return p.StreamChat(ctx, req)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, req.Model)
}

// upstreamError drains a non-200 response into a bounded error message.
func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
