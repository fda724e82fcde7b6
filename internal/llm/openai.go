package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/percolationlabs/percolate/pkg/models"
)

// OpenAIClient speaks the OpenAI chat completions API. It is the fallback
// provider, so it serves any model the others decline.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewOpenAIClient(baseURL, apiKey string, httpClient *http.Client) *OpenAIClient {
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (c *OpenAIClient) Serves(string) bool { return true }

// StreamChat passes the canonical request through nearly unchanged; the
// canonical dialect is the OpenAI dialect.
func (c *OpenAIClient) StreamChat(ctx context.Context, req *models.ChatRequest) (*Stream, error) {
	payload := *req
	payload.Stream = true
	payload.Metadata = nil

	body, err := json.Marshal(struct {
		models.ChatRequest
		StreamOptions map[string]any `json:"stream_options,omitempty"`
	}{
		ChatRequest:   payload,
		StreamOptions: map[string]any{"include_usage": true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}
	return &Stream{Body: resp.Body, Dialect: DialectOpenAI, Model: req.Model}, nil
}

var _ Provider = (*OpenAIClient)(nil)
