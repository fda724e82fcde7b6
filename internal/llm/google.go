package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/percolationlabs/percolate/pkg/models"
)

// GoogleClient speaks the Gemini generateContent API for gemini-* models.
type GoogleClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewGoogleClient(baseURL, apiKey string, httpClient *http.Client) *GoogleClient {
	return &GoogleClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (c *GoogleClient) Serves(model string) bool {
	return strings.HasPrefix(model, "gemini")
}

type googlePart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *googleFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *googleFuncResp `json:"functionResponse,omitempty"`
}

type googleFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type googleFuncResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

// StreamChat translates the canonical request into generateContent form and
// opens the streamGenerateContent endpoint with alt=sse.
func (c *GoogleClient) StreamChat(ctx context.Context, req *models.ChatRequest) (*Stream, error) {
	contents, system := convertGoogleContents(req.Messages)

	payload := map[string]any{"contents": contents}
	if system != "" {
		payload["systemInstruction"] = googleContent{Parts: []googlePart{{Text: system}}}
	}
	genConfig := map[string]any{}
	if req.Temperature > 0 {
		genConfig["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if len(genConfig) > 0 {
		payload["generationConfig"] = genConfig
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
			}
			if len(t.Function.Parameters) > 0 {
				decl["parameters"] = t.Function.Parameters
			}
			decls = append(decls, decl)
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.baseURL, url.PathEscape(req.Model), url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}
	return &Stream{Body: resp.Body, Dialect: DialectGoogle, Model: req.Model}, nil
}

// convertGoogleContents maps canonical messages to Gemini contents. The
// assistant role becomes "model"; tool responses become functionResponse
// parts keyed by function name (Gemini has no call IDs, so the tool call ID
// doubles as the function name lookup upstream of this conversion).
func convertGoogleContents(msgs []models.ChatMessage) ([]googleContent, string) {
	var systemParts []string
	out := make([]googleContent, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case "system":
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
		case "assistant":
			parts := []googlePart{}
			if m.Content != "" {
				parts = append(parts, googlePart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args, err := tc.Function.ParsedArguments()
				if err != nil {
					args = map[string]any{}
				}
				parts = append(parts, googlePart{FunctionCall: &googleFuncCall{
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			if len(parts) > 0 {
				out = append(out, googleContent{Role: "model", Parts: parts})
			}
		case "tool":
			out = append(out, googleContent{Role: "user", Parts: []googlePart{{
				FunctionResponse: &googleFuncResp{
					Name:     m.Name,
					Response: map[string]any{"result": m.Content},
				},
			}}})
		default:
			out = append(out, googleContent{Role: "user", Parts: []googlePart{{Text: m.Content}}})
		}
	}
	return out, strings.Join(systemParts, "\n\n")
}

var _ Provider = (*GoogleClient)(nil)
