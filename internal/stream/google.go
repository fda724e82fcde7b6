package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/pkg/models"
)

// googleParser maps Gemini streamGenerateContent events onto canonical
// chunks. Each event carries complete parts rather than byte deltas, so a
// functionCall part becomes a single tool-call delta with the full
// arguments payload. Gemini has no call IDs; one is synthesized so the
// canonical dialect stays uniform.
type googleParser struct {
	model    string
	streamID string
	created  int64
	nextTool int
	sawTool  bool
	done     bool
}

func newGoogleParser(model string) *googleParser {
	return &googleParser{
		model:    model,
		streamID: "chatcmpl-" + uuid.NewString(),
		created:  time.Now().Unix(),
	}
}

type googleStreamEvent struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *googleParser) Parse(ev Event) ([]models.Chunk, error) {
	if ev.Data == "" {
		return nil, nil
	}
	var e googleStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
		return nil, fmt.Errorf("decode google event: %w", err)
	}
	if e.Error != nil {
		return nil, fmt.Errorf("google stream error %d: %s", e.Error.Code, e.Error.Message)
	}
	if len(e.Candidates) == 0 {
		return nil, nil
	}
	cand := e.Candidates[0]

	var out []models.Chunk
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("encode function args: %w", err)
			}
			toolIdx := p.nextTool
			p.nextTool++
			p.sawTool = true
			out = append(out, p.chunk(models.Delta{ToolCalls: []models.ToolCallDelta{{
				Index: toolIdx,
				ID:    "call_" + uuid.NewString(),
				Type:  "function",
				Function: models.FunctionCallDelta{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			}}}, nil))
		case part.Text != "":
			out = append(out, p.chunk(models.Delta{Content: part.Text}, nil))
		}
	}

	if cand.FinishReason != "" {
		p.done = true
		finish := p.mapFinish(cand.FinishReason)
		final := p.chunk(models.Delta{}, &finish)
		if e.UsageMetadata != nil {
			final.Usage = &models.Usage{
				PromptTokens:     e.UsageMetadata.PromptTokenCount,
				CompletionTokens: e.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      e.UsageMetadata.TotalTokenCount,
			}
		}
		out = append(out, final)
	}
	return out, nil
}

func (p *googleParser) Done() bool { return p.done }

func (p *googleParser) chunk(delta models.Delta, finish *string) models.Chunk {
	return models.Chunk{
		ID:      p.streamID,
		Object:  "chat.completion.chunk",
		Created: p.created,
		Model:   p.model,
		Choices: []models.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (p *googleParser) mapFinish(reason string) string {
	switch {
	case p.sawTool:
		return models.FinishToolCalls
	case reason == "MAX_TOKENS":
		return models.FinishLength
	default:
		return models.FinishStop
	}
}

var _ Parser = (*googleParser)(nil)
