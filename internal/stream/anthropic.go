package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/percolationlabs/percolate/pkg/models"
)

// anthropicParser maps the messages API event grammar onto canonical
// chunks. Content blocks arrive indexed; text blocks become content deltas
// and tool_use blocks become tool-call deltas with their own canonical
// tool index (assigned in arrival order, independent of the block index).
type anthropicParser struct {
	model     string
	messageID string
	created   int64

	// blockTool maps an anthropic content block index to the canonical
	// tool-call index, for blocks that are tool_use.
	blockTool map[int]int
	nextTool  int

	inputTokens int
	done        bool
}

func newAnthropicParser(model string) *anthropicParser {
	return &anthropicParser{
		model:     model,
		created:   time.Now().Unix(),
		blockTool: map[int]int{},
	}
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicParser) Parse(ev Event) ([]models.Chunk, error) {
	if ev.Data == "" || ev.Name == "ping" {
		return nil, nil
	}
	var e anthropicEvent
	if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
		return nil, fmt.Errorf("decode anthropic event: %w", err)
	}

	switch e.Type {
	case "message_start":
		p.messageID = e.Message.ID
		p.inputTokens = e.Message.Usage.InputTokens
		return []models.Chunk{p.chunk(models.Delta{Role: "assistant"}, nil)}, nil

	case "content_block_start":
		if e.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		toolIdx := p.nextTool
		p.nextTool++
		p.blockTool[e.Index] = toolIdx
		return []models.Chunk{p.chunk(models.Delta{ToolCalls: []models.ToolCallDelta{{
			Index: toolIdx,
			ID:    e.ContentBlock.ID,
			Type:  "function",
			Function: models.FunctionCallDelta{
				Name: e.ContentBlock.Name,
			},
		}}}, nil)}, nil

	case "content_block_delta":
		switch e.Delta.Type {
		case "text_delta":
			if e.Delta.Text == "" {
				return nil, nil
			}
			return []models.Chunk{p.chunk(models.Delta{Content: e.Delta.Text}, nil)}, nil
		case "input_json_delta":
			toolIdx, ok := p.blockTool[e.Index]
			if !ok {
				return nil, nil
			}
			if e.Delta.PartialJSON == "" {
				return nil, nil
			}
			return []models.Chunk{p.chunk(models.Delta{ToolCalls: []models.ToolCallDelta{{
				Index:    toolIdx,
				Function: models.FunctionCallDelta{Arguments: e.Delta.PartialJSON},
			}}}, nil)}, nil
		}
		return nil, nil

	case "message_delta":
		finish := mapAnthropicStop(e.Delta.StopReason)
		usage := &models.Usage{
			PromptTokens:     p.inputTokens,
			CompletionTokens: e.Usage.OutputTokens,
			TotalTokens:      p.inputTokens + e.Usage.OutputTokens,
		}
		chunk := p.chunk(models.Delta{}, &finish)
		chunk.Usage = usage
		return []models.Chunk{chunk}, nil

	case "message_stop":
		p.done = true
		return nil, nil

	case "error":
		if e.Error != nil {
			return nil, fmt.Errorf("anthropic stream error: %s: %s", e.Error.Type, e.Error.Message)
		}
		return nil, fmt.Errorf("anthropic stream error")
	}
	return nil, nil
}

func (p *anthropicParser) Done() bool { return p.done }

func (p *anthropicParser) chunk(delta models.Delta, finish *string) models.Chunk {
	return models.Chunk{
		ID:      p.messageID,
		Object:  "chat.completion.chunk",
		Created: p.created,
		Model:   p.model,
		Choices: []models.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return models.FinishToolCalls
	case "max_tokens":
		return models.FinishLength
	default:
		return models.FinishStop
	}
}

var _ Parser = (*anthropicParser)(nil)
