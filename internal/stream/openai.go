package stream

import (
	"encoding/json"
	"fmt"

	"github.com/percolationlabs/percolate/pkg/models"
)

// openaiParser handles the native dialect: each data event is already a
// canonical chunk, so parsing is decode plus terminal-sentinel detection.
type openaiParser struct {
	done bool
}

func newOpenAIParser() *openaiParser { return &openaiParser{} }

func (p *openaiParser) Parse(ev Event) ([]models.Chunk, error) {
	if ev.Data == "" {
		return nil, nil
	}
	if ev.Data == "[DONE]" {
		p.done = true
		return nil, nil
	}
	var chunk models.Chunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, fmt.Errorf("decode openai chunk: %w", err)
	}
	return []models.Chunk{chunk}, nil
}

func (p *openaiParser) Done() bool { return p.done }

var _ Parser = (*openaiParser)(nil)
