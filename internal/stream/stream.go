// Package stream normalizes provider SSE streams into canonical
// OpenAI-dialect chunks and relays them to clients. Parsers are pure state
// machines fed one SSE event at a time; the relay pumps an upstream body
// through a parser to the client with an idle timeout, and the accumulator
// folds chunks back into a complete assistant message for the agent loop
// and the audit trail.
package stream

import (
	"fmt"

	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/pkg/models"
)

// Parser converts one provider SSE event into zero or more canonical
// chunks. Parsers are stateful and single-stream; create one per request.
type Parser interface {
	// Parse consumes one event. A nil slice means the event carried nothing
	// the canonical dialect expresses (pings, block bookkeeping).
	Parse(event Event) ([]models.Chunk, error)

	// Done reports whether the stream has delivered its terminal event.
	Done() bool
}

// NewParser returns the parser for a provider dialect.
func NewParser(dialect llm.Dialect, model string) (Parser, error) {
	switch dialect {
	case llm.DialectOpenAI:
		return newOpenAIParser(), nil
	case llm.DialectAnthropic:
		return newAnthropicParser(model), nil
	case llm.DialectGoogle:
		return newGoogleParser(model), nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
}
