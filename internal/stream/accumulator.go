package stream

import (
	"sort"
	"strings"

	"github.com/percolationlabs/percolate/pkg/models"
)

// CallState tracks assembly of one streamed tool call.
type CallState int

const (
	CallNone CallState = iota
	CallNameSeen
	CallArgsAccumulating
	CallReady
)

type pendingCall struct {
	id    string
	name  string
	args  strings.Builder
	state CallState
}

// Accumulator folds canonical chunks back into a complete assistant turn:
// the content text, fully assembled tool calls, aggregated usage, and the
// finish reason. Tool calls are keyed by delta index; fragments may
// interleave across calls and arrive in any argument order within a call's
// stream position.
type Accumulator struct {
	content strings.Builder
	calls   map[int]*pendingCall
	usage   models.Usage
	finish  string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{calls: map[int]*pendingCall{}}
}

// Ingest consumes one chunk, updating call state machines and usage.
func (a *Accumulator) Ingest(chunk models.Chunk) {
	if chunk.Usage != nil {
		a.usage.Add(*chunk.Usage)
	}
	for _, choice := range chunk.Choices {
		a.content.WriteString(choice.Delta.Content)
		for _, tc := range choice.Delta.ToolCalls {
			call, ok := a.calls[tc.Index]
			if !ok {
				call = &pendingCall{}
				a.calls[tc.Index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
				if call.state == CallNone {
					call.state = CallNameSeen
				}
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
				call.state = CallArgsAccumulating
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			a.finish = *choice.FinishReason
			for _, call := range a.calls {
				if call.state != CallNone {
					call.state = CallReady
				}
			}
		}
	}
}

// FinishReason returns the stream's finish reason, or "" while running.
func (a *Accumulator) FinishReason() string { return a.finish }

// Usage returns the aggregated token usage.
func (a *Accumulator) Usage() models.Usage { return a.usage }

// Content returns the accumulated assistant text.
func (a *Accumulator) Content() string { return a.content.String() }

// ToolCalls returns the ready calls in delta-index order. Calls still mid
// assembly are excluded; after a finish reason every started call is ready.
func (a *Accumulator) ToolCalls() []models.ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for idx, call := range a.calls {
		if call.state == CallReady {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	out := make([]models.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		call := a.calls[idx]
		out = append(out, models.ToolCall{
			ID:   call.id,
			Type: "function",
			Function: models.FunctionCall{
				Name:      call.name,
				Arguments: call.args.String(),
			},
		})
	}
	return out
}

// HasToolCalls reports whether the turn requested any tool invocations.
func (a *Accumulator) HasToolCalls() bool {
	return a.finish == models.FinishToolCalls && len(a.ToolCalls()) > 0
}

// Message assembles the complete assistant message for the transcript.
func (a *Accumulator) Message() models.ChatMessage {
	return models.ChatMessage{
		Role:      "assistant",
		Content:   a.content.String(),
		ToolCalls: a.ToolCalls(),
	}
}
