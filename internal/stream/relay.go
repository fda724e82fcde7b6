package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/pkg/models"
)

// ErrIdleTimeout is returned when the upstream stream stalls past the
// configured idle window.
var ErrIdleTimeout = errors.New("stream idle timeout")

// Sink receives canonical chunks as they are parsed. A nil sink consumes
// the stream silently (internal agent turns that only need the
// accumulator).
type Sink func(models.Chunk) error

// Pump drains an upstream stream through its dialect parser, feeding every
// canonical chunk to the sink and the returned accumulator. It stops on
// the parser's terminal event, upstream EOF, context cancellation, or
// idle timeout, and always closes the upstream body.
func Pump(ctx context.Context, up *llm.Stream, idle time.Duration, sink Sink) (*Accumulator, error) {
	defer up.Body.Close()

	parser, err := NewParser(up.Dialect, up.Model)
	if err != nil {
		return nil, err
	}
	acc := NewAccumulator()

	events := make(chan Event, 16)
	errs := make(chan error, 1)
	go func() {
		reader := NewReader(up.Body)
		for {
			ev, err := reader.Next()
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			up.Body.Close() // unblock the reader goroutine
			return acc, ctx.Err()

		case <-timer.C:
			up.Body.Close()
			return acc, ErrIdleTimeout

		case err := <-errs:
			if errors.Is(err, io.EOF) {
				// some providers end the body without a terminal sentinel
				return acc, nil
			}
			return acc, fmt.Errorf("read stream: %w", err)

		case ev := <-events:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			chunks, err := parser.Parse(ev)
			if err != nil {
				return acc, err
			}
			for _, chunk := range chunks {
				acc.Ingest(chunk)
				if sink != nil {
					if err := sink(chunk); err != nil {
						return acc, err
					}
				}
			}
			if parser.Done() {
				return acc, nil
			}
		}
	}
}

// ── Client emission ─────────────────────────────────────────

// SSEWriter emits canonical chunks to an HTTP client as server-sent
// events. Every write flushes; streaming through a buffering proxy is the
// deployment's problem, not ours.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares the response for streaming. Fails when the
// underlying writer cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// SendChunk writes one canonical chunk as a data event.
func (s *SSEWriter) SendChunk(chunk models.Chunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.write("", payload)
}

// SendNamed writes a named event with a JSON payload. Used for tool
// invocation announcements interleaved with content.
func (s *SSEWriter) SendNamed(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(name, raw)
}

// SendDone writes the terminal [DONE] sentinel.
func (s *SSEWriter) SendDone() error {
	return s.write("", []byte("[DONE]"))
}

func (s *SSEWriter) write(event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// RelayOptions controls what the client sees during a tool-using turn.
type RelayOptions struct {
	// RelayToolUseEvents forwards raw tool-call deltas to the client.
	// When false the deltas stay internal and the client receives named
	// announcement events instead.
	RelayToolUseEvents bool
}

// ClientSink builds a Sink that forwards chunks to an SSE client per the
// relay options. With relaying off, tool-call fragments stay internal; the
// client instead receives one consolidated tool_calls delta right before
// the finish chunk, so it still learns what the model asked for without
// seeing the fragment firehose. Chunks that become empty after filtering
// are dropped.
func ClientSink(w *SSEWriter, opts RelayOptions) Sink {
	if opts.RelayToolUseEvents {
		return func(chunk models.Chunk) error {
			return w.SendChunk(chunk)
		}
	}

	acc := NewAccumulator()
	return func(chunk models.Chunk) error {
		acc.Ingest(chunk)
		if finishedWithToolCalls(chunk) {
			if synth, ok := consolidatedToolDelta(chunk, acc); ok {
				if err := w.SendChunk(synth); err != nil {
					return err
				}
			}
		}
		chunk = stripToolDeltas(chunk)
		if len(chunk.Choices) == 0 && chunk.Usage == nil {
			return nil
		}
		return w.SendChunk(chunk)
	}
}

func finishedWithToolCalls(chunk models.Chunk) bool {
	for _, c := range chunk.Choices {
		if c.FinishReason != nil && *c.FinishReason == models.FinishToolCalls {
			return true
		}
	}
	return false
}

// consolidatedToolDelta rebuilds the suppressed fragments as one synthetic
// delta carrying every assembled call.
func consolidatedToolDelta(finish models.Chunk, acc *Accumulator) (models.Chunk, bool) {
	calls := acc.ToolCalls()
	if len(calls) == 0 {
		return models.Chunk{}, false
	}
	deltas := make([]models.ToolCallDelta, len(calls))
	for i, call := range calls {
		deltas[i] = models.ToolCallDelta{
			Index: i,
			ID:    call.ID,
			Type:  call.Type,
			Function: models.FunctionCallDelta{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		}
	}
	return models.Chunk{
		ID:      finish.ID,
		Object:  finish.Object,
		Created: finish.Created,
		Model:   finish.Model,
		Choices: []models.ChunkChoice{{
			Delta: models.Delta{Role: "assistant", ToolCalls: deltas},
		}},
	}, true
}

// stripToolDeltas removes tool-call fragments from a chunk, keeping
// content, role, finish reasons, and usage.
func stripToolDeltas(chunk models.Chunk) models.Chunk {
	choices := make([]models.ChunkChoice, 0, len(chunk.Choices))
	for _, c := range chunk.Choices {
		c.Delta.ToolCalls = nil
		if c.Delta.Content == "" && c.Delta.Role == "" && c.FinishReason == nil {
			continue
		}
		choices = append(choices, c)
	}
	chunk.Choices = choices
	return chunk
}

// FunctionCallAnnouncement is the payload of the named event emitted when
// the agent loop begins or finishes a tool invocation.
type FunctionCallAnnouncement struct {
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// AnnounceCall emits a function_call event, logging and swallowing write
// failures so a disconnected client does not abort the tool invocation.
func AnnounceCall(w *SSEWriter, ann FunctionCallAnnouncement) {
	if w == nil {
		return
	}
	if err := w.SendNamed("function_call", ann); err != nil {
		log.Debug().Err(err).Str("tool", ann.Name).Msg("client gone during tool announcement")
	}
}
