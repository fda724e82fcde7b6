package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/pkg/models"
)

func toolDeltaChunk(index int, id, name, args string) models.Chunk {
	return deltaChunk(models.Delta{ToolCalls: []models.ToolCallDelta{{
		Index:    index,
		ID:       id,
		Type:     "function",
		Function: models.FunctionCallDelta{Name: name, Arguments: args},
	}}})
}

// feed runs chunks through a ClientSink wired to a recorder and returns the
// decoded data events.
func feed(t *testing.T, opts RelayOptions, chunks []models.Chunk) []models.Chunk {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	sink := ClientSink(w, opts)
	for _, c := range chunks {
		require.NoError(t, sink(c))
	}

	var out []models.Chunk
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk models.Chunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		out = append(out, chunk)
	}
	return out
}

func TestClientSinkSuppressedCallsCollapseToOneDelta(t *testing.T) {
	chunks := []models.Chunk{
		deltaChunk(models.Delta{Role: "assistant"}),
		toolDeltaChunk(0, "call_1", "get_weather", ""),
		toolDeltaChunk(0, "", "", `{"city":`),
		toolDeltaChunk(0, "", "", `"Paris"}`),
		finishChunk(models.FinishToolCalls),
	}

	got := feed(t, RelayOptions{RelayToolUseEvents: false}, chunks)
	require.Len(t, got, 3, "role, consolidated delta, finish")

	// the fragments arrive reassembled as a single tool_calls delta
	synth := got[1]
	require.Len(t, synth.Choices, 1)
	calls := synth.Choices[0].Delta.ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, calls[0].Function.Arguments)

	// the finish chunk follows, stripped of fragments
	finish := got[2]
	require.Len(t, finish.Choices, 1)
	assert.Empty(t, finish.Choices[0].Delta.ToolCalls)
	require.NotNil(t, finish.Choices[0].FinishReason)
	assert.Equal(t, models.FinishToolCalls, *finish.Choices[0].FinishReason)
}

func TestClientSinkRelayForwardsFragments(t *testing.T) {
	chunks := []models.Chunk{
		toolDeltaChunk(0, "call_1", "get_weather", ""),
		toolDeltaChunk(0, "", "", `{"city":"Paris"}`),
		finishChunk(models.FinishToolCalls),
	}

	got := feed(t, RelayOptions{RelayToolUseEvents: true}, chunks)
	require.Len(t, got, 3, "every fragment passes through untouched")
	assert.Equal(t, "get_weather", got[0].Choices[0].Delta.ToolCalls[0].Function.Name)
}

func TestClientSinkPlainStopEmitsNoSyntheticDelta(t *testing.T) {
	chunks := []models.Chunk{
		deltaChunk(models.Delta{Content: "hello"}),
		finishChunk(models.FinishStop),
	}

	got := feed(t, RelayOptions{RelayToolUseEvents: false}, chunks)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Choices[0].Delta.Content)
	assert.Empty(t, got[1].Choices[0].Delta.ToolCalls)
}
