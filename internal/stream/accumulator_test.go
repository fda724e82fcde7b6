package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/pkg/models"
)

func deltaChunk(delta models.Delta) models.Chunk {
	return models.Chunk{Choices: []models.ChunkChoice{{Delta: delta}}}
}

func finishChunk(reason string) models.Chunk {
	return models.Chunk{Choices: []models.ChunkChoice{{FinishReason: &reason}}}
}

func TestAccumulatorInterleavedToolCalls(t *testing.T) {
	acc := NewAccumulator()

	// two calls assembling in parallel, fragments interleaved
	acc.Ingest(deltaChunk(models.Delta{ToolCalls: []models.ToolCallDelta{
		{Index: 0, ID: "call_a", Function: models.FunctionCallDelta{Name: "web_search"}},
	}}))
	acc.Ingest(deltaChunk(models.Delta{ToolCalls: []models.ToolCallDelta{
		{Index: 1, ID: "call_b", Function: models.FunctionCallDelta{Name: "web_fetch"}},
	}}))
	acc.Ingest(deltaChunk(models.Delta{ToolCalls: []models.ToolCallDelta{
		{Index: 0, Function: models.FunctionCallDelta{Arguments: `{"query":`}},
		{Index: 1, Function: models.FunctionCallDelta{Arguments: `{"url":"https://go.dev"}`}},
	}}))
	acc.Ingest(deltaChunk(models.Delta{ToolCalls: []models.ToolCallDelta{
		{Index: 0, Function: models.FunctionCallDelta{Arguments: `"golang"}`}},
	}}))

	// nothing is ready until the finish reason lands
	assert.Empty(t, acc.ToolCalls())
	assert.False(t, acc.HasToolCalls())

	acc.Ingest(finishChunk(models.FinishToolCalls))

	calls := acc.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, `{"query":"golang"}`, calls[0].Function.Arguments)
	assert.Equal(t, "call_b", calls[1].ID)
	assert.Equal(t, "web_fetch", calls[1].Function.Name)
	assert.True(t, acc.HasToolCalls())
}

func TestAccumulatorContentAndUsage(t *testing.T) {
	acc := NewAccumulator()
	acc.Ingest(deltaChunk(models.Delta{Role: "assistant"}))
	acc.Ingest(deltaChunk(models.Delta{Content: "Hello"}))
	acc.Ingest(deltaChunk(models.Delta{Content: ", world"}))

	usage := models.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}
	acc.Ingest(models.Chunk{Usage: &usage, Choices: []models.ChunkChoice{}})
	acc.Ingest(finishChunk(models.FinishStop))

	assert.Equal(t, "Hello, world", acc.Content())
	assert.Equal(t, models.FinishStop, acc.FinishReason())
	assert.Equal(t, 12, acc.Usage().TotalTokens)
	assert.False(t, acc.HasToolCalls())

	msg := acc.Message()
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "Hello, world", msg.Content)
	assert.Empty(t, msg.ToolCalls)
}

func TestAccumulatorStopFinishExcludesNoCalls(t *testing.T) {
	// a plain stop with started calls still marks them ready, but
	// HasToolCalls requires the tool_calls finish reason
	acc := NewAccumulator()
	acc.Ingest(deltaChunk(models.Delta{ToolCalls: []models.ToolCallDelta{
		{Index: 0, ID: "call_a", Function: models.FunctionCallDelta{Name: "web_search", Arguments: "{}"}},
	}}))
	acc.Ingest(finishChunk(models.FinishStop))

	assert.Len(t, acc.ToolCalls(), 1)
	assert.False(t, acc.HasToolCalls())
}
