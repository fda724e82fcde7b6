package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextShortInputIsSingleChunk(t *testing.T) {
	chunks := ChunkText("a short note", DefaultChunkerConfig())
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short note", chunks[0])
}

func TestChunkTextPassthrough(t *testing.T) {
	long := strings.Repeat("x", 5000)
	chunks := ChunkText(long, ChunkerConfig{ChunkSize: 100, Passthrough: true})
	require.Len(t, chunks, 1)
	assert.Equal(t, long, chunks[0])
}

func TestChunkTextSplitsOnParagraphs(t *testing.T) {
	paragraphs := make([]string, 10)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat("word ", 30)
	}
	text := strings.Join(paragraphs, "\n\n")

	config := ChunkerConfig{ChunkSize: 400, ChunkOverlap: 50, Separator: "\n\n"}
	chunks := ChunkText(text, config)

	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		// overlap can push a chunk slightly past the target
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), config.ChunkSize+config.ChunkOverlap+len("\n\n"),
			"chunk %d too large", i)
	}
}

func TestChunkTextOverlapCarriesTail(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta. ", 100)
	chunks := ChunkText(text, ChunkerConfig{ChunkSize: 200, ChunkOverlap: 40})
	require.Greater(t, len(chunks), 1)

	// each chunk after the first starts with the tail of its predecessor
	tail := overlapTail(chunks[0], 40)
	assert.True(t, strings.HasPrefix(chunks[1], tail))
}

func TestChunkTextNoSeparatorsFallsBackToRunes(t *testing.T) {
	text := strings.Repeat("x", 950)
	chunks := ChunkText(text, ChunkerConfig{ChunkSize: 300})
	require.GreaterOrEqual(t, len(chunks), 3)
	total := 0
	for _, c := range chunks {
		total += utf8.RuneCountInString(c)
	}
	assert.GreaterOrEqual(t, total, 950, "no content lost")
}

func TestChunkIDStableAcrossReingest(t *testing.T) {
	a := chunkID("s3://bucket/doc.txt", 0)
	b := chunkID("s3://bucket/doc.txt", 0)
	c := chunkID("s3://bucket/doc.txt", 1)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
