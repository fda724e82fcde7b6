package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/vectorstore"
)

// wordVecEmbedder maps a handful of keywords onto orthogonal axes so tests
// get deterministic nearest-neighbour results.
type wordVecEmbedder struct{}

func (wordVecEmbedder) Dimensions() int { return 3 }

func (wordVecEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case strings.Contains(t, "espresso"):
			out[i] = []float32{1, 0, 0}
		case strings.Contains(t, "volcano"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func TestPipelineSearchHydratesMatches(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	p := NewPipeline(st, vectorstore.NewEmbeddedIndex(), wordVecEmbedder{})

	n, err := p.Ingest(t.Context(), Document{URI: "doc://coffee", Content: "espresso brewing notes"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = p.Ingest(t.Context(), Document{URI: "doc://geology", Content: "volcano field guide"})
	require.NoError(t, err)

	// the best match comes back as a full resource row, not just an ID
	got, err := p.Search(t.Context(), "espresso", vectorstore.Scope{}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "doc://coffee", got[0].URI)
	assert.Equal(t, "espresso brewing notes", got[0].Content)
}

func TestPipelineReingestKeepsChunkIdentity(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	p := NewPipeline(st, vectorstore.NewEmbeddedIndex(), wordVecEmbedder{})

	_, err := p.Ingest(t.Context(), Document{URI: "doc://note", Content: "first draft"})
	require.NoError(t, err)
	_, err = p.Ingest(t.Context(), Document{URI: "doc://note", Content: "second draft"})
	require.NoError(t, err)

	rows, err := st.GetResourcesByURI(t.Context(), "doc://note")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "second draft", rows[0].Content)
}
