package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// EmbeddedIndex is an in-memory brute-force cosine index. It backs tests and
// embedded runs. It does not enforce scope itself; callers hydrate matches
// through the relational store, which applies the row policy.
type EmbeddedIndex struct {
	mu        sync.RWMutex
	resources map[uuid.UUID][]float32
	functions map[string][]float32
}

// NewEmbeddedIndex creates an empty in-memory index.
func NewEmbeddedIndex() *EmbeddedIndex {
	return &EmbeddedIndex{
		resources: make(map[uuid.UUID][]float32),
		functions: make(map[string][]float32),
	}
}

func (idx *EmbeddedIndex) IndexResource(ctx context.Context, resourceID uuid.UUID, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.resources[resourceID] = append([]float32(nil), vector...)
	return nil
}

func (idx *EmbeddedIndex) IndexFunction(ctx context.Context, name string, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.functions[name] = append([]float32(nil), vector...)
	return nil
}

func (idx *EmbeddedIndex) SearchResources(ctx context.Context, vector []float32, scope Scope, topK int) ([]ResourceMatch, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if topK <= 0 {
		topK = 10
	}
	out := make([]ResourceMatch, 0, len(idx.resources))
	for id, v := range idx.resources {
		out = append(out, ResourceMatch{ResourceID: id, Score: cosineSimilarity(vector, v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (idx *EmbeddedIndex) SearchFunctions(ctx context.Context, vector []float32, topK int) ([]FunctionMatch, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if topK <= 0 {
		topK = 10
	}
	out := make([]FunctionMatch, 0, len(idx.functions))
	for name, v := range idx.functions {
		out = append(out, FunctionMatch{Name: name, Score: cosineSimilarity(vector, v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (idx *EmbeddedIndex) Close() error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Index = (*EmbeddedIndex)(nil)
