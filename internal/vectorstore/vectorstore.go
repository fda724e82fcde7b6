// Package vectorstore maintains the companion embedding tables under the
// p8_embeddings schema and serves similarity search over them. Embedding
// rows reference entity rows by source_record_id; they are written
// independently of the entity rows (embedding updates need not be atomic
// with the source).
package vectorstore

import (
	"context"

	"github.com/google/uuid"
)

// Scope restricts resource matches to rows the caller may see. Mirrors the
// row policy applied by the relational store.
type Scope struct {
	UserID    string
	Groups    []string
	RoleLevel int
}

// ResourceMatch is one similarity hit against the resource embeddings.
type ResourceMatch struct {
	ResourceID uuid.UUID
	Score      float64
}

// FunctionMatch is one similarity hit against the function embeddings.
type FunctionMatch struct {
	Name  string
	Score float64
}

// Index is the vector search driver. pgvector in production; an in-memory
// brute-force index for tests and embedded runs.
type Index interface {
	// IndexResource writes the embedding row for one resource chunk.
	IndexResource(ctx context.Context, resourceID uuid.UUID, vector []float32) error

	// IndexFunction writes the embedding row for one registered function.
	IndexFunction(ctx context.Context, name string, vector []float32) error

	// SearchResources returns the topK nearest resources within scope.
	SearchResources(ctx context.Context, vector []float32, scope Scope, topK int) ([]ResourceMatch, error)

	// SearchFunctions returns the topK nearest functions.
	SearchFunctions(ctx context.Context, vector []float32, topK int) ([]FunctionMatch, error)

	// Close releases driver resources.
	Close() error
}
