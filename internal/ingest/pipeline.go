package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/embeddings"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/vectorstore"
	"github.com/percolationlabs/percolate/pkg/models"
)

// Document is one logical document entering the pipeline.
type Document struct {
	URI         string
	Name        string
	Content     string
	Category    string
	UserID      *uuid.UUID
	GroupID     string
	AccessLevel int
	Metadata    map[string]any
}

// Pipeline chunks documents into resources and indexes their embeddings.
// Resource rows and embedding rows are written independently; a failed
// embedding pass leaves searchable-by-filter rows behind rather than
// rolling the document back.
type Pipeline struct {
	store    store.Store
	index    vectorstore.Index
	embedder embeddings.Embedder
	chunker  ChunkerConfig
}

// NewPipeline wires the pipeline. embedder may be nil; resources are then
// stored without vectors.
func NewPipeline(st store.Store, index vectorstore.Index, embedder embeddings.Embedder) *Pipeline {
	return &Pipeline{
		store:    st,
		index:    index,
		embedder: embedder,
		chunker:  DefaultChunkerConfig(),
	}
}

// Ingest chunks the document, upserts one resource row per chunk (all
// sharing the document URI, ordered by ordinal), and indexes embeddings.
// Returns the number of chunks written.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) (int, error) {
	if doc.URI == "" {
		return 0, fmt.Errorf("document uri required")
	}
	if doc.AccessLevel == 0 {
		doc.AccessLevel = models.RoleLevelPublic
	}

	chunks := ChunkText(doc.Content, p.chunker)
	now := time.Now().UTC()

	resources := make([]models.Resource, 0, len(chunks))
	for i, chunk := range chunks {
		resources = append(resources, models.Resource{
			ID:          chunkID(doc.URI, i),
			URI:         doc.URI,
			Name:        doc.Name,
			Content:     chunk,
			Category:    doc.Category,
			Ordinal:     i,
			UserID:      doc.UserID,
			GroupID:     doc.GroupID,
			AccessLevel: doc.AccessLevel,
			Metadata:    doc.Metadata,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := p.store.UpsertResources(ctx, resources); err != nil {
		return 0, fmt.Errorf("upsert resources: %w", err)
	}

	if err := p.embed(ctx, resources); err != nil {
		log.Warn().Err(err).Str("uri", doc.URI).Msg("embedding pass failed")
	}

	log.Info().Str("uri", doc.URI).Int("chunks", len(resources)).Msg("document ingested")
	return len(resources), nil
}

// embed indexes vectors for the chunk batch.
func (p *Pipeline) embed(ctx context.Context, resources []models.Resource) error {
	if p.embedder == nil || p.index == nil {
		return nil
	}
	texts := make([]string, len(resources))
	for i, r := range resources {
		texts[i] = r.Content
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	for i, vec := range vectors {
		if vec == nil {
			continue
		}
		if err := p.index.IndexResource(ctx, resources[i].ID, vec); err != nil {
			return fmt.Errorf("index chunk %d: %w", i, err)
		}
	}
	return nil
}

// Search embeds the query and returns in-scope resources ranked by
// similarity, hydrated through the relational store.
func (p *Pipeline) Search(ctx context.Context, query string, scope vectorstore.Scope, topK int) ([]models.Resource, error) {
	if p.embedder == nil || p.index == nil {
		return nil, fmt.Errorf("semantic search unavailable without an embedder")
	}
	vectors, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	matches, err := p.index.SearchResources(ctx, vectors[0], scope, topK)
	if err != nil {
		return nil, err
	}

	out := make([]models.Resource, 0, len(matches))
	for _, m := range matches {
		rows, err := p.store.SelectResources(ctx, store.ResourceFilter{"id": m.ResourceID.String()}, "", 1)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// chunkID derives a stable per-chunk ID so re-ingesting a document updates
// rows in place.
func chunkID(uri string, ordinal int) uuid.UUID {
	return uuid.NewSHA1(models.IdentityNamespace, []byte(fmt.Sprintf("resource:%s:%d", uri, ordinal)))
}
