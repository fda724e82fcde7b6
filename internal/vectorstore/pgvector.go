package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
)

// PgvectorIndex implements Index on PostgreSQL with the pgvector extension.
// Embedding rows live in companion tables named <schema>_<entity>_embeddings
// under the p8_embeddings schema.
type PgvectorIndex struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorIndex creates the extension and companion tables if absent.
func NewPgvectorIndex(ctx context.Context, connURL string, dimensions int) (*PgvectorIndex, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}
	idx := &PgvectorIndex{pool: pool, dimensions: dimensions}
	if err := idx.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}
	log.Info().Int("dims", dimensions).Msg("pgvector index initialized")
	return idx, nil
}

func (idx *PgvectorIndex) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE SCHEMA IF NOT EXISTS p8_embeddings;

		CREATE TABLE IF NOT EXISTS p8_embeddings.p8_resource_embeddings (
			id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			source_record_id UUID NOT NULL,
			column_name      TEXT NOT NULL DEFAULT 'content',
			embedding_name   TEXT NOT NULL DEFAULT 'default',
			embedding_vector vector(%d) NOT NULL,
			UNIQUE (source_record_id, column_name, embedding_name)
		);

		CREATE TABLE IF NOT EXISTS p8_embeddings.p8_function_embeddings (
			id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			source_record_id TEXT NOT NULL,
			column_name      TEXT NOT NULL DEFAULT 'description',
			embedding_name   TEXT NOT NULL DEFAULT 'default',
			embedding_vector vector(%d) NOT NULL,
			UNIQUE (source_record_id, column_name, embedding_name)
		);
	`, idx.dimensions, idx.dimensions)
	_, err := idx.pool.Exec(ctx, ddl)
	return err
}

func (idx *PgvectorIndex) IndexResource(ctx context.Context, resourceID uuid.UUID, vector []float32) error {
	_, err := idx.pool.Exec(ctx, `
		INSERT INTO p8_embeddings.p8_resource_embeddings (source_record_id, embedding_vector)
		VALUES ($1, $2)
		ON CONFLICT (source_record_id, column_name, embedding_name)
		DO UPDATE SET embedding_vector = EXCLUDED.embedding_vector`,
		resourceID, pgvector.NewVector(vector))
	return err
}

func (idx *PgvectorIndex) IndexFunction(ctx context.Context, name string, vector []float32) error {
	_, err := idx.pool.Exec(ctx, `
		INSERT INTO p8_embeddings.p8_function_embeddings (source_record_id, embedding_vector)
		VALUES ($1, $2)
		ON CONFLICT (source_record_id, column_name, embedding_name)
		DO UPDATE SET embedding_vector = EXCLUDED.embedding_vector`,
		name, pgvector.NewVector(vector))
	return err
}

// SearchResources runs cosine ANN over the companion table joined against
// the entity rows so the caller's scope applies in the same query.
func (idx *PgvectorIndex) SearchResources(ctx context.Context, vector []float32, scope Scope, topK int) ([]ResourceMatch, error) {
	if topK <= 0 {
		topK = 10
	}
	rows, err := idx.pool.Query(ctx, `
		SELECT e.source_record_id, 1 - (e.embedding_vector <=> $1) AS score
		FROM p8_embeddings.p8_resource_embeddings e
		JOIN p8."Resource" r ON r.id = e.source_record_id
		WHERE (
			r.userid IS NULL
			OR r.userid::text = $2
			OR (r.groupid <> '' AND r.groupid = ANY($3))
			OR $4 <= r.access_level
		)
		ORDER BY e.embedding_vector <=> $1
		LIMIT $5`,
		pgvector.NewVector(vector), scope.UserID, scope.Groups, scope.RoleLevel, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector resource search: %w", err)
	}
	defer rows.Close()

	var out []ResourceMatch
	for rows.Next() {
		var m ResourceMatch
		if err := rows.Scan(&m.ResourceID, &m.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (idx *PgvectorIndex) SearchFunctions(ctx context.Context, vector []float32, topK int) ([]FunctionMatch, error) {
	if topK <= 0 {
		topK = 10
	}
	rows, err := idx.pool.Query(ctx, `
		SELECT source_record_id, 1 - (embedding_vector <=> $1) AS score
		FROM p8_embeddings.p8_function_embeddings
		ORDER BY embedding_vector <=> $1
		LIMIT $2`,
		pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector function search: %w", err)
	}
	defer rows.Close()

	var out []FunctionMatch
	for rows.Next() {
		var m FunctionMatch
		if err := rows.Scan(&m.Name, &m.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (idx *PgvectorIndex) Close() error {
	idx.pool.Close()
	return nil
}

var _ Index = (*PgvectorIndex)(nil)
