package modelregistry

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is the PostgreSQL-backed model registry. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs Migrate.
//
// embeddingDimensions must match the output dimension of the embedding
// model used for model-level embedding metadata (e.g. 1536 for OpenAI
// text-embedding-3-small); pass 0 if this deployment has no
// embedding-metadata models.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("modelregistry: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("modelregistry: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("modelregistry: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("modelregistry: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Upsert inserts or replaces the registry row for (e.TenantID, e.ModelID,
// e.Version).
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO model_registry
		    (model_id, version, tenant_id, format, storage_uri, checksum, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, model_id, version) DO UPDATE SET
		    format      = EXCLUDED.format,
		    storage_uri = EXCLUDED.storage_uri,
		    checksum    = EXCLUDED.checksum,
		    size_bytes  = EXCLUDED.size_bytes,
		    updated_at  = now()`

	_, err := s.pool.Exec(ctx, q,
		e.ModelID, e.Version, e.TenantID, e.Format, e.StorageURI, e.Checksum, e.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("modelregistry: upsert: %w", err)
	}
	return nil
}

// Get returns the registry row for (tenantID, modelID, version), or false
// if no such row exists.
func (s *Store) Get(ctx context.Context, tenantID, modelID, version string) (Entry, bool, error) {
	const q = `
		SELECT model_id, version, tenant_id, format, storage_uri, checksum, size_bytes, created_at, updated_at
		FROM   model_registry
		WHERE  tenant_id = $1 AND model_id = $2 AND version = $3`

	row := s.pool.QueryRow(ctx, q, tenantID, modelID, version)
	var e Entry
	if err := row.Scan(
		&e.ModelID, &e.Version, &e.TenantID, &e.Format, &e.StorageURI, &e.Checksum, &e.SizeBytes,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("modelregistry: get: %w", err)
	}
	return e, true, nil
}

// List returns every registry row matching filter, ordered by model_id then
// version for deterministic output.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.ModelID != "" {
		conditions = append(conditions, "model_id = "+next(filter.ModelID))
	}
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = "+next(filter.TenantID))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	q := fmt.Sprintf(`
		SELECT model_id, version, tenant_id, format, storage_uri, checksum, size_bytes, created_at, updated_at
		FROM   model_registry
		%s
		ORDER  BY model_id, version`, whereClause)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("modelregistry: list: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(
			&e.ModelID, &e.Version, &e.TenantID, &e.Format, &e.StorageURI, &e.Checksum, &e.SizeBytes,
			&e.CreatedAt, &e.UpdatedAt,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("modelregistry: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Delete removes the registry row for (tenantID, modelID, version). It is
// not an error if no such row exists.
func (s *Store) Delete(ctx context.Context, tenantID, modelID, version string) error {
	const q = `DELETE FROM model_registry WHERE tenant_id = $1 AND model_id = $2 AND version = $3`
	if _, err := s.pool.Exec(ctx, q, tenantID, modelID, version); err != nil {
		return fmt.Errorf("modelregistry: delete: %w", err)
	}
	return nil
}

// UpsertEmbedding stores or replaces the embedding-metadata vector for
// (tenantID, modelID), for SearchEmbeddings to find models whose purpose is
// semantically close to a query embedding.
func (s *Store) UpsertEmbedding(ctx context.Context, tenantID, modelID string, embedding []float32) error {
	const q = `
		INSERT INTO model_embeddings (model_id, tenant_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, model_id) DO UPDATE SET
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`

	vec := pgvector.NewVector(embedding)
	if _, err := s.pool.Exec(ctx, q, modelID, tenantID, vec); err != nil {
		return fmt.Errorf("modelregistry: upsert embedding: %w", err)
	}
	return nil
}

// SearchEmbeddings finds the topK (tenant, model) pairs within tenantID
// whose embedding is closest (cosine distance) to the supplied query
// embedding. Results are ordered by ascending distance (most similar
// first).
func (s *Store) SearchEmbeddings(ctx context.Context, tenantID string, embedding []float32, topK int) ([]EmbeddingResult, error) {
	const q = `
		SELECT model_id, tenant_id, embedding <=> $1 AS distance
		FROM   model_embeddings
		WHERE  tenant_id = $2
		ORDER  BY distance
		LIMIT  $3`

	queryVec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx, q, queryVec, tenantID, topK)
	if err != nil {
		return nil, fmt.Errorf("modelregistry: search embeddings: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EmbeddingResult, error) {
		var r EmbeddingResult
		err := row.Scan(&r.ModelID, &r.TenantID, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("modelregistry: scan embedding rows: %w", err)
	}
	if results == nil {
		results = []EmbeddingResult{}
	}
	return results, nil
}
