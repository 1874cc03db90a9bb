// Package modelregistry implements the model-registry/version store
// described by the persisted state layout: per-tenant rows naming a model
// artifact's storage location, checksum, and size, plus an optional
// embedding column so models carrying embedding metadata can be queried by
// similarity.
//
// A single pgxpool.Pool backs every operation; the pgvector extension must
// be available in the target database. Migrate installs it automatically.
package modelregistry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlModels = `
CREATE TABLE IF NOT EXISTS model_registry (
    model_id    TEXT         NOT NULL,
    version     TEXT         NOT NULL,
    tenant_id   TEXT         NOT NULL,
    format      TEXT         NOT NULL,
    storage_uri TEXT         NOT NULL,
    checksum    TEXT         NOT NULL,
    size_bytes  BIGINT       NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, model_id, version)
);

CREATE INDEX IF NOT EXISTS idx_model_registry_model_id
    ON model_registry (model_id);

CREATE INDEX IF NOT EXISTS idx_model_registry_tenant
    ON model_registry (tenant_id);
`

// Migrate creates or ensures the required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g. 1536 for OpenAI text-embedding-3-small). Pass 0 to skip
// creating the embedding table entirely, for deployments with no
// embedding-metadata models.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{ddlModels}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlEmbeddings(embeddingDimensions))
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("modelregistry: migrate: %w", err)
		}
	}
	return nil
}

// ddlEmbeddings returns the embedding-metadata table DDL with the vector
// dimension substituted; the dimension is baked into the column type at
// schema creation time and cannot change without a manual migration.
//
// One row per (tenant, model), not scoped to a specific version: a
// composite foreign key to model_registry would force every version to
// share one embedding or require re-keying on upgrade, and an embedding
// describes the model's semantic purpose rather than a particular artifact
// build.
func ddlEmbeddings(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS model_embeddings (
    model_id   TEXT        NOT NULL,
    tenant_id  TEXT        NOT NULL,
    embedding  vector(%d)  NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, model_id)
);

CREATE INDEX IF NOT EXISTS idx_model_embeddings_vec
    ON model_embeddings USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}
