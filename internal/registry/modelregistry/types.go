package modelregistry

import "time"

// Entry is one row of the model registry: a specific (tenant, model,
// version) artifact's storage location and integrity metadata.
type Entry struct {
	ModelID    string
	Version    string
	TenantID   string
	Format     string
	StorageURI string
	Checksum   string
	SizeBytes  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Filter narrows List results. Zero-value fields are not applied.
type Filter struct {
	ModelID  string
	TenantID string
}

// EmbeddingResult pairs a (tenant, model) pair with its cosine distance to a
// query embedding in a SearchEmbeddings call. Smaller Distance means more similar.
type EmbeddingResult struct {
	ModelID  string
	TenantID string
	Distance float32
}
