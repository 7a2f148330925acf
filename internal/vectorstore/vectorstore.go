// Package vectorstore manages chunk embeddings in a shared collection
// partitioned by tenant payload filtering.
package vectorstore

import (
	"context"

	"github.com/google/uuid"
)

// Payload is the metadata stored alongside each vector
type Payload struct {
	TenantID   uuid.UUID
	DocumentID uuid.UUID
	ChunkID    uuid.UUID
	ChunkIndex int
	Filename   string
	Text       string
	Metadata   map[string]string
}

// Point is a vector plus its payload, keyed by the chunk id
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Payload Payload
}

// SearchHit is one search result
type SearchHit struct {
	Score   float32
	Payload Payload
}

// VectorStore defines the vector operations used by the pipeline. Every
// read and delete is scoped to a tenant so ids alone can never reach
// another tenant's vectors.
type VectorStore interface {
	EnsureCollection(ctx context.Context, dim int) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, tenantID uuid.UUID, vector []float32, limit int, threshold float32) ([]SearchHit, error)
	Delete(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error
	DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error
	DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error
}
