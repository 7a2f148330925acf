// Package repository defines domain models and data access interfaces for
// tenants, documents, chunks, and pipeline jobs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update violates the
// document lifecycle (pending -> processing -> completed|failed).
var ErrInvalidTransition = errors.New("invalid status transition")

// DocumentStatus is the aggregate processing status of a document
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// JobKind identifies a pipeline stage
type JobKind string

const (
	JobExtract JobKind = "extract"
	JobChunk   JobKind = "chunk"
	JobEmbed   JobKind = "embed"
)

// Kinds lists the pipeline stages in execution order
func Kinds() []JobKind {
	return []JobKind{JobExtract, JobChunk, JobEmbed}
}

// JobStatus is the processing status of a single job row
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ValidDocumentTransition reports whether a document status change is
// permitted. Writing the current status again is a no-op and always valid.
func ValidDocumentTransition(from, to DocumentStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case DocumentPending:
		return to == DocumentProcessing
	case DocumentProcessing:
		return to == DocumentCompleted || to == DocumentFailed
	default:
		return false
	}
}

// Tenant represents a tenant in the system
type Tenant struct {
	ID         uuid.UUID
	Name       string
	RateLimit  int
	APIKeyHash string
	CreatedAt  time.Time
}

// Document represents an uploaded document
type Document struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Filename  string
	FilePath  string
	FileSize  int64
	Status    DocumentStatus
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chunk represents a contiguous segment of a document's extracted text.
// TenantID is denormalized from the document for isolation checks.
type Chunk struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	TenantID      uuid.UUID
	ChunkIndex    int
	Text          string
	EmbeddingPath string // empty until the embed stage persists the artifact
	CreatedAt     time.Time
}

// Job represents one processing attempt sequence for a (document, stage)
type Job struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	DocumentID   *uuid.UUID
	Kind         JobKind
	Status       JobStatus
	ErrorMessage string
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// DocumentRepository defines operations for document and chunk persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	List(ctx context.Context, tenantID uuid.UUID, status DocumentStatus, limit, offset int) ([]*Document, int, error)

	// SetStatus applies a lifecycle transition. Writing the current status
	// is a no-op; a disallowed transition returns ErrInvalidTransition.
	SetStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error

	// SetMetadata replaces the document's metadata map.
	SetMetadata(ctx context.Context, id uuid.UUID, metadata map[string]string) error

	// DeleteCascade removes the document, its chunks, and its jobs in one
	// transaction, returning the ids of the deleted chunks.
	DeleteCascade(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

	// Chunk operations
	//
	// CreateChunk inserts a chunk row; it reports inserted=false when a row
	// with the same (document_id, chunk_index) already exists.
	CreateChunk(ctx context.Context, chunk *Chunk) (inserted bool, err error)
	GetChunk(ctx context.Context, id uuid.UUID) (*Chunk, error)
	GetChunks(ctx context.Context, documentID uuid.UUID) ([]*Chunk, error)
	SetChunkEmbeddingPath(ctx context.Context, chunkID uuid.UUID, path string) error
	CountChunks(ctx context.Context, documentID uuid.UUID) (total, embedded int, err error)

	// CompleteIfEmbedded transitions the document to completed iff every
	// chunk has an embedding path and at least one chunk exists. The count
	// and the transition execute in a single transaction so concurrent
	// final embeds serialize. Reports whether the document is completed
	// after the call.
	CompleteIfEmbedded(ctx context.Context, documentID uuid.UUID) (bool, error)
}

// JobRepository defines operations for pipeline job persistence
type JobRepository interface {
	// Upsert inserts the job row, or replaces its mutable fields when a row
	// with the same id exists.
	Upsert(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	SetStatus(ctx context.Context, id uuid.UUID, status JobStatus, errorMessage string) error

	// SetRetry records a retry attempt: retry_count is set to count and the
	// status returns to processing.
	SetRetry(ctx context.Context, id uuid.UUID, count int) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Job, error)
}
