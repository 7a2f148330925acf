package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docpipe/docpipe/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Create creates a new document
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO documents (document_id, tenant_id, filename, file_path, file_size, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		doc.ID, doc.TenantID, doc.Filename, doc.FilePath, doc.FileSize,
		doc.Status, metadataJSON, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID
func (r *DocumentRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	query := `
		SELECT document_id, tenant_id, filename, file_path, file_size, status, metadata, created_at, updated_at
		FROM documents
		WHERE document_id = $1
	`
	var doc repository.Document
	var metadataJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&doc.ID, &doc.TenantID, &doc.Filename, &doc.FilePath, &doc.FileSize,
		&doc.Status, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Metadata = make(map[string]string)
	if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &doc, nil
}

// List retrieves documents for a tenant with pagination
func (r *DocumentRepo) List(ctx context.Context, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	countQuery := `SELECT COUNT(*) FROM documents WHERE tenant_id = $1`
	listQuery := `
		SELECT document_id, tenant_id, filename, file_path, file_size, status, metadata, created_at, updated_at
		FROM documents
		WHERE tenant_id = $1
	`
	args := []any{tenantID}

	if status != "" {
		countQuery += ` AND status = $2`
		listQuery += ` AND status = $2`
		args = append(args, status)
	}

	listQuery += ` ORDER BY created_at DESC LIMIT $` + fmt.Sprintf("%d", len(args)+1) + ` OFFSET $` + fmt.Sprintf("%d", len(args)+2)

	var total int
	err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.db.Pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		var doc repository.Document
		var metadataJSON []byte
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Filename, &doc.FilePath, &doc.FileSize,
			&doc.Status, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Metadata = make(map[string]string)
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		docs = append(docs, &doc)
	}

	return docs, total, nil
}

// SetStatus applies a document lifecycle transition. The current status is
// read under a row lock so concurrent writers serialize.
func (r *DocumentRepo) SetStatus(ctx context.Context, id uuid.UUID, status repository.DocumentStatus) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockDocumentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if current == status {
		return tx.Commit(ctx)
	}
	if !repository.ValidDocumentTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, current, status)
	}

	_, err = tx.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = NOW() WHERE document_id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return tx.Commit(ctx)
}

// SetMetadata replaces the document's metadata map
func (r *DocumentRepo) SetMetadata(ctx context.Context, id uuid.UUID, metadata map[string]string) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	result, err := r.db.Pool.Exec(ctx,
		`UPDATE documents SET metadata = $2, updated_at = NOW() WHERE document_id = $1`,
		id, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to update document metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteCascade removes the document, its chunks, and its jobs in one
// transaction and returns the deleted chunk ids.
func (r *DocumentRepo) DeleteCascade(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`DELETE FROM chunks WHERE document_id = $1 RETURNING chunk_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	var chunkIDs []uuid.UUID
	for rows.Next() {
		var chunkID uuid.UUID
		if err := rows.Scan(&chunkID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		chunkIDs = append(chunkIDs, chunkID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE document_id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to delete jobs: %w", err)
	}

	result, err := tx.Exec(ctx, `DELETE FROM documents WHERE document_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, repository.ErrNotFound
	}

	return chunkIDs, tx.Commit(ctx)
}

// CreateChunk inserts a chunk row. The UNIQUE constraint on
// (document_id, chunk_index) makes duplicate executions of the chunk stage
// observable: inserted=false means a row for that index already exists.
func (r *DocumentRepo) CreateChunk(ctx context.Context, chunk *repository.Chunk) (bool, error) {
	query := `
		INSERT INTO chunks (chunk_id, document_id, tenant_id, chunk_index, text, embedding_path, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (document_id, chunk_index) DO NOTHING
	`
	result, err := r.db.Pool.Exec(ctx, query,
		chunk.ID, chunk.DocumentID, chunk.TenantID, chunk.ChunkIndex,
		chunk.Text, chunk.EmbeddingPath, chunk.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create chunk: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// GetChunk retrieves a chunk by ID
func (r *DocumentRepo) GetChunk(ctx context.Context, id uuid.UUID) (*repository.Chunk, error) {
	query := `
		SELECT chunk_id, document_id, tenant_id, chunk_index, text, COALESCE(embedding_path, ''), created_at
		FROM chunks
		WHERE chunk_id = $1
	`
	var chunk repository.Chunk
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&chunk.ID, &chunk.DocumentID, &chunk.TenantID, &chunk.ChunkIndex,
		&chunk.Text, &chunk.EmbeddingPath, &chunk.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &chunk, nil
}

// GetChunks retrieves all chunks for a document ordered by chunk index
func (r *DocumentRepo) GetChunks(ctx context.Context, documentID uuid.UUID) ([]*repository.Chunk, error) {
	query := `
		SELECT chunk_id, document_id, tenant_id, chunk_index, text, COALESCE(embedding_path, ''), created_at
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		var chunk repository.Chunk
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.TenantID, &chunk.ChunkIndex,
			&chunk.Text, &chunk.EmbeddingPath, &chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}

	return chunks, nil
}

// SetChunkEmbeddingPath records the embedding artifact path for a chunk
func (r *DocumentRepo) SetChunkEmbeddingPath(ctx context.Context, chunkID uuid.UUID, path string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE chunks SET embedding_path = $2 WHERE chunk_id = $1`,
		chunkID, path)
	if err != nil {
		return fmt.Errorf("failed to update chunk embedding path: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountChunks counts a document's chunks and how many carry an embedding path
func (r *DocumentRepo) CountChunks(ctx context.Context, documentID uuid.UUID) (int, int, error) {
	var total, embedded int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(embedding_path) FROM chunks WHERE document_id = $1`,
		documentID).Scan(&total, &embedded)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return total, embedded, nil
}

// CompleteIfEmbedded transitions the document to completed iff all chunks are
// embedded. The document row is locked first so two concurrent final embeds
// cannot both observe total == embedded and race the transition.
func (r *DocumentRepo) CompleteIfEmbedded(ctx context.Context, documentID uuid.UUID) (bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockDocumentStatus(ctx, tx, documentID)
	if err != nil {
		return false, err
	}
	if current == repository.DocumentCompleted {
		return true, tx.Commit(ctx)
	}

	var total, embedded int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(embedding_path) FROM chunks WHERE document_id = $1`,
		documentID).Scan(&total, &embedded)
	if err != nil {
		return false, fmt.Errorf("failed to count chunks: %w", err)
	}
	if total == 0 || total != embedded {
		return false, tx.Commit(ctx)
	}

	if !repository.ValidDocumentTransition(current, repository.DocumentCompleted) {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = NOW() WHERE document_id = $1`,
		documentID, repository.DocumentCompleted)
	if err != nil {
		return false, fmt.Errorf("failed to complete document: %w", err)
	}
	return true, tx.Commit(ctx)
}

func lockDocumentStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID) (repository.DocumentStatus, error) {
	var status repository.DocumentStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM documents WHERE document_id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("failed to lock document: %w", err)
	}
	return status, nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
