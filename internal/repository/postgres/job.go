package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docpipe/docpipe/internal/repository"
)

// JobRepo implements repository.JobRepository
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new job repository
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Upsert inserts the job row or replaces its mutable fields
func (r *JobRepo) Upsert(ctx context.Context, job *repository.Job) error {
	query := `
		INSERT INTO jobs (job_id, tenant_id, document_id, job_type, status, error_message, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = EXCLUDED.error_message,
		    retry_count = EXCLUDED.retry_count,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.TenantID, job.DocumentID, job.Kind, job.Status,
		job.ErrorMessage, job.RetryCount, job.MaxRetries, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Job, error) {
	query := `
		SELECT job_id, tenant_id, document_id, job_type, status, COALESCE(error_message, ''), retry_count, max_retries, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`
	var job repository.Job
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.TenantID, &job.DocumentID, &job.Kind, &job.Status,
		&job.ErrorMessage, &job.RetryCount, &job.MaxRetries, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// SetStatus updates a job's status and error message
func (r *JobRepo) SetStatus(ctx context.Context, id uuid.UUID, status repository.JobStatus, errorMessage string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE jobs SET status = $2, error_message = NULLIF($3, ''), updated_at = NOW() WHERE job_id = $1`,
		id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetRetry records a retry attempt for a job
func (r *JobRepo) SetRetry(ctx context.Context, id uuid.UUID, count int) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE jobs SET retry_count = $2, status = $3, updated_at = NOW() WHERE job_id = $1`,
		id, count, repository.JobProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job retry count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByDocument retrieves jobs for a document, newest first
func (r *JobRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*repository.Job, error) {
	query := `
		SELECT job_id, tenant_id, document_id, job_type, status, COALESCE(error_message, ''), retry_count, max_retries, created_at, updated_at
		FROM jobs
		WHERE document_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*repository.Job
	for rows.Next() {
		var job repository.Job
		if err := rows.Scan(&job.ID, &job.TenantID, &job.DocumentID, &job.Kind, &job.Status,
			&job.ErrorMessage, &job.RetryCount, &job.MaxRetries, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, &job)
	}

	return jobs, nil
}

// Ensure JobRepo implements the interface
var _ repository.JobRepository = (*JobRepo)(nil)
