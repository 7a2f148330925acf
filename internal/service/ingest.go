package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/blobstore"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
	"github.com/docpipe/docpipe/internal/vectorstore"
)

// IngestConfig bounds uploads.
type IngestConfig struct {
	MaxFileSize       int64
	AllowedExtensions []string
	BulkUploadCap     int
}

// IngestService accepts uploads and tracks their progress through the
// pipeline.
type IngestService struct {
	docs    repository.DocumentRepository
	jobs    repository.JobRepository
	blobs   blobstore.BlobStore
	vectors vectorstore.VectorStore
	queue   queue.Queue
	clock   clock.Clock
	cfg     IngestConfig
	logger  *slog.Logger
}

// NewIngestService creates an ingest service.
func NewIngestService(docs repository.DocumentRepository, jobs repository.JobRepository,
	blobs blobstore.BlobStore, vectors vectorstore.VectorStore, q queue.Queue,
	clk clock.Clock, cfg IngestConfig, logger *slog.Logger) *IngestService {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 100 << 20
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf", ".txt"}
	}
	if cfg.BulkUploadCap <= 0 {
		cfg.BulkUploadCap = 100
	}
	return &IngestService{
		docs:    docs,
		jobs:    jobs,
		blobs:   blobs,
		vectors: vectors,
		queue:   q,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
}

// UploadRequest is one file to ingest.
type UploadRequest struct {
	Filename string
	Data     []byte
	Metadata map[string]string
	Priority float64
}

func (s *IngestService) validateUpload(req *UploadRequest) error {
	if strings.TrimSpace(req.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if strings.Contains(req.Filename, "/") || strings.Contains(req.Filename, "\\") {
		return fmt.Errorf("%w: filename must not contain path separators", ErrInvalidInput)
	}
	if len(req.Data) == 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}
	if int64(len(req.Data)) > s.cfg.MaxFileSize {
		return fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, s.cfg.MaxFileSize)
	}

	ext := ""
	if i := strings.LastIndex(req.Filename, "."); i >= 0 {
		ext = strings.ToLower(req.Filename[i:])
	}
	for _, allowed := range s.cfg.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: extension %q is not allowed", ErrInvalidInput, ext)
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(filename), ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(strings.ToLower(filename), ".txt"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// Upload stores the file, creates the document record, and enqueues the
// extract stage.
func (s *IngestService) Upload(ctx context.Context, tenantID uuid.UUID, req *UploadRequest) (*repository.Document, error) {
	if err := s.validateUpload(req); err != nil {
		return nil, err
	}

	docID := uuid.New()
	filePath := fmt.Sprintf("%s/%s/%s", tenantID, docID, req.Filename)

	if err := s.blobs.Put(ctx, filePath, req.Data, contentTypeFor(req.Filename)); err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	now := s.clock.Now()
	doc := &repository.Document{
		ID:        docID,
		TenantID:  tenantID,
		Filename:  req.Filename,
		FilePath:  filePath,
		FileSize:  int64(len(req.Data)),
		Status:    repository.DocumentPending,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	err := s.queue.Enqueue(ctx, &queue.Message{
		TenantID:   tenantID,
		DocumentID: docID,
		Kind:       repository.JobExtract,
		Priority:   req.Priority,
		Extract: &queue.ExtractPayload{
			FilePath: filePath,
			Filename: req.Filename,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue extraction: %w", err)
	}

	s.logger.Info("document uploaded",
		"tenant_id", tenantID,
		"document_id", docID,
		"filename", req.Filename,
		"size", doc.FileSize)
	return doc, nil
}

// BulkUploadItem is the outcome of one file in a bulk upload.
type BulkUploadItem struct {
	Filename string
	Document *repository.Document
	Err      error
}

// BulkUpload ingests up to BulkUploadCap files. Each file succeeds or
// fails independently.
func (s *IngestService) BulkUpload(ctx context.Context, tenantID uuid.UUID, reqs []*UploadRequest) ([]BulkUploadItem, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no files given", ErrInvalidInput)
	}
	if len(reqs) > s.cfg.BulkUploadCap {
		return nil, fmt.Errorf("%w: at most %d files per bulk upload", ErrInvalidInput, s.cfg.BulkUploadCap)
	}

	items := make([]BulkUploadItem, len(reqs))
	for i, req := range reqs {
		doc, err := s.Upload(ctx, tenantID, req)
		items[i] = BulkUploadItem{Filename: req.Filename, Document: doc, Err: err}
	}
	return items, nil
}

// StageStatus is the latest job state of one pipeline stage.
type StageStatus struct {
	Kind         repository.JobKind
	Status       repository.JobStatus
	RetryCount   int
	ErrorMessage string
}

// DocumentStatus is the full processing status of one document.
type DocumentStatus struct {
	Document       *repository.Document
	Stages         []StageStatus
	TotalChunks    int
	EmbeddedChunks int
}

// getOwned loads a document and verifies it belongs to the tenant. A
// document owned by another tenant is reported as not found.
func (s *IngestService) getOwned(ctx context.Context, tenantID, documentID uuid.UUID) (*repository.Document, error) {
	doc, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if doc.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return doc, nil
}

// GetDocument returns one of the tenant's documents.
func (s *IngestService) GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*repository.Document, error) {
	return s.getOwned(ctx, tenantID, documentID)
}

// ListDocuments returns a page of the tenant's documents, optionally
// filtered by status.
func (s *IngestService) ListDocuments(ctx context.Context, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.docs.List(ctx, tenantID, status, limit, offset)
}

// Status reports the document's aggregate status, per-stage job states,
// and chunk embedding progress.
func (s *IngestService) Status(ctx context.Context, tenantID, documentID uuid.UUID) (*DocumentStatus, error) {
	doc, err := s.getOwned(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}

	jobList, err := s.jobs.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	// jobList is newest first, so the first job seen per kind wins
	latest := make(map[repository.JobKind]*repository.Job)
	for _, job := range jobList {
		if _, ok := latest[job.Kind]; !ok {
			latest[job.Kind] = job
		}
	}

	stages := make([]StageStatus, 0, len(repository.Kinds()))
	for _, kind := range repository.Kinds() {
		job, ok := latest[kind]
		if !ok {
			continue
		}
		stages = append(stages, StageStatus{
			Kind:         kind,
			Status:       job.Status,
			RetryCount:   job.RetryCount,
			ErrorMessage: job.ErrorMessage,
		})
	}

	total, embedded, err := s.docs.CountChunks(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	return &DocumentStatus{
		Document:       doc,
		Stages:         stages,
		TotalChunks:    total,
		EmbeddedChunks: embedded,
	}, nil
}

// DeleteDocument removes the document and all derived data: vectors
// first, then rows, then blobs.
func (s *IngestService) DeleteDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	doc, err := s.getOwned(ctx, tenantID, documentID)
	if err != nil {
		return err
	}

	if err := s.vectors.DeleteByDocument(ctx, tenantID, documentID); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}

	if _, err := s.docs.DeleteCascade(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete document rows: %w", err)
	}

	prefix := fmt.Sprintf("%s/%s/", tenantID, documentID)
	if _, err := s.blobs.DeletePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("failed to delete document blobs: %w", err)
	}

	s.logger.Info("document deleted",
		"tenant_id", tenantID,
		"document_id", documentID,
		"filename", doc.Filename)
	return nil
}
