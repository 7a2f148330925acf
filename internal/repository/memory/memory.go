// Package memory implements the repository interfaces with in-process maps.
// It backs unit tests and single-node development runs; the mutex gives the
// same serialization CompleteIfEmbedded gets from a database transaction.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/repository"
)

// Store holds all in-memory state shared by the repository views
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	tenants map[uuid.UUID]*repository.Tenant
	docs    map[uuid.UUID]*repository.Document
	chunks  map[uuid.UUID]*repository.Chunk
	jobs    map[uuid.UUID]*repository.Job
	jobSeq  map[uuid.UUID]int // insertion order for stable ListByDocument
	seq     int
}

// NewStore creates an empty in-memory store
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		clock:   clk,
		tenants: make(map[uuid.UUID]*repository.Tenant),
		docs:    make(map[uuid.UUID]*repository.Document),
		chunks:  make(map[uuid.UUID]*repository.Chunk),
		jobs:    make(map[uuid.UUID]*repository.Job),
		jobSeq:  make(map[uuid.UUID]int),
	}
}

// Tenants returns the tenant repository view of the store
func (s *Store) Tenants() repository.TenantRepository { return &tenantRepo{s} }

// Documents returns the document repository view of the store
func (s *Store) Documents() repository.DocumentRepository { return &documentRepo{s} }

// Jobs returns the job repository view of the store
func (s *Store) Jobs() repository.JobRepository { return &jobRepo{s} }

type tenantRepo struct{ s *Store }

func (r *tenantRepo) Create(_ context.Context, tenant *repository.Tenant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tenants[tenant.ID]; ok {
		return fmt.Errorf("tenant %s already exists", tenant.ID)
	}
	cp := *tenant
	r.s.tenants[tenant.ID] = &cp
	return nil
}

func (r *tenantRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tenant, ok := r.s.tenants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *tenant
	return &cp, nil
}

func (r *tenantRepo) GetByAPIKeyHash(_ context.Context, hash string) (*repository.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, tenant := range r.s.tenants {
		if tenant.APIKeyHash == hash {
			cp := *tenant
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *tenantRepo) List(_ context.Context, limit, offset int) ([]*repository.Tenant, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := make([]*repository.Tenant, 0, len(r.s.tenants))
	for _, tenant := range r.s.tenants {
		cp := *tenant
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, limit, offset), len(all), nil
}

// Delete removes the tenant and cascades to its documents, chunks, and jobs
func (r *tenantRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tenants[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.tenants, id)
	for docID, doc := range r.s.docs {
		if doc.TenantID == id {
			delete(r.s.docs, docID)
		}
	}
	for chunkID, chunk := range r.s.chunks {
		if chunk.TenantID == id {
			delete(r.s.chunks, chunkID)
		}
	}
	for jobID, job := range r.s.jobs {
		if job.TenantID == id {
			delete(r.s.jobs, jobID)
		}
	}
	return nil
}

type documentRepo struct{ s *Store }

func (r *documentRepo) Create(_ context.Context, doc *repository.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	cp := *doc
	cp.Metadata = copyMap(doc.Metadata)
	r.s.docs[doc.ID] = &cp
	return nil
}

func (r *documentRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.Document, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	doc, ok := r.s.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *doc
	cp.Metadata = copyMap(doc.Metadata)
	return &cp, nil
}

func (r *documentRepo) List(_ context.Context, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*repository.Document
	for _, doc := range r.s.docs {
		if doc.TenantID != tenantID {
			continue
		}
		if status != "" && doc.Status != status {
			continue
		}
		cp := *doc
		cp.Metadata = copyMap(doc.Metadata)
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, limit, offset), len(all), nil
}

func (r *documentRepo) SetStatus(_ context.Context, id uuid.UUID, status repository.DocumentStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	doc, ok := r.s.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if doc.Status == status {
		return nil
	}
	if !repository.ValidDocumentTransition(doc.Status, status) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, doc.Status, status)
	}
	doc.Status = status
	doc.UpdatedAt = r.s.clock.Now()
	return nil
}

func (r *documentRepo) SetMetadata(_ context.Context, id uuid.UUID, metadata map[string]string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	doc, ok := r.s.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	doc.Metadata = copyMap(metadata)
	doc.UpdatedAt = r.s.clock.Now()
	return nil
}

func (r *documentRepo) DeleteCascade(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.docs[id]; !ok {
		return nil, repository.ErrNotFound
	}
	var chunkIDs []uuid.UUID
	for chunkID, chunk := range r.s.chunks {
		if chunk.DocumentID == id {
			chunkIDs = append(chunkIDs, chunkID)
			delete(r.s.chunks, chunkID)
		}
	}
	for jobID, job := range r.s.jobs {
		if job.DocumentID != nil && *job.DocumentID == id {
			delete(r.s.jobs, jobID)
		}
	}
	delete(r.s.docs, id)
	return chunkIDs, nil
}

func (r *documentRepo) CreateChunk(_ context.Context, chunk *repository.Chunk) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.chunks {
		if existing.DocumentID == chunk.DocumentID && existing.ChunkIndex == chunk.ChunkIndex {
			return false, nil
		}
	}
	cp := *chunk
	r.s.chunks[chunk.ID] = &cp
	return true, nil
}

func (r *documentRepo) GetChunk(_ context.Context, id uuid.UUID) (*repository.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	chunk, ok := r.s.chunks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *chunk
	return &cp, nil
}

func (r *documentRepo) GetChunks(_ context.Context, documentID uuid.UUID) ([]*repository.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var chunks []*repository.Chunk
	for _, chunk := range r.s.chunks {
		if chunk.DocumentID == documentID {
			cp := *chunk
			chunks = append(chunks, &cp)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func (r *documentRepo) SetChunkEmbeddingPath(_ context.Context, chunkID uuid.UUID, path string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	chunk, ok := r.s.chunks[chunkID]
	if !ok {
		return repository.ErrNotFound
	}
	chunk.EmbeddingPath = path
	return nil
}

func (r *documentRepo) CountChunks(_ context.Context, documentID uuid.UUID) (int, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	total, embedded := r.countChunksLocked(documentID)
	return total, embedded, nil
}

func (r *documentRepo) CompleteIfEmbedded(_ context.Context, documentID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	doc, ok := r.s.docs[documentID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if doc.Status == repository.DocumentCompleted {
		return true, nil
	}
	total, embedded := r.countChunksLocked(documentID)
	if total == 0 || total != embedded {
		return false, nil
	}
	if !repository.ValidDocumentTransition(doc.Status, repository.DocumentCompleted) {
		return false, nil
	}
	doc.Status = repository.DocumentCompleted
	doc.UpdatedAt = r.s.clock.Now()
	return true, nil
}

func (r *documentRepo) countChunksLocked(documentID uuid.UUID) (int, int) {
	total, embedded := 0, 0
	for _, chunk := range r.s.chunks {
		if chunk.DocumentID != documentID {
			continue
		}
		total++
		if chunk.EmbeddingPath != "" {
			embedded++
		}
	}
	return total, embedded
}

type jobRepo struct{ s *Store }

func (r *jobRepo) Upsert(_ context.Context, job *repository.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *job
	if job.DocumentID != nil {
		docID := *job.DocumentID
		cp.DocumentID = &docID
	}
	// An existing row keeps its created_at, as the SQL upsert does
	if existing, ok := r.s.jobs[job.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		r.s.seq++
		r.s.jobSeq[job.ID] = r.s.seq
	}
	r.s.jobs[job.ID] = &cp
	return nil
}

func (r *jobRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *jobRepo) SetStatus(_ context.Context, id uuid.UUID, status repository.JobStatus, errorMessage string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = status
	job.ErrorMessage = errorMessage
	job.UpdatedAt = r.s.clock.Now()
	return nil
}

func (r *jobRepo) SetRetry(_ context.Context, id uuid.UUID, count int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.RetryCount = count
	job.Status = repository.JobProcessing
	job.UpdatedAt = r.s.clock.Now()
	return nil
}

func (r *jobRepo) ListByDocument(_ context.Context, documentID uuid.UUID) ([]*repository.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var jobs []*repository.Job
	for _, job := range r.s.jobs {
		if job.DocumentID != nil && *job.DocumentID == documentID {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	// Newest first, matching the SQL implementation
	sort.Slice(jobs, func(i, j int) bool {
		return r.s.jobSeq[jobs[i].ID] > r.s.jobSeq[jobs[j].ID]
	})
	return jobs, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Ensure the views implement the interfaces
var (
	_ repository.TenantRepository   = (*tenantRepo)(nil)
	_ repository.DocumentRepository = (*documentRepo)(nil)
	_ repository.JobRepository      = (*jobRepo)(nil)
)
