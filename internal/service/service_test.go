package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/auth"
	"github.com/docpipe/docpipe/internal/blobstore"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
	"github.com/docpipe/docpipe/internal/repository/memory"
	"github.com/docpipe/docpipe/internal/vectorstore"
)

type fixture struct {
	store   *memory.Store
	blobs   *blobstore.MemoryStore
	vectors *vectorstore.MemoryStore
	queue   *queue.MemoryQueue

	tenants *TenantService
	ingest  *IngestService
	search  *SearchService
}

// queryEmbedder maps any text to a fixed vector so search tests control
// similarity through the stored points.
type queryEmbedder struct{ vec []float32 }

func (e *queryEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

func (e *queryEmbedder) Dimension() int    { return len(e.vec) }
func (e *queryEmbedder) ModelName() string { return "fixed" }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	blobs := blobstore.NewMemoryStore()
	vectors := vectorstore.NewMemoryStore()
	q := queue.NewMemoryQueue()

	return &fixture{
		store:   store,
		blobs:   blobs,
		vectors: vectors,
		queue:   q,
		tenants: NewTenantService(store.Tenants(), vectors, blobs, q, clk, 100, logger),
		ingest: NewIngestService(store.Documents(), store.Jobs(), blobs, vectors, q, clk, IngestConfig{
			MaxFileSize:       1 << 20,
			AllowedExtensions: []string{".pdf", ".txt"},
			BulkUploadCap:     5,
		}, logger),
		search: NewSearchService(vectors, &queryEmbedder{vec: []float32{1, 0, 0}}, logger),
	}
}

func (f *fixture) newTenant(t *testing.T, name string) *repository.Tenant {
	t.Helper()
	result, err := f.tenants.CreateTenant(context.Background(), name, 0)
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	return result.Tenant
}

func TestTenantService_CreateAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.tenants.CreateTenant(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("create tenant failed: %v", err)
	}
	if !strings.HasPrefix(result.APIKey, auth.KeyPrefix) {
		t.Errorf("api key %q missing prefix %q", result.APIKey, auth.KeyPrefix)
	}
	if result.Tenant.APIKeyHash == result.APIKey {
		t.Error("plaintext key stored as hash")
	}
	if result.Tenant.RateLimit != 100 {
		t.Errorf("rate limit = %d, want default 100", result.Tenant.RateLimit)
	}

	tenant, err := f.tenants.Authenticate(ctx, result.APIKey)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if tenant.ID != result.Tenant.ID {
		t.Errorf("authenticated as %s, want %s", tenant.ID, result.Tenant.ID)
	}

	if _, err := f.tenants.Authenticate(ctx, auth.KeyPrefix+"wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong key error = %v, want ErrUnauthorized", err)
	}
	if _, err := f.tenants.Authenticate(ctx, "no-prefix"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unprefixed key error = %v, want ErrUnauthorized", err)
	}
}

func TestTenantService_CreateValidation(t *testing.T) {
	f := newFixture(t)

	if _, err := f.tenants.CreateTenant(context.Background(), "   ", 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank name error = %v, want ErrInvalidInput", err)
	}
}

func TestIngestService_UploadValidation(t *testing.T) {
	f := newFixture(t)
	tenant := f.newTenant(t, "acme")
	ctx := context.Background()

	cases := []struct {
		name string
		req  *UploadRequest
	}{
		{"empty filename", &UploadRequest{Filename: "", Data: []byte("x")}},
		{"path separator", &UploadRequest{Filename: "../../etc/passwd.txt", Data: []byte("x")}},
		{"empty file", &UploadRequest{Filename: "a.txt", Data: nil}},
		{"bad extension", &UploadRequest{Filename: "a.exe", Data: []byte("x")}},
		{"no extension", &UploadRequest{Filename: "README", Data: []byte("x")}},
		{"too large", &UploadRequest{Filename: "a.txt", Data: make([]byte, 2<<20)}},
	}
	for _, tc := range cases {
		if _, err := f.ingest.Upload(ctx, tenant.ID, tc.req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: error = %v, want ErrInvalidInput", tc.name, err)
		}
	}

	if n, _ := f.queue.Size(ctx, uuid.Nil, repository.JobExtract); n != 0 {
		t.Errorf("rejected uploads enqueued %d messages", n)
	}
}

func TestIngestService_Upload(t *testing.T) {
	f := newFixture(t)
	tenant := f.newTenant(t, "acme")
	ctx := context.Background()

	doc, err := f.ingest.Upload(ctx, tenant.ID, &UploadRequest{
		Filename: "report.txt",
		Data:     []byte("Quarterly numbers are up."),
		Metadata: map[string]string{"source": "finance"},
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if doc.Status != repository.DocumentPending {
		t.Errorf("document status = %s, want pending", doc.Status)
	}
	wantPath := fmt.Sprintf("%s/%s/report.txt", tenant.ID, doc.ID)
	if doc.FilePath != wantPath {
		t.Errorf("file path = %s, want %s", doc.FilePath, wantPath)
	}
	if ok, _ := f.blobs.Exists(ctx, wantPath); !ok {
		t.Error("uploaded file not in blob storage")
	}

	msg, err := f.queue.Dequeue(ctx, repository.JobExtract)
	if err != nil || msg == nil {
		t.Fatalf("extract message not enqueued: %v", err)
	}
	if msg.TenantID != tenant.ID || msg.DocumentID != doc.ID {
		t.Errorf("message addressed to %s/%s, want %s/%s", msg.TenantID, msg.DocumentID, tenant.ID, doc.ID)
	}
	if msg.Extract == nil || msg.Extract.FilePath != wantPath {
		t.Errorf("extract payload = %+v, want file path %s", msg.Extract, wantPath)
	}
}

func TestIngestService_BulkUpload(t *testing.T) {
	f := newFixture(t)
	tenant := f.newTenant(t, "acme")
	ctx := context.Background()

	reqs := []*UploadRequest{
		{Filename: "a.txt", Data: []byte("first")},
		{Filename: "b.exe", Data: []byte("second")},
		{Filename: "c.txt", Data: []byte("third")},
	}
	items, err := f.ingest.BulkUpload(ctx, tenant.ID, reqs)
	if err != nil {
		t.Fatalf("bulk upload failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if items[0].Err != nil || items[2].Err != nil {
		t.Errorf("valid files failed: %v, %v", items[0].Err, items[2].Err)
	}
	if !errors.Is(items[1].Err, ErrInvalidInput) {
		t.Errorf("invalid file error = %v, want ErrInvalidInput", items[1].Err)
	}

	// One message per accepted file
	if n, _ := f.queue.Size(ctx, tenant.ID, repository.JobExtract); n != 2 {
		t.Errorf("queue has %d messages, want 2", n)
	}

	// Over the cap
	over := make([]*UploadRequest, 6)
	for i := range over {
		over[i] = &UploadRequest{Filename: fmt.Sprintf("f%d.txt", i), Data: []byte("x")}
	}
	if _, err := f.ingest.BulkUpload(ctx, tenant.ID, over); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("over-cap error = %v, want ErrInvalidInput", err)
	}
}

func TestIngestService_OwnershipHidesForeignDocuments(t *testing.T) {
	f := newFixture(t)
	owner := f.newTenant(t, "owner")
	other := f.newTenant(t, "other")
	ctx := context.Background()

	doc, err := f.ingest.Upload(ctx, owner.ID, &UploadRequest{Filename: "secret.txt", Data: []byte("classified")})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if _, err := f.ingest.GetDocument(ctx, other.ID, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign GetDocument error = %v, want ErrNotFound", err)
	}
	if _, err := f.ingest.Status(ctx, other.ID, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign Status error = %v, want ErrNotFound", err)
	}
	if err := f.ingest.DeleteDocument(ctx, other.ID, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign DeleteDocument error = %v, want ErrNotFound", err)
	}

	// Still intact for the owner
	if _, err := f.ingest.GetDocument(ctx, owner.ID, doc.ID); err != nil {
		t.Errorf("owner lost access: %v", err)
	}
}

func TestIngestService_Status(t *testing.T) {
	f := newFixture(t)
	tenant := f.newTenant(t, "acme")
	ctx := context.Background()

	doc, err := f.ingest.Upload(ctx, tenant.ID, &UploadRequest{Filename: "report.txt", Data: []byte("content")})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	docID := doc.ID
	err = f.store.Jobs().Upsert(ctx, &repository.Job{
		ID:         uuid.New(),
		TenantID:   tenant.ID,
		DocumentID: &docID,
		Kind:       repository.JobExtract,
		Status:     repository.JobCompleted,
	})
	if err != nil {
		t.Fatalf("seed job failed: %v", err)
	}

	status, err := f.ingest.Status(ctx, tenant.ID, doc.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Document.ID != doc.ID {
		t.Errorf("status for document %s, want %s", status.Document.ID, doc.ID)
	}
	if len(status.Stages) != 1 {
		t.Fatalf("got %d stages, want 1", len(status.Stages))
	}
	if status.Stages[0].Kind != repository.JobExtract || status.Stages[0].Status != repository.JobCompleted {
		t.Errorf("stage = %+v, want completed extract", status.Stages[0])
	}
	if status.TotalChunks != 0 || status.EmbeddedChunks != 0 {
		t.Errorf("chunk counts = %d/%d, want 0/0", status.EmbeddedChunks, status.TotalChunks)
	}
}

// seedEmbedded plants a completed chunk with its blob and vector, as the
// pipeline would have left them.
func (f *fixture) seedEmbedded(t *testing.T, tenantID, docID uuid.UUID, index int, text string, vec []float32) *repository.Chunk {
	t.Helper()
	ctx := context.Background()

	chunk := &repository.Chunk{
		ID:            uuid.New(),
		DocumentID:    docID,
		TenantID:      tenantID,
		ChunkIndex:    index,
		Text:          text,
		EmbeddingPath: fmt.Sprintf("%s/%s/embeddings/%d.parquet", tenantID, docID, index),
	}
	if _, err := f.store.Documents().CreateChunk(ctx, chunk); err != nil {
		t.Fatalf("seed chunk failed: %v", err)
	}
	if err := f.blobs.Put(ctx, chunk.EmbeddingPath, []byte("artifact"), "application/octet-stream"); err != nil {
		t.Fatalf("seed artifact failed: %v", err)
	}
	err := f.vectors.Upsert(ctx, []vectorstore.Point{{
		ID:     chunk.ID,
		Vector: vec,
		Payload: vectorstore.Payload{
			TenantID:   tenantID,
			DocumentID: docID,
			ChunkID:    chunk.ID,
			ChunkIndex: index,
			Text:       text,
		},
	}})
	if err != nil {
		t.Fatalf("seed vector failed: %v", err)
	}
	return chunk
}

func TestIngestService_DeleteDocumentCascades(t *testing.T) {
	f := newFixture(t)
	tenant := f.newTenant(t, "acme")
	ctx := context.Background()

	doc, err := f.ingest.Upload(ctx, tenant.ID, &UploadRequest{Filename: "report.txt", Data: []byte("content")})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	f.seedEmbedded(t, tenant.ID, doc.ID, 0, "first chunk", []float32{1, 0, 0})
	f.seedEmbedded(t, tenant.ID, doc.ID, 1, "second chunk", []float32{0, 1, 0})

	if err := f.ingest.DeleteDocument(ctx, tenant.ID, doc.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := f.ingest.GetDocument(ctx, tenant.ID, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("document still readable after delete: %v", err)
	}
	if f.vectors.Len() != 0 {
		t.Errorf("%d vectors remain after delete", f.vectors.Len())
	}
	if f.blobs.Len() != 0 {
		t.Errorf("%d blobs remain after delete", f.blobs.Len())
	}
}

func TestTenantService_DeleteCascades(t *testing.T) {
	f := newFixture(t)
	victim := f.newTenant(t, "victim")
	survivor := f.newTenant(t, "survivor")
	ctx := context.Background()

	victimDoc, err := f.ingest.Upload(ctx, victim.ID, &UploadRequest{Filename: "a.txt", Data: []byte("a")})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	survivorDoc, err := f.ingest.Upload(ctx, survivor.ID, &UploadRequest{Filename: "b.txt", Data: []byte("b")})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	f.seedEmbedded(t, victim.ID, victimDoc.ID, 0, "victim text", []float32{1, 0, 0})
	f.seedEmbedded(t, survivor.ID, survivorDoc.ID, 0, "survivor text", []float32{1, 0, 0})

	if err := f.tenants.DeleteTenant(ctx, victim.ID); err != nil {
		t.Fatalf("delete tenant failed: %v", err)
	}

	if _, err := f.tenants.GetTenant(ctx, victim.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("tenant still readable after delete: %v", err)
	}
	if n, _ := f.queue.Size(ctx, victim.ID, repository.JobExtract); n != 0 {
		t.Errorf("%d queued messages remain for deleted tenant", n)
	}
	if f.vectors.Len() != 1 {
		t.Errorf("vector count = %d, want only the survivor's", f.vectors.Len())
	}

	// The surviving tenant keeps everything
	if _, err := f.ingest.GetDocument(ctx, survivor.ID, survivorDoc.ID); err != nil {
		t.Errorf("survivor lost its document: %v", err)
	}
	if n, _ := f.queue.Size(ctx, survivor.ID, repository.JobExtract); n != 1 {
		t.Errorf("survivor queue size = %d, want 1", n)
	}
	if ok, _ := f.blobs.Exists(ctx, survivorDoc.FilePath); !ok {
		t.Error("survivor blob removed")
	}
}

func TestSearchService_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	tenantA := f.newTenant(t, "a")
	tenantB := f.newTenant(t, "b")
	ctx := context.Background()

	// Identical vectors for both tenants; only the tenant filter can
	// separate them
	f.seedEmbedded(t, tenantA.ID, uuid.New(), 0, "alpha document", []float32{1, 0, 0})
	f.seedEmbedded(t, tenantB.ID, uuid.New(), 0, "beta document", []float32{1, 0, 0})

	results, err := f.search.Search(ctx, tenantA.ID, &SearchRequest{Query: "anything", Limit: 10})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Text != "alpha document" {
		t.Errorf("tenant A saw %q", results[0].Text)
	}
}

func TestSearchService_Validation(t *testing.T) {
	f := newFixture(t)
	tenant := f.newTenant(t, "acme")
	ctx := context.Background()

	cases := []struct {
		name string
		req  *SearchRequest
	}{
		{"empty query", &SearchRequest{Query: "  "}},
		{"limit too high", &SearchRequest{Query: "q", Limit: MaxSearchLimit + 1}},
		{"threshold below range", &SearchRequest{Query: "q", Threshold: -0.1}},
		{"threshold above range", &SearchRequest{Query: "q", Threshold: 1.1}},
	}
	for _, tc := range cases {
		if _, err := f.search.Search(ctx, tenant.ID, tc.req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: error = %v, want ErrInvalidInput", tc.name, err)
		}
	}
}

func TestSearchService_ThresholdFiltersResults(t *testing.T) {
	f := newFixture(t)
	tenant := f.newTenant(t, "acme")
	ctx := context.Background()

	docID := uuid.New()
	f.seedEmbedded(t, tenant.ID, docID, 0, "close match", []float32{1, 0, 0})
	f.seedEmbedded(t, tenant.ID, docID, 1, "distant match", []float32{0, 1, 0})

	results, err := f.search.Search(ctx, tenant.ID, &SearchRequest{Query: "q", Limit: 10, Threshold: 0.9})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results above threshold, want 1", len(results))
	}
	if results[0].Text != "close match" {
		t.Errorf("kept %q, want the close match", results[0].Text)
	}
}
