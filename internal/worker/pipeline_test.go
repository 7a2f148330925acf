package worker

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

	"github.com/docpipe/docpipe/internal/blobstore"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/extractor"
	"github.com/docpipe/docpipe/internal/ingestion"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
	"github.com/docpipe/docpipe/internal/repository/memory"
	"github.com/docpipe/docpipe/internal/vectorstore"
)

// fakeEmbedder returns deterministic vectors and can be set to fail a
// number of calls first.
type fakeEmbedder struct {
	dim      int
	failures int
	calls    int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("embedding service unavailable")
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.dim)
		for j := range vec {
			vec[j] = float32((len(text)+i+j)%7) + 1
		}
		vecs[i] = vec
	}
	return vecs, nil
}

func (f *fakeEmbedder) Dimension() int    { return f.dim }
func (f *fakeEmbedder) ModelName() string { return "fake" }

type pipeline struct {
	store    *memory.Store
	blobs    *blobstore.MemoryStore
	vectors  *vectorstore.MemoryStore
	queue    *queue.MemoryQueue
	clock    *clock.Fake
	embedder *fakeEmbedder

	extract *ExtractHandler
	chunk   *ChunkHandler
	embed   *EmbedHandler
}

func newPipeline(t *testing.T, retry RetryConfig) *pipeline {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	blobs := blobstore.NewMemoryStore()
	vectors := vectorstore.NewMemoryStore()
	q := queue.NewMemoryQueue()
	emb := &fakeEmbedder{dim: 8}

	docs := store.Documents()
	jobs := store.Jobs()
	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{
		ChunkSizeTokens:    32,
		ChunkOverlapTokens: 4,
	})

	return &pipeline{
		store:    store,
		blobs:    blobs,
		vectors:  vectors,
		queue:    q,
		clock:    clk,
		embedder: emb,
		extract:  NewExtractHandler(docs, jobs, blobs, extractor.NewRegistry(), q, clk, retry, logger),
		chunk:    NewChunkHandler(docs, jobs, blobs, chunker, q, clk, retry, logger),
		embed:    NewEmbedHandler(docs, jobs, blobs, vectors, emb, q, clk, retry, logger),
	}
}

// upload seeds a pending document plus its file blob and returns the
// extract message the ingest service would have enqueued.
func (p *pipeline) upload(t *testing.T, content string) (*repository.Document, *queue.Message) {
	t.Helper()
	ctx := context.Background()

	tenantID := uuid.New()
	docID := uuid.New()
	filePath := fmt.Sprintf("%s/%s/doc.txt", tenantID, docID)

	if err := p.blobs.Put(ctx, filePath, []byte(content), "text/plain"); err != nil {
		t.Fatalf("failed to seed blob: %v", err)
	}

	doc := &repository.Document{
		ID:       docID,
		TenantID: tenantID,
		Filename: "doc.txt",
		FilePath: filePath,
		FileSize: int64(len(content)),
		Status:   repository.DocumentPending,
	}
	if err := p.store.Documents().Create(ctx, doc); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	return doc, &queue.Message{
		TenantID:   tenantID,
		DocumentID: docID,
		Kind:       repository.JobExtract,
		Extract:    &queue.ExtractPayload{FilePath: filePath, Filename: "doc.txt"},
	}
}

// drain handles queued messages stage by stage until every queue is empty.
// Handler errors are collected, not fatal, since failure paths are under
// test too.
func (p *pipeline) drain(t *testing.T) []error {
	t.Helper()
	ctx := context.Background()

	handlers := map[repository.JobKind]Handler{
		repository.JobExtract: p.extract,
		repository.JobChunk:   p.chunk,
		repository.JobEmbed:   p.embed,
	}

	var errs []error
	for rounds := 0; rounds < 1000; rounds++ {
		progressed := false
		for _, kind := range repository.Kinds() {
			msg, err := p.queue.Dequeue(ctx, kind)
			if err != nil {
				t.Fatalf("dequeue failed: %v", err)
			}
			if msg == nil {
				continue
			}
			progressed = true
			if err := handlers[kind].Handle(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
		if !progressed {
			return errs
		}
	}
	t.Fatal("queues never drained")
	return nil
}

func (p *pipeline) document(t *testing.T, id uuid.UUID) *repository.Document {
	t.Helper()
	doc, err := p.store.Documents().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	return doc
}

const sampleText = "Hello world. This is a test document with a few sentences. " +
	"Each sentence should end up searchable once the pipeline finishes. " +
	"The final state must be completed."

func TestPipeline_HappyPath(t *testing.T) {
	p := newPipeline(t, RetryConfig{MaxRetries: 3, BackoffBase: 2, MaxBackoff: time.Minute})
	doc, msg := p.upload(t, sampleText)

	if err := p.queue.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if errs := p.drain(t); len(errs) != 0 {
		t.Fatalf("pipeline errors: %v", errs)
	}

	got := p.document(t, doc.ID)
	if got.Status != repository.DocumentCompleted {
		t.Errorf("document status = %s, want completed", got.Status)
	}
	if got.Metadata["text_path"] == "" {
		t.Errorf("extracted text path not recorded in metadata")
	}

	ctx := context.Background()
	total, embedded, err := p.store.Documents().CountChunks(ctx, doc.ID)
	if err != nil {
		t.Fatalf("count chunks failed: %v", err)
	}
	if total == 0 {
		t.Fatal("no chunks created")
	}
	if embedded != total {
		t.Errorf("embedded %d of %d chunks", embedded, total)
	}
	if p.vectors.Len() != total {
		t.Errorf("vector store has %d points, want %d", p.vectors.Len(), total)
	}

	// One job per stage plus one embed job per chunk, all completed
	jobs, err := p.store.Jobs().ListByDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list jobs failed: %v", err)
	}
	if len(jobs) != 2+total {
		t.Errorf("got %d jobs, want %d", len(jobs), 2+total)
	}
	for _, job := range jobs {
		if job.Status != repository.JobCompleted {
			t.Errorf("%s job %s is %s, want completed", job.Kind, job.ID, job.Status)
		}
	}
}

func TestPipeline_TransientFailureRetries(t *testing.T) {
	p := newPipeline(t, RetryConfig{MaxRetries: 3, BackoffBase: 2, MaxBackoff: time.Minute})
	doc, msg := p.upload(t, "One short sentence only.")
	p.embedder.failures = 2

	if err := p.queue.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if errs := p.drain(t); len(errs) != 0 {
		t.Fatalf("pipeline errors: %v", errs)
	}

	got := p.document(t, doc.ID)
	if got.Status != repository.DocumentCompleted {
		t.Errorf("document status = %s, want completed after retries", got.Status)
	}

	jobs, err := p.store.Jobs().ListByDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("list jobs failed: %v", err)
	}
	var embedJob *repository.Job
	for _, job := range jobs {
		if job.Kind == repository.JobEmbed {
			embedJob = job
		}
	}
	if embedJob == nil {
		t.Fatal("embed job missing")
	}
	if embedJob.Status != repository.JobCompleted {
		t.Errorf("embed job status = %s, want completed", embedJob.Status)
	}
	if embedJob.RetryCount != 2 {
		t.Errorf("embed job retry count = %d, want 2", embedJob.RetryCount)
	}

	// Exponential backoff: 2^1 then 2^2 seconds
	slept := p.clock.Slept()
	if len(slept) != 2 {
		t.Fatalf("recorded %d backoff sleeps, want 2: %v", len(slept), slept)
	}
	if slept[0] != 2*time.Second || slept[1] != 4*time.Second {
		t.Errorf("backoffs = %v, want [2s 4s]", slept)
	}
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	p := newPipeline(t, RetryConfig{MaxRetries: 3, BackoffBase: 2, MaxBackoff: time.Minute})
	doc, msg := p.upload(t, "One short sentence only.")
	p.embedder.failures = 100

	if err := p.queue.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	errs := p.drain(t)
	if len(errs) == 0 {
		t.Fatal("expected a handler error when retries run out")
	}

	got := p.document(t, doc.ID)
	if got.Status != repository.DocumentFailed {
		t.Errorf("document status = %s, want failed", got.Status)
	}

	// 1 first attempt + 3 retries
	if p.embedder.calls != 4 {
		t.Errorf("embedder called %d times, want 4", p.embedder.calls)
	}

	jobs, err := p.store.Jobs().ListByDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("list jobs failed: %v", err)
	}
	for _, job := range jobs {
		if job.Kind != repository.JobEmbed {
			continue
		}
		if job.Status != repository.JobFailed {
			t.Errorf("embed job status = %s, want failed", job.Status)
		}
		if job.RetryCount != 3 {
			t.Errorf("embed job retry count = %d, want 3", job.RetryCount)
		}
		if job.ErrorMessage == "" {
			t.Errorf("failed job has no error message")
		}
	}

	if p.vectors.Len() != 0 {
		t.Errorf("vector store has %d points for a failed document", p.vectors.Len())
	}
}

// brokenExtractor always fails and counts its calls.
type brokenExtractor struct {
	calls int
}

func (b *brokenExtractor) Extract(_ []byte) (string, error) {
	b.calls++
	return "", errors.New("decoder crashed")
}

func TestPipeline_ExtractorErrorsRetry(t *testing.T) {
	p := newPipeline(t, RetryConfig{MaxRetries: 3, BackoffBase: 2, MaxBackoff: time.Minute})
	ctx := context.Background()

	broken := &brokenExtractor{}
	p.extract.formats.Register(".pdf", broken)

	tenantID := uuid.New()
	docID := uuid.New()
	filePath := fmt.Sprintf("%s/%s/report.pdf", tenantID, docID)
	if err := p.blobs.Put(ctx, filePath, []byte("%PDF-1.4 garbage"), "application/pdf"); err != nil {
		t.Fatalf("failed to seed blob: %v", err)
	}
	err := p.store.Documents().Create(ctx, &repository.Document{
		ID:       docID,
		TenantID: tenantID,
		Filename: "report.pdf",
		FilePath: filePath,
		Status:   repository.DocumentPending,
	})
	if err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	msg := &queue.Message{
		TenantID:   tenantID,
		DocumentID: docID,
		Kind:       repository.JobExtract,
		Extract:    &queue.ExtractPayload{FilePath: filePath, Filename: "report.pdf"},
	}
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	errs := p.drain(t)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one handler error, got %v", errs)
	}

	// First attempt plus MaxRetries retries, with exponential backoff
	// between attempts
	if broken.calls != 4 {
		t.Errorf("extractor called %d times, want 4", broken.calls)
	}
	slept := p.clock.Slept()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("recorded %d backoff sleeps, want %d: %v", len(slept), len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("backoff %d = %v, want %v", i, slept[i], want[i])
		}
	}

	got := p.document(t, docID)
	if got.Status != repository.DocumentFailed {
		t.Errorf("document status = %s, want failed", got.Status)
	}

	jobs, err := p.store.Jobs().ListByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("list jobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if jobs[0].Status != repository.JobFailed {
		t.Errorf("extract job status = %s, want failed", jobs[0].Status)
	}
	if jobs[0].RetryCount != 3 {
		t.Errorf("extract job retry count = %d, want 3", jobs[0].RetryCount)
	}
}

func TestPipeline_UnsupportedFormatFailsWithoutRetry(t *testing.T) {
	p := newPipeline(t, RetryConfig{MaxRetries: 3, BackoffBase: 2, MaxBackoff: time.Minute})
	ctx := context.Background()

	tenantID := uuid.New()
	docID := uuid.New()
	filePath := fmt.Sprintf("%s/%s/image.png", tenantID, docID)
	if err := p.blobs.Put(ctx, filePath, []byte{0x89, 0x50, 0x4e, 0x47}, "image/png"); err != nil {
		t.Fatalf("failed to seed blob: %v", err)
	}
	err := p.store.Documents().Create(ctx, &repository.Document{
		ID:       docID,
		TenantID: tenantID,
		Filename: "image.png",
		FilePath: filePath,
		Status:   repository.DocumentPending,
	})
	if err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	msg := &queue.Message{
		TenantID:   tenantID,
		DocumentID: docID,
		Kind:       repository.JobExtract,
		Extract:    &queue.ExtractPayload{FilePath: filePath, Filename: "image.png"},
	}
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	errs := p.drain(t)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one handler error, got %v", errs)
	}
	if !errors.Is(errs[0], extractor.ErrUnsupportedFormat) {
		t.Errorf("error = %v, want unsupported format", errs[0])
	}

	got := p.document(t, docID)
	if got.Status != repository.DocumentFailed {
		t.Errorf("document status = %s, want failed", got.Status)
	}
	// Permanent failures must not back off
	if slept := p.clock.Slept(); len(slept) != 0 {
		t.Errorf("recorded backoff sleeps for a permanent failure: %v", slept)
	}
}

func TestPipeline_EmptyTextFailsDocument(t *testing.T) {
	p := newPipeline(t, RetryConfig{MaxRetries: 3, BackoffBase: 2, MaxBackoff: time.Minute})
	doc, msg := p.upload(t, "   \n\t   ")

	if err := p.queue.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	errs := p.drain(t)
	if len(errs) == 0 {
		t.Fatal("expected a handler error for a document with no chunks")
	}

	got := p.document(t, doc.ID)
	if got.Status != repository.DocumentFailed {
		t.Errorf("document status = %s, want failed", got.Status)
	}

	total, _, err := p.store.Documents().CountChunks(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("count chunks failed: %v", err)
	}
	if total != 0 {
		t.Errorf("whitespace-only document produced %d chunks", total)
	}
}

func TestPipeline_RedeliveryIsIdempotent(t *testing.T) {
	p := newPipeline(t, RetryConfig{MaxRetries: 3, BackoffBase: 2, MaxBackoff: time.Minute})
	doc, msg := p.upload(t, sampleText)
	ctx := context.Background()

	if err := p.queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if errs := p.drain(t); len(errs) != 0 {
		t.Fatalf("pipeline errors: %v", errs)
	}

	totalBefore, _, err := p.store.Documents().CountChunks(ctx, doc.ID)
	if err != nil {
		t.Fatalf("count chunks failed: %v", err)
	}
	vectorsBefore := p.vectors.Len()

	// Redeliver the original extract message after completion
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if errs := p.drain(t); len(errs) != 0 {
		t.Fatalf("redelivery errors: %v", errs)
	}

	got := p.document(t, doc.ID)
	if got.Status != repository.DocumentCompleted {
		t.Errorf("document status = %s after redelivery, want completed", got.Status)
	}
	totalAfter, _, err := p.store.Documents().CountChunks(ctx, doc.ID)
	if err != nil {
		t.Fatalf("count chunks failed: %v", err)
	}
	if totalAfter != totalBefore {
		t.Errorf("chunk count changed on redelivery: %d -> %d", totalBefore, totalAfter)
	}
	if p.vectors.Len() != vectorsBefore {
		t.Errorf("vector count changed on redelivery: %d -> %d", vectorsBefore, p.vectors.Len())
	}
}

func TestPipeline_Latin1Fallback(t *testing.T) {
	p := newPipeline(t, RetryConfig{MaxRetries: 3, BackoffBase: 2, MaxBackoff: time.Minute})

	// "café" in Latin-1, invalid as UTF-8
	content := append([]byte("caf"), 0xe9)
	content = append(content, []byte(". The accent must survive extraction.")...)
	doc, msg := p.upload(t, string(content))

	if err := p.queue.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if errs := p.drain(t); len(errs) != 0 {
		t.Fatalf("pipeline errors: %v", errs)
	}

	got := p.document(t, doc.ID)
	if got.Status != repository.DocumentCompleted {
		t.Errorf("document status = %s, want completed", got.Status)
	}

	text, err := p.blobs.Get(context.Background(), got.Metadata["text_path"])
	if err != nil {
		t.Fatalf("failed to read extracted text: %v", err)
	}
	if !strings.Contains(string(text), "café") {
		t.Errorf("extracted text lost the Latin-1 character: %q", text)
	}
}
