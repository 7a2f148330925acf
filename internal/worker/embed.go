package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docpipe/docpipe/internal/artifact"
	"github.com/docpipe/docpipe/internal/blobstore"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/embedder"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
	"github.com/docpipe/docpipe/internal/vectorstore"
)

// EmbedHandler runs the embed stage: embed one chunk's text, upsert the
// vector, persist the embedding artifact, and complete the document when
// it was the last chunk.
type EmbedHandler struct {
	runner  *runner
	docs    repository.DocumentRepository
	blobs   blobstore.BlobStore
	vectors vectorstore.VectorStore
	embed   embedder.Embedder
	logger  *slog.Logger
}

// NewEmbedHandler creates the embed stage handler.
func NewEmbedHandler(docs repository.DocumentRepository, jobs repository.JobRepository,
	blobs blobstore.BlobStore, vectors vectorstore.VectorStore, emb embedder.Embedder,
	q queue.Queue, clk clock.Clock, retry RetryConfig, logger *slog.Logger) *EmbedHandler {
	h := &EmbedHandler{docs: docs, blobs: blobs, vectors: vectors, embed: emb, logger: logger}
	h.runner = newRunner(stage{
		kind:      repository.JobEmbed,
		action:    h.embedChunk,
		onSuccess: h.completeDocument,
	}, docs, jobs, q, clk, retry, logger)
	return h
}

// Kind returns the stage this handler serves.
func (h *EmbedHandler) Kind() repository.JobKind { return repository.JobEmbed }

// Handle processes one embed message.
func (h *EmbedHandler) Handle(ctx context.Context, msg *queue.Message) error {
	if msg.Embed == nil {
		return fmt.Errorf("embed message without payload for document %s", msg.DocumentID)
	}
	return h.runner.run(ctx, msg)
}

func artifactPath(msg *queue.Message) string {
	return fmt.Sprintf("%s/%s/embeddings/%s.parquet", msg.TenantID, msg.DocumentID, msg.Embed.ChunkID)
}

func (h *EmbedHandler) embedChunk(ctx context.Context, msg *queue.Message) ([]*queue.Message, error) {
	chunk, err := h.docs.GetChunk(ctx, msg.Embed.ChunkID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Permanent(fmt.Errorf("chunk %s no longer exists", msg.Embed.ChunkID))
		}
		return nil, fmt.Errorf("failed to load chunk %s: %w", msg.Embed.ChunkID, err)
	}

	if chunk.EmbeddingPath != "" {
		// Already embedded by an earlier delivery
		return nil, nil
	}

	text := chunk.Text
	if text == "" {
		data, err := h.blobs.Get(ctx, msg.Embed.ChunkPath)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, Permanent(fmt.Errorf("chunk text missing for %s", msg.Embed.ChunkID))
			}
			return nil, fmt.Errorf("failed to read chunk text: %w", err)
		}
		text = string(data)
	}

	vecs, err := h.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	vector := vecs[0]

	doc, err := h.docs.GetByID(ctx, msg.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	payload := vectorstore.Payload{
		TenantID:   msg.TenantID,
		DocumentID: msg.DocumentID,
		ChunkID:    chunk.ID,
		ChunkIndex: chunk.ChunkIndex,
		Filename:   doc.Filename,
		Text:       text,
		Metadata:   doc.Metadata,
	}
	err = h.vectors.Upsert(ctx, []vectorstore.Point{{
		ID:      chunk.ID,
		Vector:  vector,
		Payload: payload,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert vector: %w", err)
	}

	data, err := artifact.Encode([]artifact.Row{{
		ChunkID:    chunk.ID.String(),
		DocumentID: msg.DocumentID.String(),
		TenantID:   msg.TenantID.String(),
		ChunkIndex: int32(chunk.ChunkIndex),
		Filename:   doc.Filename,
		Text:       text,
		Vector:     vector,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding artifact: %w", err)
	}

	path := artifactPath(msg)
	if err := h.blobs.Put(ctx, path, data, artifact.ContentType); err != nil {
		return nil, fmt.Errorf("failed to store embedding artifact: %w", err)
	}

	if err := h.docs.SetChunkEmbeddingPath(ctx, chunk.ID, path); err != nil {
		return nil, fmt.Errorf("failed to record embedding path: %w", err)
	}

	return nil, nil
}

// completeDocument moves the document to completed once every chunk has
// an embedding.
func (h *EmbedHandler) completeDocument(ctx context.Context, msg *queue.Message) error {
	done, err := h.docs.CompleteIfEmbedded(ctx, msg.DocumentID)
	if err != nil {
		return fmt.Errorf("failed to reconcile document status: %w", err)
	}
	if done {
		h.logger.Info("document completed",
			"tenant_id", msg.TenantID,
			"document_id", msg.DocumentID)
	}
	return nil
}

// Ensure EmbedHandler implements Handler
var _ Handler = (*EmbedHandler)(nil)
