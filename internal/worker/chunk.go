package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/blobstore"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/ingestion"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
)

// ChunkHandler runs the chunk stage: split the extracted text, persist
// each chunk, and enqueue one embed message per chunk.
type ChunkHandler struct {
	runner  *runner
	docs    repository.DocumentRepository
	blobs   blobstore.BlobStore
	chunker *ingestion.Chunker
	logger  *slog.Logger
}

// NewChunkHandler creates the chunk stage handler.
func NewChunkHandler(docs repository.DocumentRepository, jobs repository.JobRepository,
	blobs blobstore.BlobStore, chunker *ingestion.Chunker, q queue.Queue,
	clk clock.Clock, retry RetryConfig, logger *slog.Logger) *ChunkHandler {
	h := &ChunkHandler{docs: docs, blobs: blobs, chunker: chunker, logger: logger}
	h.runner = newRunner(stage{
		kind:   repository.JobChunk,
		action: h.chunk,
	}, docs, jobs, q, clk, retry, logger)
	return h
}

// Kind returns the stage this handler serves.
func (h *ChunkHandler) Kind() repository.JobKind { return repository.JobChunk }

// Handle processes one chunk message.
func (h *ChunkHandler) Handle(ctx context.Context, msg *queue.Message) error {
	if msg.Chunk == nil {
		return fmt.Errorf("chunk message without payload for document %s", msg.DocumentID)
	}
	return h.runner.run(ctx, msg)
}

func chunkPath(msg *queue.Message, chunkID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/chunks/%s.txt", msg.TenantID, msg.DocumentID, chunkID)
}

func (h *ChunkHandler) chunk(ctx context.Context, msg *queue.Message) ([]*queue.Message, error) {
	data, err := h.blobs.Get(ctx, msg.Chunk.TextPath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, Permanent(fmt.Errorf("extracted text missing: %w", err))
		}
		return nil, fmt.Errorf("failed to read extracted text: %w", err)
	}

	pieces := h.chunker.Split(string(data))
	if len(pieces) == 0 {
		return nil, Permanent(fmt.Errorf("document %s produced no chunks", msg.DocumentID))
	}

	for _, piece := range pieces {
		chunkID := uuid.New()
		path := chunkPath(msg, chunkID)

		// Blob first, row second. If the row already exists from an
		// earlier delivery, the fresh blob is an orphan and gets removed.
		if err := h.blobs.Put(ctx, path, []byte(piece.Text), "text/plain; charset=utf-8"); err != nil {
			return nil, fmt.Errorf("failed to store chunk %d: %w", piece.Index, err)
		}

		inserted, err := h.docs.CreateChunk(ctx, &repository.Chunk{
			ID:         chunkID,
			DocumentID: msg.DocumentID,
			TenantID:   msg.TenantID,
			ChunkIndex: piece.Index,
			Text:       piece.Text,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to persist chunk %d: %w", piece.Index, err)
		}
		if !inserted {
			if err := h.blobs.Delete(ctx, path); err != nil {
				h.logger.Warn("failed to remove duplicate chunk blob", "path", path, "error", err)
			}
		}
	}

	// Enqueue from the persisted rows, not the local loop, so a partial
	// earlier delivery still gets every chunk embedded exactly once.
	rows, err := h.docs.GetChunks(ctx, msg.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	downstream := make([]*queue.Message, 0, len(rows))
	for _, row := range rows {
		if row.EmbeddingPath != "" {
			continue
		}
		downstream = append(downstream, &queue.Message{
			TenantID:   msg.TenantID,
			DocumentID: msg.DocumentID,
			Kind:       repository.JobEmbed,
			Priority:   msg.Priority,
			Embed: &queue.EmbedPayload{
				ChunkID:   row.ID,
				ChunkPath: chunkPath(msg, row.ID),
				Filename:  msg.Chunk.Filename,
			},
		})
	}

	return downstream, nil
}

// Ensure ChunkHandler implements Handler
var _ Handler = (*ChunkHandler)(nil)
