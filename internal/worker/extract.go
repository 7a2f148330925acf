package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/docpipe/docpipe/internal/blobstore"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/extractor"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
)

// ExtractHandler runs the extract stage: read the uploaded file, extract
// plain text, store it, and enqueue the chunk stage.
type ExtractHandler struct {
	runner  *runner
	docs    repository.DocumentRepository
	blobs   blobstore.BlobStore
	formats *extractor.Registry
}

// NewExtractHandler creates the extract stage handler.
func NewExtractHandler(docs repository.DocumentRepository, jobs repository.JobRepository,
	blobs blobstore.BlobStore, formats *extractor.Registry, q queue.Queue,
	clk clock.Clock, retry RetryConfig, logger *slog.Logger) *ExtractHandler {
	h := &ExtractHandler{docs: docs, blobs: blobs, formats: formats}
	h.runner = newRunner(stage{
		kind:         repository.JobExtract,
		firstAttempt: h.markProcessing,
		action:       h.extract,
	}, docs, jobs, q, clk, retry, logger)
	return h
}

// Kind returns the stage this handler serves.
func (h *ExtractHandler) Kind() repository.JobKind { return repository.JobExtract }

// Handle processes one extract message.
func (h *ExtractHandler) Handle(ctx context.Context, msg *queue.Message) error {
	if msg.Extract == nil {
		return fmt.Errorf("extract message without payload for document %s", msg.DocumentID)
	}
	return h.runner.run(ctx, msg)
}

// markProcessing moves the document from pending to processing. A
// redelivered message finds the document already past pending; that is
// not an error.
func (h *ExtractHandler) markProcessing(ctx context.Context, msg *queue.Message) error {
	err := h.docs.SetStatus(ctx, msg.DocumentID, repository.DocumentProcessing)
	if err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		return fmt.Errorf("failed to mark document processing: %w", err)
	}
	return nil
}

func textPath(msg *queue.Message) string {
	return fmt.Sprintf("%s/%s/extracted_text.txt", msg.TenantID, msg.DocumentID)
}

func (h *ExtractHandler) extract(ctx context.Context, msg *queue.Message) ([]*queue.Message, error) {
	data, err := h.blobs.Get(ctx, msg.Extract.FilePath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, Permanent(fmt.Errorf("uploaded file missing: %w", err))
		}
		return nil, fmt.Errorf("failed to read uploaded file: %w", err)
	}

	text, err := h.formats.Extract(msg.Extract.Filename, data)
	if err != nil {
		// A format with no extractor can never succeed; any other
		// extractor error goes through the retry loop.
		if errors.Is(err, extractor.ErrUnsupportedFormat) {
			return nil, Permanent(fmt.Errorf("extraction failed: %w", err))
		}
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	path := textPath(msg)
	if err := h.blobs.Put(ctx, path, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("failed to store extracted text: %w", err)
	}

	doc, err := h.docs.GetByID(ctx, msg.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	metadata := make(map[string]string, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	metadata["text_path"] = path
	metadata["text_length"] = strconv.Itoa(len(text))
	if err := h.docs.SetMetadata(ctx, msg.DocumentID, metadata); err != nil {
		return nil, fmt.Errorf("failed to update document metadata: %w", err)
	}

	return []*queue.Message{{
		TenantID:   msg.TenantID,
		DocumentID: msg.DocumentID,
		Kind:       repository.JobChunk,
		Priority:   msg.Priority,
		Chunk: &queue.ChunkPayload{
			TextPath: path,
			Filename: msg.Extract.Filename,
		},
	}}, nil
}

// Ensure ExtractHandler implements Handler
var _ Handler = (*ExtractHandler)(nil)
