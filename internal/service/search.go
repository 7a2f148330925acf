package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/embedder"
	"github.com/docpipe/docpipe/internal/vectorstore"
)

// MaxSearchLimit caps how many results one query may request.
const MaxSearchLimit = 100

// SearchService answers semantic queries over a tenant's embedded chunks.
type SearchService struct {
	vectors vectorstore.VectorStore
	embed   embedder.Embedder
	logger  *slog.Logger
}

// NewSearchService creates a search service.
func NewSearchService(vectors vectorstore.VectorStore, emb embedder.Embedder, logger *slog.Logger) *SearchService {
	return &SearchService{vectors: vectors, embed: emb, logger: logger}
}

// SearchRequest is one semantic query.
type SearchRequest struct {
	Query     string
	Limit     int
	Threshold float32
}

// SearchResult is one matching chunk.
type SearchResult struct {
	DocumentID uuid.UUID
	ChunkID    uuid.UUID
	ChunkIndex int
	Filename   string
	Text       string
	Score      float32
	Metadata   map[string]string
}

// Search embeds the query and returns the tenant's best-matching chunks.
func (s *SearchService) Search(ctx context.Context, tenantID uuid.UUID, req *SearchRequest) ([]SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Limit > MaxSearchLimit {
		return nil, fmt.Errorf("%w: limit must be at most %d", ErrInvalidInput, MaxSearchLimit)
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return nil, fmt.Errorf("%w: threshold must be between 0 and 1", ErrInvalidInput)
	}

	vecs, err := s.embed.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query embedding, got %d", len(vecs))
	}

	hits, err := s.vectors.Search(ctx, tenantID, vecs[0], req.Limit, req.Threshold)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		// The store already filters by tenant; a mismatched hit means a
		// bug upstream and must never reach the caller.
		if hit.Payload.TenantID != tenantID {
			s.logger.Error("dropped cross-tenant search hit",
				"tenant_id", tenantID,
				"hit_tenant_id", hit.Payload.TenantID,
				"chunk_id", hit.Payload.ChunkID)
			continue
		}
		results = append(results, SearchResult{
			DocumentID: hit.Payload.DocumentID,
			ChunkID:    hit.Payload.ChunkID,
			ChunkIndex: hit.Payload.ChunkIndex,
			Filename:   hit.Payload.Filename,
			Text:       hit.Payload.Text,
			Score:      hit.Score,
			Metadata:   hit.Payload.Metadata,
		})
	}

	return results, nil
}
