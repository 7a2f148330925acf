package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements VectorStore in process, for tests and development
type MemoryStore struct {
	mu     sync.Mutex
	dim    int
	points map[uuid.UUID]Point
}

// NewMemoryStore creates an empty in-memory vector store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[uuid.UUID]Point)}
}

// EnsureCollection records the expected vector dimension
func (s *MemoryStore) EnsureCollection(_ context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dim = dim
	return nil
}

// Upsert inserts or replaces points by id
func (s *MemoryStore) Upsert(_ context.Context, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if s.dim > 0 && len(p.Vector) != s.dim {
			return fmt.Errorf("vector dimension %d does not match collection dimension %d", len(p.Vector), s.dim)
		}
		s.points[p.ID] = p
	}
	return nil
}

// Search returns the tenant's points ranked by cosine similarity
func (s *MemoryStore) Search(_ context.Context, tenantID uuid.UUID, vector []float32, limit int, threshold float32) ([]SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hits := make([]SearchHit, 0)
	for _, p := range s.points {
		if p.Payload.TenantID != tenantID {
			continue
		}
		score := cosine(vector, p.Vector)
		if score < threshold {
			continue
		}
		hits = append(hits, SearchHit{Score: score, Payload: p.Payload})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Delete removes the given ids if they belong to the tenant
func (s *MemoryStore) Delete(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if p, ok := s.points[id]; ok && p.Payload.TenantID == tenantID {
			delete(s.points, id)
		}
	}
	return nil
}

// DeleteByDocument removes all of one document's points
func (s *MemoryStore) DeleteByDocument(_ context.Context, tenantID, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.points {
		if p.Payload.TenantID == tenantID && p.Payload.DocumentID == documentID {
			delete(s.points, id)
		}
	}
	return nil
}

// DeleteByTenant removes every point belonging to the tenant
func (s *MemoryStore) DeleteByTenant(_ context.Context, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.points {
		if p.Payload.TenantID == tenantID {
			delete(s.points, id)
		}
	}
	return nil
}

// Len returns the number of stored points
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Ensure MemoryStore implements VectorStore
var _ VectorStore = (*MemoryStore)(nil)
