package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements VectorStore using Qdrant. All tenants share one
// collection; isolation comes from a mandatory tenant_id payload filter
// on every query and delete.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the shared collection and the tenant_id keyword
// index if they do not exist yet
func (s *QdrantStore) EnsureCollection(ctx context.Context, dim int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	// Keyword index on tenant_id keeps the per-tenant filter fast
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "tenant_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("failed to create tenant_id index: %w", err)
	}

	return nil
}

// Upsert inserts or updates points in the shared collection
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]*qdrant.Value{
			"tenant_id":   qdrant.NewValueString(p.Payload.TenantID.String()),
			"document_id": qdrant.NewValueString(p.Payload.DocumentID.String()),
			"chunk_id":    qdrant.NewValueString(p.Payload.ChunkID.String()),
			"chunk_index": qdrant.NewValueInt(int64(p.Payload.ChunkIndex)),
			"filename":    qdrant.NewValueString(p.Payload.Filename),
			"text":        qdrant.NewValueString(p.Payload.Text),
		}
		for k, v := range p.Payload.Metadata {
			payload["meta_"+k] = qdrant.NewValueString(v)
		}

		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID.String()),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs similarity search restricted to a single tenant
func (s *QdrantStore) Search(ctx context.Context, tenantID uuid.UUID, vector []float32, limit int, threshold float32) ([]SearchHit, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(threshold),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("tenant_id", tenantID.String()),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]SearchHit, 0, len(response))
	for _, point := range response {
		hits = append(hits, SearchHit{
			Score:   point.Score,
			Payload: payloadFromQdrant(point.Payload),
		})
	}

	return hits, nil
}

func payloadFromQdrant(values map[string]*qdrant.Value) Payload {
	p := Payload{Metadata: make(map[string]string)}
	for k, v := range values {
		switch k {
		case "tenant_id":
			p.TenantID, _ = uuid.Parse(v.GetStringValue())
		case "document_id":
			p.DocumentID, _ = uuid.Parse(v.GetStringValue())
		case "chunk_id":
			p.ChunkID, _ = uuid.Parse(v.GetStringValue())
		case "chunk_index":
			p.ChunkIndex = int(v.GetIntegerValue())
		case "filename":
			p.Filename = v.GetStringValue()
		case "text":
			p.Text = v.GetStringValue()
		default:
			if len(k) > 5 && k[:5] == "meta_" {
				p.Metadata[k[5:]] = v.GetStringValue()
			}
		}
	}
	return p
}

// Delete removes specific points, but only within the tenant's partition.
// An id belonging to another tenant is left untouched.
func (s *QdrantStore) Delete(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id.String())
	}

	return s.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("tenant_id", tenantID.String()),
			qdrant.NewHasID(pointIDs...),
		},
	})
}

// DeleteByDocument removes all points for one document of one tenant
func (s *QdrantStore) DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	return s.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("tenant_id", tenantID.String()),
			qdrant.NewMatch("document_id", documentID.String()),
		},
	})
}

// DeleteByTenant removes every point belonging to a tenant
func (s *QdrantStore) DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error {
	return s.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("tenant_id", tenantID.String()),
		},
	})
}

func (s *QdrantStore) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: filter,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}

	return nil
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
