// Package queue provides the tenant-partitioned priority job queue that
// feeds the pipeline workers. Each (tenant, stage) pair has its own queue;
// dequeuing round-robins across tenants so no tenant can starve another.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/repository"
)

// ExtractPayload carries the inputs of an extract job.
type ExtractPayload struct {
	FilePath string `json:"file_path"`
	Filename string `json:"filename"`
}

// ChunkPayload carries the inputs of a chunk job.
type ChunkPayload struct {
	TextPath string `json:"text_path"`
	Filename string `json:"filename"`
}

// EmbedPayload carries the inputs of an embed job.
type EmbedPayload struct {
	ChunkID   uuid.UUID `json:"chunk_id"`
	ChunkPath string    `json:"chunk_path"`
	Filename  string    `json:"filename"`
}

// Message is one unit of pipeline work. Exactly one of the payload fields
// is set, matching Kind.
type Message struct {
	TenantID   uuid.UUID
	DocumentID uuid.UUID
	Kind       repository.JobKind
	Priority   float64
	Attempt    int

	Extract *ExtractPayload
	Chunk   *ChunkPayload
	Embed   *EmbedPayload
}

// wireMessage is the JSON encoding of a Message. The payload field holds
// the kind-specific payload.
type wireMessage struct {
	TenantID   uuid.UUID          `json:"tenant_id"`
	DocumentID uuid.UUID          `json:"document_id"`
	Kind       repository.JobKind `json:"kind"`
	Priority   float64            `json:"priority"`
	Attempt    int                `json:"attempt"`
	Payload    json.RawMessage    `json:"payload"`
}

// MarshalJSON encodes the message with its kind-specific payload.
func (m *Message) MarshalJSON() ([]byte, error) {
	var payload any
	switch m.Kind {
	case repository.JobExtract:
		payload = m.Extract
	case repository.JobChunk:
		payload = m.Chunk
	case repository.JobEmbed:
		payload = m.Embed
	default:
		return nil, fmt.Errorf("unknown job kind %q", m.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		TenantID:   m.TenantID,
		DocumentID: m.DocumentID,
		Kind:       m.Kind,
		Priority:   m.Priority,
		Attempt:    m.Attempt,
		Payload:    raw,
	})
}

// UnmarshalJSON decodes the message, selecting the payload type by kind.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.TenantID = w.TenantID
	m.DocumentID = w.DocumentID
	m.Kind = w.Kind
	m.Priority = w.Priority
	m.Attempt = w.Attempt
	m.Extract, m.Chunk, m.Embed = nil, nil, nil

	switch w.Kind {
	case repository.JobExtract:
		m.Extract = &ExtractPayload{}
		return json.Unmarshal(w.Payload, m.Extract)
	case repository.JobChunk:
		m.Chunk = &ChunkPayload{}
		return json.Unmarshal(w.Payload, m.Chunk)
	case repository.JobEmbed:
		m.Embed = &EmbedPayload{}
		return json.Unmarshal(w.Payload, m.Embed)
	default:
		return fmt.Errorf("unknown job kind %q", w.Kind)
	}
}

// Queue is the pipeline job queue.
type Queue interface {
	// Enqueue adds a message to its tenant's queue for the message's kind.
	Enqueue(ctx context.Context, msg *Message) error

	// Dequeue pops the highest-priority message of the given kind from the
	// next tenant in round-robin order. Returns (nil, nil) when every
	// tenant's queue for the kind is empty.
	Dequeue(ctx context.Context, kind repository.JobKind) (*Message, error)

	// DequeueFrom pops the highest-priority message of the given kind from
	// one specific tenant's queue. Returns (nil, nil) when empty.
	DequeueFrom(ctx context.Context, tenantID uuid.UUID, kind repository.JobKind) (*Message, error)

	// Size returns the number of queued messages of the given kind.
	// With tenantID == uuid.Nil it counts across all tenants.
	Size(ctx context.Context, tenantID uuid.UUID, kind repository.JobKind) (int, error)

	// Clear drops all queued messages of the given kind for a tenant and
	// returns the number dropped.
	Clear(ctx context.Context, tenantID uuid.UUID, kind repository.JobKind) (int, error)
}
