package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/repository"
)

type queueID struct {
	tenantID uuid.UUID
	kind     repository.JobKind
}

type item struct {
	msg      *Message
	priority float64
	seq      uint64
}

// msgHeap orders by priority descending, then arrival order ascending.
type msgHeap []*item

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// MemoryQueue implements Queue in process, for tests and development.
type MemoryQueue struct {
	mu      sync.Mutex
	queues  map[queueID]*msgHeap
	cursors map[repository.JobKind]int
	seq     uint64
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:  make(map[queueID]*msgHeap),
		cursors: make(map[repository.JobKind]int),
	}
}

// Enqueue adds a message to its tenant's queue.
func (q *MemoryQueue) Enqueue(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := queueID{tenantID: msg.TenantID, kind: msg.Kind}
	h, ok := q.queues[id]
	if !ok {
		h = &msgHeap{}
		q.queues[id] = h
	}

	q.seq++
	cp := *msg
	heap.Push(h, &item{msg: &cp, priority: msg.Priority, seq: q.seq})
	return nil
}

// Dequeue pops from the next non-empty tenant queue in round-robin order.
func (q *MemoryQueue) Dequeue(_ context.Context, kind repository.JobKind) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tenants := q.tenantsLocked(kind)
	if len(tenants) == 0 {
		return nil, nil
	}

	start := q.cursors[kind] % len(tenants)
	for i := 0; i < len(tenants); i++ {
		idx := (start + i) % len(tenants)
		if msg := q.popLocked(queueID{tenantID: tenants[idx], kind: kind}); msg != nil {
			q.cursors[kind] = idx + 1
			return msg, nil
		}
	}
	return nil, nil
}

// DequeueFrom pops from one specific tenant's queue.
func (q *MemoryQueue) DequeueFrom(_ context.Context, tenantID uuid.UUID, kind repository.JobKind) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked(queueID{tenantID: tenantID, kind: kind}), nil
}

// Size counts queued messages for a tenant, or all tenants with uuid.Nil.
func (q *MemoryQueue) Size(_ context.Context, tenantID uuid.UUID, kind repository.JobKind) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if tenantID != uuid.Nil {
		if h, ok := q.queues[queueID{tenantID: tenantID, kind: kind}]; ok {
			return h.Len(), nil
		}
		return 0, nil
	}

	total := 0
	for id, h := range q.queues {
		if id.kind == kind {
			total += h.Len()
		}
	}
	return total, nil
}

// Clear drops a tenant's queue for the kind.
func (q *MemoryQueue) Clear(_ context.Context, tenantID uuid.UUID, kind repository.JobKind) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := queueID{tenantID: tenantID, kind: kind}
	h, ok := q.queues[id]
	if !ok {
		return 0, nil
	}
	n := h.Len()
	delete(q.queues, id)
	return n, nil
}

func (q *MemoryQueue) popLocked(id queueID) *Message {
	h, ok := q.queues[id]
	if !ok || h.Len() == 0 {
		return nil
	}
	it := heap.Pop(h).(*item)
	if h.Len() == 0 {
		delete(q.queues, id)
	}
	return it.msg
}

// tenantsLocked lists tenants with a queue for the kind, sorted for a
// stable round-robin order.
func (q *MemoryQueue) tenantsLocked(kind repository.JobKind) []uuid.UUID {
	tenants := make([]uuid.UUID, 0)
	for id, h := range q.queues {
		if id.kind == kind && h.Len() > 0 {
			tenants = append(tenants, id.tenantID)
		}
	}
	sort.Slice(tenants, func(i, j int) bool {
		return tenants[i].String() < tenants[j].String()
	})
	return tenants
}

// Ensure MemoryQueue implements Queue
var _ Queue = (*MemoryQueue)(nil)
