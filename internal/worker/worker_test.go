package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
)

// panicOnceHandler panics on the first message and cancels the context on
// the second so Run returns.
type panicOnceHandler struct {
	calls  int
	cancel context.CancelFunc
}

func (h *panicOnceHandler) Kind() repository.JobKind { return repository.JobExtract }

func (h *panicOnceHandler) Handle(_ context.Context, _ *queue.Message) error {
	h.calls++
	if h.calls == 1 {
		panic("boom")
	}
	h.cancel()
	return nil
}

func TestWorker_PausesAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewMemoryQueue()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := &panicOnceHandler{cancel: cancel}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tenantID := uuid.New()
	for i := 0; i < 2; i++ {
		msg := &queue.Message{
			TenantID:   tenantID,
			DocumentID: uuid.New(),
			Kind:       repository.JobExtract,
			Extract:    &queue.ExtractPayload{FilePath: "p", Filename: "f.txt"},
		}
		if err := q.Enqueue(ctx, msg); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	w := NewWorker(q, h, clk, time.Second, logger)
	w.Run(ctx)

	if h.calls != 2 {
		t.Fatalf("handler called %d times, want 2", h.calls)
	}

	// The worker waits before dequeuing again after a recovered panic
	slept := clk.Slept()
	if len(slept) != 1 {
		t.Fatalf("recorded %d sleeps, want 1: %v", len(slept), slept)
	}
	if slept[0] != panicPause {
		t.Errorf("pause after panic = %v, want %v", slept[0], panicPause)
	}
}
