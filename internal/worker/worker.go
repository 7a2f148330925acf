// Package worker runs the pipeline stages. Each stage has a pool of
// workers polling the stage's queue; a stage runner executes the handler
// with job bookkeeping and bounded retries.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
)

// Handler processes one message of a single stage.
type Handler interface {
	Kind() repository.JobKind
	Handle(ctx context.Context, msg *queue.Message) error
}

// panicPause is how long a worker waits after recovering from a handler
// panic before dequeuing again.
const panicPause = 5 * time.Second

// Worker polls one stage's queue and hands messages to the handler.
type Worker struct {
	queue   queue.Queue
	handler Handler
	clock   clock.Clock
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a worker for the handler's stage.
func NewWorker(q queue.Queue, h Handler, clk clock.Clock, poll time.Duration, logger *slog.Logger) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		queue:   q,
		handler: h,
		clock:   clk,
		poll:    poll,
		logger:  logger.With("stage", h.Kind()),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := w.queue.Dequeue(ctx, w.handler.Kind())
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			if err := w.clock.Sleep(ctx, w.poll); err != nil {
				return
			}
			continue
		}

		if msg == nil {
			if err := w.clock.Sleep(ctx, w.poll); err != nil {
				return
			}
			continue
		}

		if w.handle(ctx, msg) {
			if err := w.clock.Sleep(ctx, panicPause); err != nil {
				return
			}
		}
	}
}

// handle runs the handler for one message and reports whether it panicked.
func (w *Worker) handle(ctx context.Context, msg *queue.Message) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			w.logger.Error("handler panicked",
				"tenant_id", msg.TenantID,
				"document_id", msg.DocumentID,
				"panic", fmt.Sprintf("%v", r))
		}
	}()

	if err := w.handler.Handle(ctx, msg); err != nil {
		w.logger.Error("message failed",
			"tenant_id", msg.TenantID,
			"document_id", msg.DocumentID,
			"error", err)
	}
	return false
}

// Pool runs a fixed number of workers for one stage.
type Pool struct {
	workers []*Worker
}

// NewPool creates n workers sharing the same handler.
func NewPool(n int, q queue.Queue, h Handler, clk clock.Clock, poll time.Duration, logger *slog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = NewWorker(q, h, clk, poll, logger)
	}
	return &Pool{workers: workers}
}

// Run starts all workers and blocks until they stop.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
}
