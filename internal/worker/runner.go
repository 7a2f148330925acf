package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
)

// RetryConfig bounds the retry loop of a stage runner.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BackoffBase is the exponential backoff base; the k-th retry waits
	// BackoffBase^k seconds.
	BackoffBase float64

	// MaxBackoff caps a single backoff wait.
	MaxBackoff time.Duration
}

// stage describes one pipeline stage for the runner. action does the
// stage's work and returns the messages to enqueue downstream on success.
type stage struct {
	kind repository.JobKind

	// firstAttempt runs once before the job row is created, on attempt
	// zero only. Extract uses it to move the document to processing.
	firstAttempt func(ctx context.Context, msg *queue.Message) error

	action func(ctx context.Context, msg *queue.Message) ([]*queue.Message, error)

	// onSuccess runs after downstream messages are enqueued. Embed uses
	// it to complete the document when the last chunk lands.
	onSuccess func(ctx context.Context, msg *queue.Message) error
}

// runner executes a stage with job bookkeeping and bounded retries. The
// whole retry loop runs inside one message delivery; the job row is
// created on the first attempt and updated in place on each retry.
type runner struct {
	stage  stage
	docs   repository.DocumentRepository
	jobs   repository.JobRepository
	queue  queue.Queue
	clock  clock.Clock
	retry  RetryConfig
	logger *slog.Logger
}

func newRunner(st stage, docs repository.DocumentRepository, jobs repository.JobRepository,
	q queue.Queue, clk clock.Clock, retry RetryConfig, logger *slog.Logger) *runner {
	if retry.BackoffBase <= 1 {
		retry.BackoffBase = 2
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = time.Minute
	}
	return &runner{
		stage:  st,
		docs:   docs,
		jobs:   jobs,
		queue:  q,
		clock:  clk,
		retry:  retry,
		logger: logger.With("stage", st.kind),
	}
}

// jobID derives a stable id for the (document, stage) pair so retries and
// redeliveries update one row. Embed jobs are per chunk and fold the
// chunk id in.
func (r *runner) jobID(msg *queue.Message) uuid.UUID {
	key := fmt.Sprintf("%s:%s", msg.DocumentID, msg.Kind)
	if msg.Kind == repository.JobEmbed && msg.Embed != nil {
		key = fmt.Sprintf("%s:%s", key, msg.Embed.ChunkID)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
}

func (r *runner) run(ctx context.Context, msg *queue.Message) error {
	jobID := r.jobID(msg)
	logger := r.logger.With(
		"tenant_id", msg.TenantID,
		"document_id", msg.DocumentID,
		"job_id", jobID)

	if r.stage.firstAttempt != nil {
		if err := r.stage.firstAttempt(ctx, msg); err != nil {
			return err
		}
	}

	docID := msg.DocumentID
	now := r.clock.Now()
	err := r.jobs.Upsert(ctx, &repository.Job{
		ID:         jobID,
		TenantID:   msg.TenantID,
		DocumentID: &docID,
		Kind:       msg.Kind,
		Status:     repository.JobProcessing,
		RetryCount: 0,
		MaxRetries: r.retry.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	for attempt := 0; ; attempt++ {
		downstream, actionErr := r.stage.action(ctx, msg)
		if actionErr == nil {
			return r.succeed(ctx, jobID, msg, downstream, logger)
		}

		if IsPermanent(actionErr) {
			logger.Warn("permanent failure", "error", actionErr)
			return r.fail(ctx, jobID, msg, actionErr)
		}

		retryCount := attempt + 1
		if retryCount > r.retry.MaxRetries {
			logger.Warn("retries exhausted", "attempts", attempt+1, "error", actionErr)
			return r.fail(ctx, jobID, msg, actionErr)
		}

		if err := r.jobs.SetRetry(ctx, jobID, retryCount); err != nil {
			return fmt.Errorf("failed to record retry: %w", err)
		}

		wait := r.backoff(retryCount)
		logger.Info("retrying", "retry", retryCount, "backoff", wait, "error", actionErr)
		if err := r.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *runner) succeed(ctx context.Context, jobID uuid.UUID, msg *queue.Message,
	downstream []*queue.Message, logger *slog.Logger) error {
	if err := r.jobs.SetStatus(ctx, jobID, repository.JobCompleted, ""); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	for _, next := range downstream {
		if err := r.queue.Enqueue(ctx, next); err != nil {
			return fmt.Errorf("failed to enqueue %s message: %w", next.Kind, err)
		}
	}

	if r.stage.onSuccess != nil {
		if err := r.stage.onSuccess(ctx, msg); err != nil {
			return err
		}
	}

	logger.Info("stage completed", "downstream", len(downstream))
	return nil
}

// fail marks the job failed and moves the document to failed. A document
// already in a terminal state stays where it is.
func (r *runner) fail(ctx context.Context, jobID uuid.UUID, msg *queue.Message, cause error) error {
	if err := r.jobs.SetStatus(ctx, jobID, repository.JobFailed, cause.Error()); err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}

	if err := r.docs.SetStatus(ctx, msg.DocumentID, repository.DocumentFailed); err != nil {
		if !errors.Is(err, repository.ErrInvalidTransition) && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to mark document failed: %w", err)
		}
	}

	return cause
}

func (r *runner) backoff(retry int) time.Duration {
	seconds := math.Pow(r.retry.BackoffBase, float64(retry))
	wait := time.Duration(seconds * float64(time.Second))
	if wait > r.retry.MaxBackoff || wait <= 0 {
		wait = r.retry.MaxBackoff
	}
	return wait
}
