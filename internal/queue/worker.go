package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResultStatus is the outcome of a delivery attempt.
type ResultStatus string

const (
	// ResultSent means the attempt was handed off to the channel.
	ResultSent ResultStatus = "sent"
	// ResultDelivered means the channel confirmed receipt.
	ResultDelivered ResultStatus = "delivered"
	// ResultFailed means the attempt did not go through.
	ResultFailed ResultStatus = "failed"
)

// Result describes the outcome of one delivery attempt.
type Result struct {
	Status  ResultStatus
	Message string
}

// Executor performs the actual delivery for a record. Implementations update
// the record's own delivery state; the queue only tracks attempt lifecycle.
type Executor interface {
	Deliver(ctx context.Context, recordID string) (Result, error)
}

// RetryableError wraps a delivery error with an explicit retryability
// decision.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports the wrapped decision.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

// NewRetryableError creates an error that should be retried.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates an error that must not be retried.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable reports whether a delivery error warrants a retry. Errors that
// carry no explicit decision are treated as retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// BatchSize caps the number of items claimed per cycle.
	BatchSize int
	// PollInterval is the pause between processing cycles.
	PollInterval time.Duration
	// NumWorkers is the number of concurrent processing loops.
	NumWorkers int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    100,
		PollInterval: 5 * time.Second,
		NumWorkers:   1,
	}
}

// Worker polls the queue and drives delivery attempts through an Executor.
// Each loop claims items via MarkProcessing, so any number of workers and
// processes can run against the same queue.
type Worker struct {
	service  *Service
	executor Executor
	config   WorkerConfig
	id       string
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a queue worker pool.
func NewWorker(service *Service, executor Executor, config WorkerConfig) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultWorkerConfig().NumWorkers
	}
	return &Worker{
		service:  service,
		executor: executor,
		config:   config,
		id:       "worker-" + uuid.NewString()[:8],
		stopCh:   make(chan struct{}),
	}
}

// Start launches the processing loops.
func (w *Worker) Start() {
	for n := 0; n < w.config.NumWorkers; n++ {
		processorID := fmt.Sprintf("%s-%d", w.id, n)
		w.wg.Add(1)
		go w.run(processorID)
	}
	slog.Info("queue worker started",
		"worker_id", w.id,
		"num_workers", w.config.NumWorkers,
		"poll_interval", w.config.PollInterval,
		"batch_size", w.config.BatchSize,
	)
}

// Stop signals the loops to finish and waits for in-flight attempts.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("queue worker stopped", "worker_id", w.id)
}

func (w *Worker) run(processorID string) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.ProcessBatch(context.Background(), processorID); err != nil {
				slog.Error("queue processing cycle failed", "processor_id", processorID, "error", err)
			}
		}
	}
}

// ProcessBatch runs one processing cycle for processorID: promote due
// retries, claim a batch of due items, and attempt each delivery. A paused
// queue processes nothing. One item's failure never aborts the rest of the
// batch. Returns the number of items this cycle claimed.
func (w *Worker) ProcessBatch(ctx context.Context, processorID string) (int, error) {
	if w.service.IsPaused(ctx) {
		return 0, nil
	}

	if _, err := w.service.PromoteDueRetries(ctx); err != nil {
		slog.Error("failed to promote due retries", "error", err)
	}

	items, err := w.service.Dequeue(ctx, w.config.BatchSize, nil)
	if err != nil {
		return 0, fmt.Errorf("dequeue batch: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	claimed := 0
	for i := range items {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		if w.processItem(ctx, &items[i], processorID) {
			claimed++
		}
	}

	slog.Debug("processed queue batch", "processor_id", processorID, "claimed", claimed, "candidates", len(items))
	return claimed, nil
}

// processItem claims and attempts one item. Reports whether the claim
// succeeded.
func (w *Worker) processItem(ctx context.Context, item *Item, processorID string) bool {
	if err := w.service.MarkProcessing(ctx, item.ID, processorID); err != nil {
		if errors.Is(err, ErrNotPending) || errors.Is(err, ErrItemNotFound) {
			// Another processor got there first.
			return false
		}
		slog.Error("failed to claim queue item", "item_id", item.ID, "error", err)
		return false
	}

	start := time.Now()
	result, err := w.executor.Deliver(ctx, item.RecordID)
	elapsed := time.Since(start)

	if err != nil {
		recordAttemptDuration("failure", elapsed)
		w.failItem(ctx, item, err.Error(), IsRetryable(err))
		return true
	}

	switch result.Status {
	case ResultSent, ResultDelivered:
		recordAttemptDuration("success", elapsed)
		if err := w.service.MarkCompleted(ctx, item.ID); err != nil {
			slog.Error("failed to mark item completed", "item_id", item.ID, "error", err)
		}
	case ResultFailed:
		recordAttemptDuration("failure", elapsed)
		w.failItem(ctx, item, result.Message, true)
	default:
		recordAttemptDuration("failure", elapsed)
		w.failItem(ctx, item, fmt.Sprintf("executor returned unknown status %q", result.Status), false)
	}
	return true
}

func (w *Worker) failItem(ctx context.Context, item *Item, msg string, shouldRetry bool) {
	if err := w.service.MarkFailed(ctx, item.ID, msg, shouldRetry); err != nil {
		slog.Error("failed to mark item failed", "item_id", item.ID, "error", err)
	}
}
