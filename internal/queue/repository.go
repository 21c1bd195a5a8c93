package queue

import (
	"context"
	"time"

	"github.com/avolkhin/herald/internal/domain"
)

// Repository is the storage contract for queue items.
//
// Conditional transitions must be applied atomically by the store:
// MarkProcessing succeeds only from pending and is the global
// mutual-exclusion point that prevents two processors from running the same
// delivery. MarkFailed applies the retry accounting (increment, backoff,
// budget check) in a single update.
type Repository interface {
	Create(ctx context.Context, item *Item) error
	GetByID(ctx context.Context, id string) (*Item, error)
	GetActiveByRecord(ctx context.Context, recordID string) (*Item, error)
	List(ctx context.Context, filter ListFilter) ([]Item, error)

	// DequeueCandidates returns up to limit pending items due for processing
	// (scheduled_at <= now), ordered by priority tier then scheduled time.
	// A non-nil priority restricts the result to that tier.
	DequeueCandidates(ctx context.Context, limit int, priority *domain.Priority) ([]Item, error)

	MarkProcessing(ctx context.Context, id, processorID string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool, baseDelay time.Duration) (*Item, error)

	// PromoteDueRetries moves failed items whose next_retry_at has passed
	// back to pending and returns how many were promoted.
	PromoteDueRetries(ctx context.Context) (int64, error)
	Requeue(ctx context.Context, id string) (*Item, error)

	Cancel(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, at time.Time) error
	UpdatePriority(ctx context.Context, id string, p domain.Priority) error

	StuckItems(ctx context.Context, olderThan time.Duration) ([]Item, error)
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error)

	Stats(ctx context.Context) (*Stats, error)
	ProcessingMetrics(ctx context.Context, topN int) (*ProcessingMetrics, error)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status *Status
	Limit  int
}

// RecordSource reports whether a delivery record exists. Enqueue refuses
// items for unknown records when a source is configured.
type RecordSource interface {
	Exists(ctx context.Context, recordID string) (bool, error)
}
