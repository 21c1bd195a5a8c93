package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/pkg/cache"
)

// Cache keys shared by all service instances.
const (
	statsCacheKey  = "herald:queue:stats"
	pausedCacheKey = "herald:queue:paused"
)

// Config contains queue behavior configuration.
type Config struct {
	// MaxRetries bounds the retry budget of newly enqueued items.
	MaxRetries int
	// RetryDelayBase is the backoff before the first retry; it doubles with
	// every consumed retry.
	RetryDelayBase time.Duration
	// StuckTimeout is how long an item may stay processing before stuck
	// detection reports it.
	StuckTimeout time.Duration
	// StatsTTL bounds the staleness of cached statistics.
	StatsTTL time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryDelayBase: 5 * time.Minute,
		StuckTimeout:   time.Hour,
		StatsTTL:       30 * time.Second,
	}
}

// Service provides queue business logic on top of a Repository: idempotent
// enqueue, conditional state transitions, stuck recovery, cached statistics,
// and the process-wide pause flag.
type Service struct {
	repo    Repository
	records RecordSource
	cache   cache.Cache
	config  Config
	paused  atomic.Bool
}

// NewService creates a queue service. records and c may be nil: without a
// record source enqueue skips the existence check (the store's foreign key
// still applies), and without a cache stats are recomputed on every read and
// pause is process-local.
func NewService(repo Repository, records RecordSource, c cache.Cache, config Config) *Service {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.RetryDelayBase <= 0 {
		config.RetryDelayBase = DefaultConfig().RetryDelayBase
	}
	if config.StuckTimeout <= 0 {
		config.StuckTimeout = DefaultConfig().StuckTimeout
	}
	if config.StatsTTL <= 0 {
		config.StatsTTL = DefaultConfig().StatsTTL
	}
	return &Service{
		repo:    repo,
		records: records,
		cache:   c,
		config:  config,
	}
}

// EnqueueInput describes a delivery to queue.
type EnqueueInput struct {
	RecordID    string
	Priority    domain.Priority
	ScheduledAt *time.Time
	// MaxRetries overrides the configured budget when positive.
	MaxRetries int
}

// Enqueue creates a queue item for a record. Enqueue is idempotent per
// record: if an active item already exists it is returned untouched.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*Item, error) {
	if s.records != nil {
		ok, err := s.records.Exists(ctx, in.RecordID)
		if err != nil {
			return nil, fmt.Errorf("check record: %w", err)
		}
		if !ok {
			return nil, ErrRecordNotFound
		}
	}

	if existing, err := s.repo.GetActiveByRecord(ctx, in.RecordID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrItemNotFound) {
		return nil, err
	}

	now := time.Now()
	item := &Item{
		ID:          uuid.NewString(),
		RecordID:    in.RecordID,
		Status:      StatusPending,
		Priority:    in.Priority,
		ScheduledAt: now,
		MaxRetries:  s.config.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !item.Priority.Valid() {
		item.Priority = domain.PriorityNormal
	}
	if in.ScheduledAt != nil {
		item.ScheduledAt = *in.ScheduledAt
	}
	if in.MaxRetries > 0 {
		item.MaxRetries = in.MaxRetries
	}

	if err := s.repo.Create(ctx, item); err != nil {
		if errors.Is(err, ErrActiveItemExists) {
			// Lost a concurrent race for the same record; the winner is the
			// active item.
			return s.repo.GetActiveByRecord(ctx, in.RecordID)
		}
		return nil, err
	}

	s.invalidateStats(ctx)
	recordEnqueued(string(item.Priority))

	slog.Debug("queue item enqueued",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"priority", item.Priority,
		"scheduled_at", item.ScheduledAt,
	)
	return item, nil
}

// EnqueueBatch enqueues each input best-effort: failures are logged and
// skipped, never abort the batch. Returns the number of items accepted
// (including idempotent hits on existing items).
func (s *Service) EnqueueBatch(ctx context.Context, inputs []EnqueueInput) (int, error) {
	accepted := 0
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		if _, err := s.Enqueue(ctx, in); err != nil {
			slog.Warn("batch enqueue item skipped", "record_id", in.RecordID, "error", err)
			continue
		}
		accepted++
	}
	return accepted, nil
}

// Dequeue returns up to limit pending items due for processing, ordered by
// priority tier (critical first) and scheduled time within a tier.
func (s *Service) Dequeue(ctx context.Context, limit int, priority *domain.Priority) ([]Item, error) {
	return s.repo.DequeueCandidates(ctx, limit, priority)
}

// DequeueNext returns the single most urgent due item, or nil when the queue
// has nothing eligible.
func (s *Service) DequeueNext(ctx context.Context) (*Item, error) {
	items, err := s.repo.DequeueCandidates(ctx, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// MarkProcessing claims an item for processorID. Only a pending item can be
// claimed; of concurrent callers exactly one succeeds and the rest get
// ErrNotPending with the item unchanged.
func (s *Service) MarkProcessing(ctx context.Context, id, processorID string) error {
	if err := s.repo.MarkProcessing(ctx, id, processorID); err != nil {
		return err
	}
	s.invalidateStats(ctx)
	return nil
}

// MarkCompleted finishes a processing item successfully. Completed is
// terminal.
func (s *Service) MarkCompleted(ctx context.Context, id string) error {
	if err := s.repo.MarkCompleted(ctx, id); err != nil {
		return err
	}
	s.invalidateStats(ctx)
	recordProcessed("completed")
	return nil
}

// MarkFailed records a failed attempt. When shouldRetry is set and budget
// remains, the item keeps a next_retry_at and is later promoted back to
// pending; otherwise it stays failed terminally, which is reported, never
// silently dropped.
func (s *Service) MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool) error {
	item, err := s.repo.MarkFailed(ctx, id, errMsg, shouldRetry, s.config.RetryDelayBase)
	if err != nil {
		return err
	}
	s.invalidateStats(ctx)

	if item.NextRetryAt != nil {
		recordProcessed("retry_scheduled")
		slog.Warn("delivery attempt failed, retry scheduled",
			"item_id", item.ID,
			"record_id", item.RecordID,
			"retry_count", item.RetryCount,
			"max_retries", item.MaxRetries,
			"next_retry_at", item.NextRetryAt,
			"error", errMsg,
		)
		return nil
	}

	recordProcessed("failed")
	slog.Error("delivery failed permanently",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"retry_count", item.RetryCount,
		"error", errMsg,
	)
	return nil
}

// Requeue explicitly dispatches a failed item back to pending. Rejected when
// the item is not failed or its retry budget is exhausted.
func (s *Service) Requeue(ctx context.Context, id string) (*Item, error) {
	item, err := s.repo.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidateStats(ctx)
	slog.Info("queue item requeued", "item_id", id, "retry_count", item.RetryCount)
	return item, nil
}

// PromoteDueRetries dispatches failed items whose retry time has come back
// to pending.
func (s *Service) PromoteDueRetries(ctx context.Context) (int64, error) {
	n, err := s.repo.PromoteDueRetries(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.invalidateStats(ctx)
		slog.Debug("due retries promoted", "count", n)
	}
	return n, nil
}

// Cancel cancels a pending or failed item. A processing item can never be
// cancelled directly: wait for the attempt or let stuck recovery reap it.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.repo.Cancel(ctx, id); err != nil {
		return err
	}
	s.invalidateStats(ctx)
	slog.Info("queue item cancelled", "item_id", id)
	return nil
}

// Remove deletes an item regardless of status. Removing an unknown id is a
// no-op.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.Remove(ctx, id); err != nil {
		return err
	}
	s.invalidateStats(ctx)
	return nil
}

// Reschedule moves a pending item's eligibility time.
func (s *Service) Reschedule(ctx context.Context, id string, at time.Time) error {
	if err := s.repo.Reschedule(ctx, id, at); err != nil {
		return err
	}
	s.invalidateStats(ctx)
	return nil
}

// UpdatePriority changes a pending item's priority tier.
func (s *Service) UpdatePriority(ctx context.Context, id string, p domain.Priority) error {
	if !p.Valid() {
		return fmt.Errorf("unknown priority %q", p)
	}
	if err := s.repo.UpdatePriority(ctx, id, p); err != nil {
		return err
	}
	s.invalidateStats(ctx)
	return nil
}

// Get returns an item by id.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByRecord returns the active item for a record.
func (s *Service) GetByRecord(ctx context.Context, recordID string) (*Item, error) {
	return s.repo.GetActiveByRecord(ctx, recordID)
}

// List returns items matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Item, error) {
	return s.repo.List(ctx, filter)
}

// StuckItems reports items processing for longer than the configured
// timeout, indicating a crashed or lost processor.
func (s *Service) StuckItems(ctx context.Context) ([]Item, error) {
	return s.repo.StuckItems(ctx, s.config.StuckTimeout)
}

// RecoverStuck resets stuck items to pending with cleared ownership so they
// are picked up again.
func (s *Service) RecoverStuck(ctx context.Context) (int64, error) {
	n, err := s.repo.RecoverStuck(ctx, s.config.StuckTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.invalidateStats(ctx)
		recordStuckRecovered(n)
		slog.Warn("stuck queue items recovered", "count", n, "stuck_timeout", s.config.StuckTimeout)
	}
	return n, nil
}

// Cleanup deletes terminal items older than retention and returns the count.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.repo.CleanupTerminal(ctx, retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.invalidateStats(ctx)
		slog.Info("old queue items cleaned up", "count", n, "retention", retention)
	}
	return n, nil
}

// Stats returns item counts by status and priority. Results are cached with
// a short TTL and the cache is invalidated on every mutation, so staleness
// is bounded by the TTL. A missing or failing cache degrades to recompute.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, statsCacheKey)
		if err != nil {
			slog.Debug("stats cache read failed", "error", err)
		} else if data != nil {
			var st Stats
			if err := msgpack.Unmarshal(data, &st); err == nil {
				return &st, nil
			}
		}
	}

	st, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := msgpack.Marshal(st); err == nil {
			if err := s.cache.Set(ctx, statsCacheKey, data, s.config.StatsTTL); err != nil {
				slog.Debug("stats cache write failed", "error", err)
			}
		}
	}
	return st, nil
}

// ProcessingMetrics aggregates success rate, average attempt duration and
// the busiest processors over finished items.
func (s *Service) ProcessingMetrics(ctx context.Context, topN int) (*ProcessingMetrics, error) {
	if topN <= 0 {
		topN = 5
	}
	return s.repo.ProcessingMetrics(ctx, topN)
}

// Pause stops batch processing before the next cycle. Attempts already in
// flight finish normally. The flag is mirrored to the cache so every
// process sees it.
func (s *Service) Pause(ctx context.Context) {
	s.paused.Store(true)
	if s.cache != nil {
		if err := s.cache.Set(ctx, pausedCacheKey, []byte("1"), 0); err != nil {
			slog.Warn("failed to mirror pause flag to cache", "error", err)
		}
	}
	slog.Info("queue processing paused")
}

// Resume re-enables batch processing.
func (s *Service) Resume(ctx context.Context) {
	s.paused.Store(false)
	if s.cache != nil {
		if err := s.cache.Remove(ctx, pausedCacheKey); err != nil {
			slog.Warn("failed to clear pause flag in cache", "error", err)
		}
	}
	slog.Info("queue processing resumed")
}

// IsPaused reports whether batch processing is paused, either locally or by
// another process via the shared cache. Cache failures degrade to the local
// flag.
func (s *Service) IsPaused(ctx context.Context) bool {
	if s.paused.Load() {
		return true
	}
	if s.cache == nil {
		return false
	}
	data, err := s.cache.Get(ctx, pausedCacheKey)
	if err != nil {
		return false
	}
	return string(data) == "1"
}

// StuckTimeout exposes the configured stuck threshold.
func (s *Service) StuckTimeout() time.Duration {
	return s.config.StuckTimeout
}

func (s *Service) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remove(ctx, statsCacheKey); err != nil {
		slog.Debug("stats cache invalidation failed", "error", err)
	}
}
