// Package memory provides an in-memory queue repository for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/queue"
)

// Repository is an in-memory queue.Repository guarded by a single RWMutex.
// The active index enforces the one-active-item-per-record invariant the
// same way the partial unique index does in Postgres.
type Repository struct {
	mu     sync.RWMutex
	items  map[string]*queue.Item
	active map[string]string // record id -> active item id
}

var _ queue.Repository = (*Repository)(nil)

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		items:  make(map[string]*queue.Item),
		active: make(map[string]string),
	}
}

func (r *Repository) Create(ctx context.Context, item *queue.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item.Status == "" {
		item.Status = queue.StatusPending
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = now
	}

	if _, ok := r.items[item.ID]; ok {
		return fmt.Errorf("queue item %s already exists", item.ID)
	}
	if item.Status.Active() {
		if _, ok := r.active[item.RecordID]; ok {
			return queue.ErrActiveItemExists
		}
		r.active[item.RecordID] = item.ID
	}
	r.items[item.ID] = clone(item)
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*queue.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	return clone(item), nil
}

func (r *Repository) GetActiveByRecord(ctx context.Context, recordID string) (*queue.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[recordID]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	return clone(r.items[id]), nil
}

func (r *Repository) List(ctx context.Context, filter queue.ListFilter) ([]queue.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]queue.Item, 0)
	for _, item := range r.items {
		if filter.Status != nil && item.Status != *filter.Status {
			continue
		}
		out = append(out, *clone(item))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Repository) DequeueCandidates(ctx context.Context, limit int, priority *domain.Priority) ([]queue.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]queue.Item, 0)
	for _, item := range r.items {
		if item.Status != queue.StatusPending || item.ScheduledAt.After(now) {
			continue
		}
		if priority != nil && item.Priority != *priority {
			continue
		}
		out = append(out, *clone(item))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) MarkProcessing(ctx context.Context, id, processorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return queue.ErrItemNotFound
	}
	if item.Status != queue.StatusPending {
		return queue.ErrNotPending
	}

	now := time.Now()
	item.Status = queue.StatusProcessing
	item.ProcessorID = processorID
	item.ProcessingStartedAt = &now
	item.ProcessingCompletedAt = nil
	item.UpdatedAt = now
	return nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return queue.ErrItemNotFound
	}
	if item.Status != queue.StatusProcessing {
		return queue.ErrNotProcessing
	}

	now := time.Now()
	item.Status = queue.StatusCompleted
	item.ProcessingCompletedAt = &now
	item.NextRetryAt = nil
	item.UpdatedAt = now
	delete(r.active, item.RecordID)
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool, baseDelay time.Duration) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	if item.Status != queue.StatusProcessing {
		return nil, queue.ErrNotProcessing
	}

	now := time.Now()
	delay := queue.RetryDelay(baseDelay, item.RetryCount)
	if item.RetryCount < item.MaxRetries {
		item.RetryCount++
	}
	item.Status = queue.StatusFailed
	item.ErrorMessage = errMsg
	item.ProcessingCompletedAt = &now
	item.UpdatedAt = now
	if shouldRetry && item.RetryCount < item.MaxRetries {
		at := now.Add(delay)
		item.NextRetryAt = &at
	} else {
		item.NextRetryAt = nil
	}
	return clone(item), nil
}

func (r *Repository) PromoteDueRetries(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var promoted int64
	for _, item := range r.items {
		if item.Status != queue.StatusFailed || item.NextRetryAt == nil || item.NextRetryAt.After(now) {
			continue
		}
		item.Status = queue.StatusPending
		item.ScheduledAt = *item.NextRetryAt
		item.NextRetryAt = nil
		item.ErrorMessage = ""
		item.ProcessorID = ""
		item.ProcessingStartedAt = nil
		item.ProcessingCompletedAt = nil
		item.UpdatedAt = now
		promoted++
	}
	return promoted, nil
}

func (r *Repository) Requeue(ctx context.Context, id string) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	if item.Status != queue.StatusFailed {
		return nil, queue.ErrNotFailed
	}
	if !item.RetryBudgetLeft() {
		return nil, queue.ErrRetriesExhausted
	}

	now := time.Now()
	item.Status = queue.StatusPending
	item.ScheduledAt = now
	item.NextRetryAt = nil
	item.ErrorMessage = ""
	item.ProcessorID = ""
	item.ProcessingStartedAt = nil
	item.ProcessingCompletedAt = nil
	item.UpdatedAt = now
	return clone(item), nil
}

func (r *Repository) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return queue.ErrItemNotFound
	}
	if item.Status == queue.StatusProcessing {
		return queue.ErrItemProcessing
	}
	if item.Status.Terminal() {
		return queue.ErrItemTerminal
	}

	now := time.Now()
	item.Status = queue.StatusCancelled
	item.NextRetryAt = nil
	item.UpdatedAt = now
	delete(r.active, item.RecordID)
	return nil
}

func (r *Repository) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil
	}
	if r.active[item.RecordID] == id {
		delete(r.active, item.RecordID)
	}
	delete(r.items, id)
	return nil
}

func (r *Repository) Reschedule(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return queue.ErrItemNotFound
	}
	if item.Status != queue.StatusPending {
		return queue.ErrNotPending
	}
	item.ScheduledAt = at
	item.UpdatedAt = time.Now()
	return nil
}

func (r *Repository) UpdatePriority(ctx context.Context, id string, p domain.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return queue.ErrItemNotFound
	}
	if item.Status != queue.StatusPending {
		return queue.ErrNotPending
	}
	item.Priority = p
	item.UpdatedAt = time.Now()
	return nil
}

func (r *Repository) StuckItems(ctx context.Context, olderThan time.Duration) ([]queue.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-olderThan)
	out := make([]queue.Item, 0)
	for _, item := range r.items {
		if isStuck(item, cutoff) {
			out = append(out, *clone(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessingStartedAt.Before(*out[j].ProcessingStartedAt)
	})
	return out, nil
}

func (r *Repository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	now := time.Now()
	var recovered int64
	for _, item := range r.items {
		if !isStuck(item, cutoff) {
			continue
		}
		item.Status = queue.StatusPending
		item.ProcessorID = ""
		item.ProcessingStartedAt = nil
		item.ProcessingCompletedAt = nil
		item.UpdatedAt = now
		recovered++
	}
	return recovered, nil
}

func (r *Repository) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var removed int64
	for id, item := range r.items {
		if !item.Status.Terminal() || !item.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(r.items, id)
		removed++
	}
	return removed, nil
}

func (r *Repository) Stats(ctx context.Context) (*queue.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &queue.Stats{
		ByStatus: map[queue.Status]int64{
			queue.StatusPending:    0,
			queue.StatusProcessing: 0,
			queue.StatusCompleted:  0,
			queue.StatusFailed:     0,
			queue.StatusCancelled:  0,
		},
		ByPriority: map[domain.Priority]int64{
			domain.PriorityCritical: 0,
			domain.PriorityHigh:     0,
			domain.PriorityNormal:   0,
			domain.PriorityLow:      0,
		},
	}
	for _, item := range r.items {
		stats.Total++
		stats.ByStatus[item.Status]++
		stats.ByPriority[item.Priority]++
	}
	return stats, nil
}

func (r *Repository) ProcessingMetrics(ctx context.Context, topN int) (*queue.ProcessingMetrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := &queue.ProcessingMetrics{TopProcessors: make([]queue.ProcessorStat, 0)}
	byProcessor := make(map[string]int64)
	var durSum float64
	var durN int64

	for _, item := range r.items {
		switch item.Status {
		case queue.StatusCompleted:
			m.Completed++
			if item.ProcessorID != "" {
				byProcessor[item.ProcessorID]++
			}
			if item.ProcessingStartedAt != nil && item.ProcessingCompletedAt != nil {
				durSum += float64(item.ProcessingCompletedAt.Sub(*item.ProcessingStartedAt).Milliseconds())
				durN++
			}
		case queue.StatusFailed:
			m.Failed++
		}
	}

	if total := m.Completed + m.Failed; total > 0 {
		m.SuccessRate = float64(m.Completed) / float64(total)
	}
	if durN > 0 {
		m.AvgProcessingMs = durSum / float64(durN)
	}

	for id, n := range byProcessor {
		m.TopProcessors = append(m.TopProcessors, queue.ProcessorStat{ProcessorID: id, Completed: n})
	}
	sort.Slice(m.TopProcessors, func(i, j int) bool {
		if m.TopProcessors[i].Completed != m.TopProcessors[j].Completed {
			return m.TopProcessors[i].Completed > m.TopProcessors[j].Completed
		}
		return m.TopProcessors[i].ProcessorID < m.TopProcessors[j].ProcessorID
	})
	if len(m.TopProcessors) > topN {
		m.TopProcessors = m.TopProcessors[:topN]
	}
	return m, nil
}

func isStuck(item *queue.Item, cutoff time.Time) bool {
	return item.Status == queue.StatusProcessing &&
		item.ProcessingStartedAt != nil &&
		item.ProcessingStartedAt.Before(cutoff)
}

func clone(item *queue.Item) *queue.Item {
	c := *item
	c.NextRetryAt = cloneTime(item.NextRetryAt)
	c.ProcessingStartedAt = cloneTime(item.ProcessingStartedAt)
	c.ProcessingCompletedAt = cloneTime(item.ProcessingCompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
