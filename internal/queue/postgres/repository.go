// Package postgres provides PostgreSQL implementation of the queue repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/queue"
)

const itemColumns = `id, record_id, status, priority, scheduled_at, retry_count, max_retries,
		next_retry_at, processing_started_at, processing_completed_at, processor_id, error_message,
		created_at, updated_at`

// Repository implements queue.Repository using PostgreSQL. Conditional
// transitions are single UPDATE statements guarded by the current status, so
// concurrent processors race safely at the database.
type Repository struct {
	db *pgxpool.Pool
}

var _ queue.Repository = (*Repository)(nil)

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a queue item. The partial unique index on record_id rejects
// a second active item for the same record, reported as ErrActiveItemExists.
func (r *Repository) Create(ctx context.Context, item *queue.Item) error {
	if item.Status == "" {
		item.Status = queue.StatusPending
	}
	query := `
		INSERT INTO queue_items (id, record_id, status, priority, scheduled_at, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (record_id) WHERE status IN ('pending', 'processing', 'failed') DO NOTHING
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		item.ID,
		item.RecordID,
		item.Status,
		item.Priority,
		item.ScheduledAt,
		item.RetryCount,
		item.MaxRetries,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ErrActiveItemExists
		}
		return fmt.Errorf("create queue item: %w", err)
	}
	return nil
}

// GetByID retrieves a queue item by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*queue.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// GetActiveByRecord retrieves the active (pending, processing or failed)
// queue item for a delivery record.
func (r *Repository) GetActiveByRecord(ctx context.Context, recordID string) (*queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE record_id = $1 AND status IN ('pending', 'processing', 'failed')
	`
	item, err := scanItem(r.db.QueryRow(ctx, query, recordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("get active queue item: %w", err)
	}
	return item, nil
}

// List retrieves queue items matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter queue.ListFilter) ([]queue.Item, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	var err error
	if filter.Status != nil {
		query := `
			SELECT ` + itemColumns + `
			FROM queue_items
			WHERE status = $2
			ORDER BY created_at DESC
			LIMIT $1
		`
		rows, err = r.db.Query(ctx, query, limit, *filter.Status)
	} else {
		query := `
			SELECT ` + itemColumns + `
			FROM queue_items
			ORDER BY created_at DESC
			LIMIT $1
		`
		rows, err = r.db.Query(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// DequeueCandidates returns up to limit due pending items ordered by
// priority tier, ties broken by scheduled time.
func (r *Repository) DequeueCandidates(ctx context.Context, limit int, priority *domain.Priority) ([]queue.Item, error) {
	if limit <= 0 {
		limit = 1
	}

	var rows pgx.Rows
	var err error
	if priority != nil {
		query := `
			SELECT ` + itemColumns + `
			FROM queue_items
			WHERE status = 'pending' AND scheduled_at <= NOW() AND priority = $2
			ORDER BY scheduled_at ASC
			LIMIT $1
		`
		rows, err = r.db.Query(ctx, query, limit, *priority)
	} else {
		query := `
			SELECT ` + itemColumns + `
			FROM queue_items
			WHERE status = 'pending' AND scheduled_at <= NOW()
			ORDER BY
				CASE priority
					WHEN 'critical' THEN 0
					WHEN 'high' THEN 1
					WHEN 'normal' THEN 2
					ELSE 3
				END,
				scheduled_at ASC
			LIMIT $1
		`
		rows, err = r.db.Query(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue candidates: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// MarkProcessing claims a pending item for a processor. The status guard in
// the WHERE clause is the mutual-exclusion point: of concurrent claims on
// one item exactly one UPDATE matches.
func (r *Repository) MarkProcessing(ctx context.Context, id, processorID string) error {
	query := `
		UPDATE queue_items
		SET status = 'processing', processor_id = $2, processing_started_at = NOW(),
		    processing_completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id, processorID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id, queue.ErrNotPending)
	}
	return nil
}

// MarkCompleted finishes a processing item successfully.
func (r *Repository) MarkCompleted(ctx context.Context, id string) error {
	query := `
		UPDATE queue_items
		SET status = 'completed', processing_completed_at = NOW(), next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id, queue.ErrNotProcessing)
	}
	return nil
}

// MarkFailed records a failed attempt on a processing item: increments the
// retry counter and schedules the next retry with exponential backoff while
// budget remains.
func (r *Repository) MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool, baseDelay time.Duration) (*queue.Item, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var retryCount, maxRetries int
	lockQuery := `SELECT retry_count, max_retries FROM queue_items WHERE id = $1 AND status = 'processing' FOR UPDATE`
	err = tx.QueryRow(ctx, lockQuery, id).Scan(&retryCount, &maxRetries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.transitionError(ctx, id, queue.ErrNotProcessing)
		}
		return nil, fmt.Errorf("lock queue item: %w", err)
	}

	delay := queue.RetryDelay(baseDelay, retryCount)
	if retryCount < maxRetries {
		retryCount++
	}
	var nextRetryAt *time.Time
	if shouldRetry && retryCount < maxRetries {
		at := time.Now().Add(delay)
		nextRetryAt = &at
	}

	updateQuery := `
		UPDATE queue_items
		SET status = 'failed', error_message = $2, retry_count = $3, next_retry_at = $4,
		    processing_completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + itemColumns + `
	`
	item, err := scanItem(tx.QueryRow(ctx, updateQuery, id, errMsg, retryCount, nextRetryAt))
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return item, nil
}

// PromoteDueRetries dispatches failed items whose retry time has passed back
// to pending, clearing the last error and processor ownership.
func (r *Repository) PromoteDueRetries(ctx context.Context) (int64, error) {
	query := `
		UPDATE queue_items
		SET status = 'pending', scheduled_at = next_retry_at, next_retry_at = NULL,
		    error_message = '', processor_id = '', processing_started_at = NULL,
		    processing_completed_at = NULL, updated_at = NOW()
		WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= NOW()
	`
	result, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("promote due retries: %w", err)
	}
	return result.RowsAffected(), nil
}

// Requeue dispatches a failed item back to pending immediately.
func (r *Repository) Requeue(ctx context.Context, id string) (*queue.Item, error) {
	query := `
		UPDATE queue_items
		SET status = 'pending', scheduled_at = NOW(), next_retry_at = NULL,
		    error_message = '', processor_id = '', processing_started_at = NULL,
		    processing_completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries
		RETURNING ` + itemColumns + `
	`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.requeueError(ctx, id)
		}
		return nil, fmt.Errorf("requeue queue item: %w", err)
	}
	return item, nil
}

// Cancel cancels a pending or failed item.
func (r *Repository) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE queue_items
		SET status = 'cancelled', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.cancelError(ctx, id)
	}
	return nil
}

// Remove deletes a queue item regardless of status. Removing an unknown id
// is a no-op.
func (r *Repository) Remove(ctx context.Context, id string) error {
	query := `DELETE FROM queue_items WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("remove queue item: %w", err)
	}
	return nil
}

// Reschedule moves a pending item's eligibility time.
func (r *Repository) Reschedule(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE queue_items
		SET scheduled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("reschedule queue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id, queue.ErrNotPending)
	}
	return nil
}

// UpdatePriority changes a pending item's priority tier.
func (r *Repository) UpdatePriority(ctx context.Context, id string, p domain.Priority) error {
	query := `
		UPDATE queue_items
		SET priority = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id, p)
	if err != nil {
		return fmt.Errorf("update queue item priority: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id, queue.ErrNotPending)
	}
	return nil
}

// StuckItems reports items processing for longer than olderThan, oldest
// first.
func (r *Repository) StuckItems(ctx context.Context, olderThan time.Duration) ([]queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = 'processing' AND processing_started_at IS NOT NULL AND processing_started_at < $1
		ORDER BY processing_started_at ASC
	`
	rows, err := r.db.Query(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stuck items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// RecoverStuck resets stuck items to pending with cleared ownership.
func (r *Repository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE queue_items
		SET status = 'pending', processor_id = '', processing_started_at = NULL,
		    processing_completed_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND processing_started_at IS NOT NULL AND processing_started_at < $1
	`
	result, err := r.db.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stuck items: %w", err)
	}
	return result.RowsAffected(), nil
}

// CleanupTerminal deletes completed and cancelled items older than
// olderThan.
func (r *Repository) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM queue_items
		WHERE status IN ('completed', 'cancelled') AND updated_at < $1
	`
	result, err := r.db.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup queue items: %w", err)
	}
	return result.RowsAffected(), nil
}

// Stats returns item counts grouped by status and by priority.
func (r *Repository) Stats(ctx context.Context) (*queue.Stats, error) {
	query := `SELECT status, priority, COUNT(*) FROM queue_items GROUP BY status, priority`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

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
	for rows.Next() {
		var status queue.Status
		var priority domain.Priority
		var count int64
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByPriority[priority] += count
	}
	return stats, nil
}

// ProcessingMetrics aggregates outcomes and attempt durations over finished
// items and ranks processors by completed deliveries.
func (r *Repository) ProcessingMetrics(ctx context.Context, topN int) (*queue.ProcessingMetrics, error) {
	m := &queue.ProcessingMetrics{TopProcessors: make([]queue.ProcessorStat, 0)}

	aggQuery := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (processing_completed_at - processing_started_at)) * 1000)
				FILTER (WHERE status = 'completed'
					AND processing_started_at IS NOT NULL
					AND processing_completed_at IS NOT NULL), 0)
		FROM queue_items
	`
	err := r.db.QueryRow(ctx, aggQuery).Scan(&m.Completed, &m.Failed, &m.AvgProcessingMs)
	if err != nil {
		return nil, fmt.Errorf("processing metrics: %w", err)
	}
	if total := m.Completed + m.Failed; total > 0 {
		m.SuccessRate = float64(m.Completed) / float64(total)
	}

	topQuery := `
		SELECT processor_id, COUNT(*)
		FROM queue_items
		WHERE status = 'completed' AND processor_id <> ''
		GROUP BY processor_id
		ORDER BY COUNT(*) DESC, processor_id ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, topQuery, topN)
	if err != nil {
		return nil, fmt.Errorf("top processors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stat queue.ProcessorStat
		if err := rows.Scan(&stat.ProcessorID, &stat.Completed); err != nil {
			return nil, fmt.Errorf("scan processor stat: %w", err)
		}
		m.TopProcessors = append(m.TopProcessors, stat)
	}
	return m, nil
}

// transitionError maps a zero-row conditional update to the right sentinel:
// the item is either missing or in a status the transition does not accept.
func (r *Repository) transitionError(ctx context.Context, id string, wrongStatus error) error {
	var status queue.Status
	err := r.db.QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ErrItemNotFound
		}
		return fmt.Errorf("get queue item status: %w", err)
	}
	return wrongStatus
}

func (r *Repository) cancelError(ctx context.Context, id string) error {
	var status queue.Status
	err := r.db.QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ErrItemNotFound
		}
		return fmt.Errorf("get queue item status: %w", err)
	}
	if status == queue.StatusProcessing {
		return queue.ErrItemProcessing
	}
	return queue.ErrItemTerminal
}

func (r *Repository) requeueError(ctx context.Context, id string) error {
	var status queue.Status
	err := r.db.QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ErrItemNotFound
		}
		return fmt.Errorf("get queue item status: %w", err)
	}
	if status != queue.StatusFailed {
		return queue.ErrNotFailed
	}
	return queue.ErrRetriesExhausted
}

func scanItem(row pgx.Row) (*queue.Item, error) {
	var item queue.Item
	err := row.Scan(
		&item.ID,
		&item.RecordID,
		&item.Status,
		&item.Priority,
		&item.ScheduledAt,
		&item.RetryCount,
		&item.MaxRetries,
		&item.NextRetryAt,
		&item.ProcessingStartedAt,
		&item.ProcessingCompletedAt,
		&item.ProcessorID,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func collectItems(rows pgx.Rows) ([]queue.Item, error) {
	items := make([]queue.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, nil
}
