// Package postgres provides the PostgreSQL implementation of the
// notification record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/notify"
)

const notificationColumns = `id, user_id, channel, priority, subject, body, data, status,
		scheduled_at, sent_at, delivered_at, read_at, error_message, created_at, updated_at`

const defaultListLimit = 50

// Repository stores notification records in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

var _ notify.Repository = (*Repository)(nil)

// NewRepository creates a notification repository over the pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts the record. Timestamps come back from the database so
// the stored record and the returned one agree on the clock.
func (r *Repository) Create(ctx context.Context, n *domain.Notification) error {
	query := `
		INSERT INTO notifications (id, user_id, channel, priority, subject, body, data, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		n.ID, n.UserID, n.Channel, n.Priority, n.Subject, n.Body, n.Data, n.Status, n.ScheduledAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// GetByID returns one record by id.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE id = $1`

	n, err := scanNotification(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notify.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// GetForUser returns the record only when it belongs to userID.
func (r *Repository) GetForUser(ctx context.Context, id, userID string) (*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE id = $1 AND user_id = $2`

	n, err := scanNotification(r.db.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notify.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("get notification for user: %w", err)
	}
	return n, nil
}

// ListByUser returns the user's records, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, filter notify.ListFilter) ([]domain.Notification, error) {
	conds := []string{"user_id = $1"}
	args := []any{userID}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Channel != nil {
		args = append(args, *filter.Channel)
		conds = append(conds, fmt.Sprintf("channel = $%d", len(args)))
	}
	if filter.UnreadOnly {
		conds = append(conds, "read_at IS NULL")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	limitPos := len(args)
	args = append(args, filter.Offset)
	offsetPos := len(args)

	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		notificationColumns, strings.Join(conds, " AND "), limitPos, offsetPos)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// Exists reports whether a record with the given id is stored.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check notification exists: %w", err)
	}
	return exists, nil
}

// MarkSent records a successful hand-off. Records already confirmed
// delivered or read keep their status; the first sent_at wins.
func (r *Repository) MarkSent(ctx context.Context, id string) (*domain.Notification, error) {
	query := `
		UPDATE notifications
		SET status = CASE WHEN status IN ('delivered', 'read') THEN status ELSE 'sent' END,
		    sent_at = COALESCE(sent_at, NOW()),
		    error_message = '',
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notify.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("mark notification sent: %w", err)
	}
	return n, nil
}

// MarkDelivered records a confirmed receipt, idempotently. An empty
// userID skips the ownership check (executor path).
func (r *Repository) MarkDelivered(ctx context.Context, id, userID string) (*domain.Notification, error) {
	query := `
		UPDATE notifications
		SET status = CASE WHEN status = 'read' THEN status ELSE 'delivered' END,
		    sent_at = COALESCE(sent_at, NOW()),
		    delivered_at = COALESCE(delivered_at, NOW()),
		    error_message = '',
		    updated_at = NOW()
		WHERE id = $1`

	args := []any{id}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += `
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notify.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("mark notification delivered: %w", err)
	}
	return n, nil
}

// MarkRead records that the recipient opened the notification. The first
// read_at wins, so re-reading is harmless.
func (r *Repository) MarkRead(ctx context.Context, id, userID string) (*domain.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'read',
		    delivered_at = COALESCE(delivered_at, NOW()),
		    read_at = COALESCE(read_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notify.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return n, nil
}

// MarkFailed records a failed attempt and keeps the last error message.
func (r *Repository) MarkFailed(ctx context.Context, id, errorMessage string) (*domain.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'failed',
		    error_message = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.QueryRow(ctx, query, id, errorMessage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notify.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("mark notification failed: %w", err)
	}
	return n, nil
}

// ListUndeliveredInApp returns in-app records never confirmed delivered,
// oldest first, for the reconnect flush.
func (r *Repository) ListUndeliveredInApp(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		  AND channel = 'inapp'
		  AND delivered_at IS NULL
		  AND status IN ('pending', 'sent')
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// CountUnread returns the number of records the user has not read.
func (r *Repository) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Channel,
		&n.Priority,
		&n.Subject,
		&n.Body,
		&n.Data,
		&n.Status,
		&n.ScheduledAt,
		&n.SentAt,
		&n.DeliveredAt,
		&n.ReadAt,
		&n.ErrorMessage,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]domain.Notification, error) {
	notifications := make([]domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, *n)
	}
	return notifications, nil
}
