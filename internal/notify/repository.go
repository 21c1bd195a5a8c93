package notify

import (
	"context"

	"github.com/avolkhin/herald/internal/domain"
)

// ListFilter narrows ListByUser results. Zero value lists everything,
// newest first, with a default limit.
type ListFilter struct {
	Status     *domain.DeliveryStatus
	Channel    *domain.Channel
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Repository stores notification records. Delivery attempts update status,
// sent_at, delivered_at and error_message through the Mark* methods; failed
// records keep their last error for inspection.
type Repository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	// GetForUser returns the record only if it belongs to userID.
	GetForUser(ctx context.Context, id, userID string) (*domain.Notification, error)
	ListByUser(ctx context.Context, userID string, filter ListFilter) ([]domain.Notification, error)
	// Exists reports whether a record with the given id is stored. It
	// backs enqueue-time validation in the delivery queue.
	Exists(ctx context.Context, id string) (bool, error)

	// MarkSent records a successful hand-off to a provider.
	MarkSent(ctx context.Context, id string) (*domain.Notification, error)
	// MarkDelivered records a confirmed receipt. When userID is non-empty
	// the update is scoped to that user's records.
	MarkDelivered(ctx context.Context, id, userID string) (*domain.Notification, error)
	// MarkRead records that the recipient opened the notification. The
	// update is scoped to userID; marking an already-read record is a no-op
	// that returns the record unchanged.
	MarkRead(ctx context.Context, id, userID string) (*domain.Notification, error)
	// MarkFailed records a failed attempt and keeps the error message.
	MarkFailed(ctx context.Context, id, errorMessage string) (*domain.Notification, error)

	// ListUndeliveredInApp returns in-app records that were sent (or are
	// still pending) but never confirmed delivered, oldest first. Used to
	// flush missed notifications when a user reconnects.
	ListUndeliveredInApp(ctx context.Context, userID string, limit int) ([]domain.Notification, error)

	// CountUnread returns the number of records for userID not yet read.
	CountUnread(ctx context.Context, userID string) (int64, error)
}
