package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/hub"
	"github.com/avolkhin/herald/internal/queue"
)

// apiProcessorID marks queue items claimed for an inline delivery attempt
// on the request path, as opposed to a background worker.
const apiProcessorID = "api"

// connectFlushLimit caps how many missed in-app notifications are pushed
// when a user reconnects.
const connectFlushLimit = 100

// Service is the orchestration facade over the record store, the delivery
// queue and the fanout hub. Every send is enqueued first so it survives a
// crash; due sends additionally get one immediate best-effort attempt so
// the common case is not delayed by the worker poll interval.
type Service struct {
	repo     Repository
	queue    *queue.Service
	hub      *hub.Hub
	executor queue.Executor
}

var _ hub.SessionEvents = (*Service)(nil)

// NewService wires the facade. executor may be nil, in which case sends
// are queued without an inline attempt and workers own all delivery.
func NewService(repo Repository, q *queue.Service, h *hub.Hub, executor queue.Executor) *Service {
	return &Service{
		repo:     repo,
		queue:    q,
		hub:      h,
		executor: executor,
	}
}

// SendInput describes one notification to create and deliver.
type SendInput struct {
	UserID      string
	Channel     domain.Channel
	Priority    domain.Priority
	Subject     string
	Body        string
	Data        map[string]any
	ScheduledAt *time.Time
	MaxRetries  int
}

// Send creates a notification record, enqueues it and, when it is due
// now, makes one inline delivery attempt. The caller gets the record in
// its freshest known state; retries after a failed first attempt happen
// in the background.
func (s *Service) Send(ctx context.Context, in SendInput) (*domain.Notification, error) {
	n, item, err := s.create(ctx, in)
	if err != nil {
		return nil, err
	}

	if due(in.ScheduledAt) {
		s.attemptNow(ctx, item)
		if fresh, err := s.repo.GetByID(ctx, n.ID); err == nil {
			n = fresh
		}
	}
	return n, nil
}

// SendBulk creates and enqueues a batch best-effort: a failing entry is
// logged and skipped, the rest still go through. Bulk sends skip the
// inline attempt and drain through workers. Returns the accepted records.
func (s *Service) SendBulk(ctx context.Context, inputs []SendInput) ([]domain.Notification, error) {
	accepted := make([]domain.Notification, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		n, _, err := s.create(ctx, in)
		if err != nil {
			slog.Warn("bulk send entry rejected",
				"user_id", in.UserID,
				"channel", in.Channel,
				"error", err)
			continue
		}
		accepted = append(accepted, *n)
	}
	slog.Info("bulk send accepted",
		"requested", len(inputs),
		"accepted", len(accepted))
	return accepted, nil
}

func (s *Service) create(ctx context.Context, in SendInput) (*domain.Notification, *queue.Item, error) {
	if !in.Channel.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownChannel, in.Channel)
	}
	priority := in.Priority
	if !priority.Valid() {
		priority = domain.PriorityNormal
	}

	now := time.Now()
	n := &domain.Notification{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Channel:     in.Channel,
		Priority:    priority,
		Subject:     NormalizeSubject(in.Subject),
		Body:        NormalizeBody(in.Body),
		Data:        in.Data,
		Status:      domain.DeliveryStatusPending,
		ScheduledAt: in.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, nil, fmt.Errorf("create notification: %w", err)
	}

	item, err := s.queue.Enqueue(ctx, queue.EnqueueInput{
		RecordID:    n.ID,
		Priority:    priority,
		ScheduledAt: in.ScheduledAt,
		MaxRetries:  in.MaxRetries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue notification %s: %w", n.ID, err)
	}
	return n, item, nil
}

// attemptNow claims the freshly enqueued item and delivers it inline.
// Losing the claim to a worker is not an error, and a failed attempt is
// already recorded on the item, so this never surfaces anything: the
// durable queue is the fallback for every outcome.
func (s *Service) attemptNow(ctx context.Context, item *queue.Item) {
	if s.executor == nil || s.queue.IsPaused(ctx) {
		return
	}
	if err := s.queue.MarkProcessing(ctx, item.ID, apiProcessorID); err != nil {
		if !errors.Is(err, queue.ErrNotPending) && !errors.Is(err, queue.ErrItemNotFound) {
			slog.Warn("failed to claim item for inline delivery",
				"item_id", item.ID,
				"error", err)
		}
		return
	}

	result, err := s.executor.Deliver(ctx, item.RecordID)
	if err != nil {
		s.failInline(ctx, item.ID, err.Error(), queue.IsRetryable(err))
		return
	}
	switch result.Status {
	case queue.ResultSent, queue.ResultDelivered:
		if err := s.queue.MarkCompleted(ctx, item.ID); err != nil {
			slog.Warn("failed to complete inline delivery",
				"item_id", item.ID,
				"error", err)
		}
	case queue.ResultFailed:
		s.failInline(ctx, item.ID, result.Message, true)
	default:
		s.failInline(ctx, item.ID, fmt.Sprintf("unknown result status %q", result.Status), false)
	}
}

func (s *Service) failInline(ctx context.Context, itemID, message string, retryable bool) {
	if err := s.queue.MarkFailed(ctx, itemID, message, retryable); err != nil {
		slog.Warn("failed to record inline delivery failure",
			"item_id", itemID,
			"error", err)
	}
}

// Get returns one notification. A non-empty userID scopes the lookup to
// that user's records.
func (s *Service) Get(ctx context.Context, id, userID string) (*domain.Notification, error) {
	if userID == "" {
		return s.repo.GetByID(ctx, id)
	}
	return s.repo.GetForUser(ctx, id, userID)
}

// List returns a user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, filter ListFilter) ([]domain.Notification, error) {
	return s.repo.ListByUser(ctx, userID, filter)
}

// CountUnread returns how many of the user's notifications are unread.
func (s *Service) CountUnread(ctx context.Context, userID string) (int64, error) {
	return s.repo.CountUnread(ctx, userID)
}

// MarkRead records that userID opened the notification and pushes a read
// receipt to their live connections.
func (s *Service) MarkRead(ctx context.Context, recordID, userID string) error {
	n, err := s.repo.MarkRead(ctx, recordID, userID)
	if err != nil {
		return err
	}
	readAt := time.Now()
	if n.ReadAt != nil {
		readAt = *n.ReadAt
	}
	s.hub.NotifyRead(userID, recordID, readAt)
	return nil
}

// MarkDelivered records a confirmed receipt, typically reported by a
// websocket client, and pushes a delivered receipt.
func (s *Service) MarkDelivered(ctx context.Context, recordID, userID string) error {
	n, err := s.repo.MarkDelivered(ctx, recordID, userID)
	if err != nil {
		return err
	}
	deliveredAt := time.Now()
	if n.DeliveredAt != nil {
		deliveredAt = *n.DeliveredAt
	}
	s.hub.NotifyDelivered(userID, recordID, deliveredAt)
	return nil
}

// OnConnect flushes in-app notifications the user missed while offline.
// Each record that reaches at least one connection is marked delivered;
// the rest stay queued for the next session.
func (s *Service) OnConnect(ctx context.Context, userID string) {
	missed, err := s.repo.ListUndeliveredInApp(ctx, userID, connectFlushLimit)
	if err != nil {
		slog.Error("failed to load missed notifications",
			"user_id", userID,
			"error", err)
		return
	}
	if len(missed) == 0 {
		return
	}

	flushed := 0
	for i := range missed {
		n := &missed[i]
		if s.hub.SendToUser(userID, hub.NewNotificationMessage(n)) == 0 {
			// The connection dropped mid-flush; the rest stays queued.
			break
		}
		if _, err := s.repo.MarkDelivered(ctx, n.ID, userID); err != nil {
			slog.Warn("failed to mark flushed notification delivered",
				"notification_id", n.ID,
				"error", err)
			continue
		}
		flushed++
	}
	slog.Debug("flushed missed notifications",
		"user_id", userID,
		"count", flushed)
}

// BroadcastKind selects the shape and severity of a broadcast.
type BroadcastKind string

const (
	BroadcastSystem      BroadcastKind = "system"
	BroadcastMaintenance BroadcastKind = "maintenance"
	BroadcastEmergency   BroadcastKind = "emergency"
)

// BroadcastInput describes an announcement for every connected user.
type BroadcastInput struct {
	Kind     BroadcastKind
	Message  string
	StartsAt *time.Time
}

// Broadcast pushes an announcement to all live connections and returns
// how many received it. Broadcasts are fire-and-forget: they are not
// recorded and offline users never see them.
func (s *Service) Broadcast(ctx context.Context, in BroadcastInput) (int, error) {
	var msg *hub.Message
	switch in.Kind {
	case BroadcastSystem:
		msg = hub.NewSystemBroadcast(in.Message)
	case BroadcastMaintenance:
		if in.StartsAt == nil {
			return 0, errors.New("maintenance broadcast requires starts_at")
		}
		msg = hub.NewMaintenanceBroadcast(in.Message, *in.StartsAt)
	case BroadcastEmergency:
		msg = hub.NewEmergencyBroadcast(in.Message)
	default:
		return 0, fmt.Errorf("unknown broadcast kind %q", in.Kind)
	}

	sent := s.hub.SendToAll(msg)
	slog.Info("broadcast sent",
		"kind", in.Kind,
		"recipients", sent)
	return sent, nil
}

func due(scheduledAt *time.Time) bool {
	return scheduledAt == nil || !scheduledAt.After(time.Now())
}
