package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/queue"
)

// Dispatcher routes a queued record to the sender registered for its
// channel and writes the attempt outcome back to the record store. It is
// the delivery executor the queue workers call.
type Dispatcher struct {
	repo      Repository
	directory Directory
	senders   map[domain.Channel]Sender
}

var _ queue.Executor = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher over the given senders, keyed by
// their channel type. directory may be nil when every notification
// carries its own target.
func NewDispatcher(repo Repository, directory Directory, senders ...Sender) *Dispatcher {
	byChannel := make(map[domain.Channel]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Type()] = s
	}
	return &Dispatcher{
		repo:      repo,
		directory: directory,
		senders:   byChannel,
	}
}

// Deliver performs one delivery attempt for the record. Retry decisions
// stay with the queue: Deliver only classifies errors as retryable or not
// and keeps the record's status, timestamps and last error up to date.
func (d *Dispatcher) Deliver(ctx context.Context, recordID string) (queue.Result, error) {
	n, err := d.repo.GetByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			// The record is gone; another attempt cannot succeed.
			return queue.Result{}, queue.NewNonRetryableError(fmt.Errorf("load record %s: %w", recordID, err))
		}
		return queue.Result{}, queue.NewRetryableError(fmt.Errorf("load record %s: %w", recordID, err))
	}

	sender, ok := d.senders[n.Channel]
	if !ok {
		sendErr := fmt.Errorf("%w: %s", ErrUnknownChannel, n.Channel)
		d.markFailed(ctx, n.ID, sendErr)
		return queue.Result{}, queue.NewNonRetryableError(sendErr)
	}

	target, err := d.resolveTarget(ctx, n)
	if err != nil {
		if errors.Is(err, ErrNoTarget) {
			d.markFailed(ctx, n.ID, err)
			return queue.Result{}, queue.NewNonRetryableError(err)
		}
		return queue.Result{}, queue.NewRetryableError(fmt.Errorf("resolve target: %w", err))
	}

	delivered, err := sender.Send(ctx, target, n)
	if err != nil {
		d.markFailed(ctx, n.ID, err)
		return queue.Result{}, fmt.Errorf("send %s via %s: %w", n.ID, n.Channel, err)
	}

	status := queue.ResultSent
	if delivered {
		status = queue.ResultDelivered
		if _, err := d.repo.MarkDelivered(ctx, n.ID, ""); err != nil {
			slog.Error("failed to mark notification delivered",
				"notification_id", n.ID,
				"error", err)
		}
	} else {
		if _, err := d.repo.MarkSent(ctx, n.ID); err != nil {
			slog.Error("failed to mark notification sent",
				"notification_id", n.ID,
				"error", err)
		}
	}

	slog.Debug("notification dispatched",
		"notification_id", n.ID,
		"channel", n.Channel,
		"status", status)

	return queue.Result{Status: status}, nil
}

// resolveTarget picks the delivery address for n: an explicit "target"
// entry in the notification data wins, then the directory. In-app
// notifications are addressed by user id and never need a target.
func (d *Dispatcher) resolveTarget(ctx context.Context, n *domain.Notification) (string, error) {
	if t, ok := n.Data["target"].(string); ok && t != "" {
		return t, nil
	}
	if n.Channel == domain.ChannelInApp {
		return "", nil
	}
	if d.directory == nil {
		return "", fmt.Errorf("%w: channel %s", ErrNoTarget, n.Channel)
	}
	return d.directory.Target(ctx, n.UserID, n.Channel)
}

func (d *Dispatcher) markFailed(ctx context.Context, id string, sendErr error) {
	if _, err := d.repo.MarkFailed(ctx, id, sendErr.Error()); err != nil {
		slog.Error("failed to record delivery failure",
			"notification_id", id,
			"error", err)
	}
}
