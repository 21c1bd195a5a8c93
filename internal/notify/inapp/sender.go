// Package inapp delivers notifications to live websocket sessions
// through the fanout hub.
package inapp

import (
	"context"
	"log/slog"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/hub"
)

// Sender pushes notifications to every open connection of the recipient.
type Sender struct {
	hub *hub.Hub
}

// NewSender creates an in-app sender over the hub.
func NewSender(h *hub.Hub) *Sender {
	return &Sender{hub: h}
}

// Type returns the channel this sender serves.
func (s *Sender) Type() domain.Channel {
	return domain.ChannelInApp
}

// Send pushes the notification to the recipient's live connections. An
// offline recipient is not an error: the record stays sent and the
// reconnect flush delivers it later.
func (s *Sender) Send(ctx context.Context, _ string, n *domain.Notification) (bool, error) {
	sent := s.hub.SendToUser(n.UserID, hub.NewNotificationMessage(n))
	if sent == 0 {
		slog.Debug("recipient offline, notification deferred",
			"notification_id", n.ID,
			"user_id", n.UserID)
		return false, nil
	}
	return true, nil
}
