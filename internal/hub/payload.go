package hub

import (
	"time"

	"github.com/avolkhin/herald/internal/domain"
)

// Event names pushed to live connections.
const (
	EventNotification          = "notification"
	EventNotificationRead      = "notification.read"
	EventNotificationDelivered = "notification.delivered"
	EventPresence              = "presence"
	EventBroadcastSystem       = "broadcast.system"
	EventBroadcastMaintenance  = "broadcast.maintenance"
	EventBroadcastEmergency    = "broadcast.emergency"
)

// Message is the payload routed to live connections. The hub treats it as
// opaque structured data; only the transport serializes it.
type Message struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// NewNotificationMessage carries a full notification to a live session.
func NewNotificationMessage(n *domain.Notification) *Message {
	return &Message{
		Event: EventNotification,
		Data: map[string]any{
			"notification": n,
		},
	}
}

// NewReadReceipt reports a notification marked read.
func NewReadReceipt(recordID string, readAt time.Time) *Message {
	return &Message{
		Event: EventNotificationRead,
		Data: map[string]any{
			"notification_id": recordID,
			"read_at":         readAt,
		},
	}
}

// NewDeliveredReceipt reports a notification confirmed delivered.
func NewDeliveredReceipt(recordID string, deliveredAt time.Time) *Message {
	return &Message{
		Event: EventNotificationDelivered,
		Data: map[string]any{
			"notification_id": recordID,
			"delivered_at":    deliveredAt,
		},
	}
}

// NewPresenceMessage reports a user's presence status.
func NewPresenceMessage(userID, status string) *Message {
	return &Message{
		Event: EventPresence,
		Data: map[string]any{
			"user_id": userID,
			"status":  status,
		},
	}
}

// NewSystemBroadcast is an informational announcement to every session.
func NewSystemBroadcast(text string) *Message {
	return &Message{
		Event: EventBroadcastSystem,
		Data: map[string]any{
			"message": text,
			"sent_at": time.Now().UTC(),
		},
	}
}

// NewMaintenanceBroadcast announces a maintenance window.
func NewMaintenanceBroadcast(text string, startsAt time.Time) *Message {
	return &Message{
		Event: EventBroadcastMaintenance,
		Data: map[string]any{
			"message":   text,
			"starts_at": startsAt,
			"sent_at":   time.Now().UTC(),
		},
	}
}

// NewEmergencyBroadcast is an urgent announcement clients should surface
// immediately.
func NewEmergencyBroadcast(text string) *Message {
	return &Message{
		Event: EventBroadcastEmergency,
		Data: map[string]any{
			"message":  text,
			"severity": "emergency",
			"sent_at":  time.Now().UTC(),
		},
	}
}

// NewEvent builds a custom named event.
func NewEvent(event string, data map[string]any) *Message {
	return &Message{Event: event, Data: data}
}
