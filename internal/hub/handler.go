package hub

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avolkhin/herald/internal/pkg/httputil"
)

// SessionEvents receives session lifecycle callbacks and client-initiated
// status changes. Implemented by the notification service; kept as an
// interface here so the hub stays free of delivery logic.
type SessionEvents interface {
	// OnConnect runs after a user's session is registered, e.g. to flush
	// notifications that arrived while the user was offline.
	OnConnect(ctx context.Context, userID string)
	MarkRead(ctx context.Context, recordID, userID string) error
	MarkDelivered(ctx context.Context, recordID, userID string) error
}

// clientMessage is the shape sessions send upstream.
type clientMessage struct {
	Event string `json:"event"`
	Data  struct {
		NotificationID string `json:"notification_id"`
	} `json:"data"`
}

// Handler upgrades HTTP requests to live websocket sessions.
type Handler struct {
	hub       *Hub
	events    SessionEvents
	validator httputil.TokenValidator
	upgrader  websocket.Upgrader
}

// NewHandler creates a websocket session handler.
func NewHandler(h *Hub, events SessionEvents, validator httputil.TokenValidator) *Handler {
	return &Handler{
		hub:       h,
		events:    events,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeWS authenticates the request, upgrades it, and runs the session until
// the peer disconnects. Browsers cannot set headers on websocket dials, so
// the token is accepted from the query string as well.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		httputil.Error(w, http.StatusUnauthorized, "missing token")
		return
	}

	userID, _, err := h.validator.ValidateToken(r.Context(), token)
	if err != nil {
		httputil.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	connID := uuid.NewString()
	transport := newWSTransport(conn)
	h.hub.Register(connID, userID, transport)
	go transport.writePump()

	if h.events != nil {
		h.events.OnConnect(r.Context(), userID)
	}

	h.readLoop(conn, transport, connID, userID)
}

// readLoop consumes client frames until the socket dies, then tears the
// session down. This is the transport disconnect path the registry relies
// on.
func (h *Handler) readLoop(conn *websocket.Conn, transport *wsTransport, connID, userID string) {
	defer func() {
		h.hub.Unregister(connID)
		_ = transport.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		h.hub.Touch(connID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket session ended unexpectedly",
					"connection_id", connID,
					"user_id", userID,
					"error", err,
				)
			}
			return
		}
		h.handleClientMessage(userID, &msg)
	}
}

func (h *Handler) handleClientMessage(userID string, msg *clientMessage) {
	if h.events == nil || msg.Data.NotificationID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Event {
	case EventNotificationRead:
		if err := h.events.MarkRead(ctx, msg.Data.NotificationID, userID); err != nil {
			slog.Warn("mark read from session failed",
				"notification_id", msg.Data.NotificationID,
				"user_id", userID,
				"error", err,
			)
		}
	case EventNotificationDelivered:
		if err := h.events.MarkDelivered(ctx, msg.Data.NotificationID, userID); err != nil {
			slog.Warn("mark delivered from session failed",
				"notification_id", msg.Data.NotificationID,
				"user_id", userID,
				"error", err,
			)
		}
	default:
		slog.Debug("unknown client event", "event", msg.Event, "user_id", userID)
	}
}
