package notify

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/pkg/httputil"
	"github.com/avolkhin/herald/internal/queue"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrNotificationNotFound, Status: http.StatusNotFound, Message: "notification not found"},
	{Error: ErrUnknownChannel, Status: http.StatusBadRequest, Message: "unknown notification channel"},
	{Error: ErrNoTarget, Status: http.StatusBadRequest, Message: "no delivery target for this channel"},
	{Error: queue.ErrRecordNotFound, Status: http.StatusNotFound, Message: "notification not found"},
	{Error: queue.ErrActiveItemExists, Status: http.StatusConflict, Message: "notification is already queued"},
}

// Handler handles HTTP requests for sending and reading notifications.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers notification routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", h.Send)
		r.Post("/bulk", h.SendBulk)
		r.Get("/", h.List)
		r.Get("/unread/count", h.UnreadCount)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/read", h.MarkRead)
		r.Post("/{id}/delivered", h.MarkDelivered)
	})
}

// RegisterAdminRoutes registers routes that require the admin role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/broadcast", h.Broadcast)
}

// SendRequest represents request body for sending a notification.
type SendRequest struct {
	UserID      string         `json:"user_id"`
	Channel     string         `json:"channel" validate:"required,oneof=email sms push inapp"`
	Priority    string         `json:"priority" validate:"omitempty,oneof=critical high normal low"`
	Subject     string         `json:"subject" validate:"max=500"`
	Body        string         `json:"body" validate:"required"`
	Data        map[string]any `json:"data"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	MaxRetries  int            `json:"max_retries" validate:"omitempty,min=1,max=10"`
}

// SendBulkRequest represents request body for a batch send.
type SendBulkRequest struct {
	Notifications []SendRequest `json:"notifications" validate:"required,min=1,max=1000,dive"`
}

// BroadcastRequest represents request body for a broadcast.
type BroadcastRequest struct {
	Kind     string     `json:"kind" validate:"required,oneof=system maintenance emergency"`
	Message  string     `json:"message" validate:"required,max=2000"`
	StartsAt *time.Time `json:"starts_at"`
}

// Send handles POST /notifications.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	in, ok := h.sendInput(w, r, req)
	if !ok {
		return
	}

	n, err := h.service.Send(r.Context(), in)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, n)
}

// SendBulk handles POST /notifications/bulk. Only admins may fan a batch
// out across users.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	if !httputil.GetRole(r.Context()).HasPermission(domain.RoleAdmin) {
		httputil.Error(w, http.StatusForbidden, "bulk send requires admin role")
		return
	}

	var req SendBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	inputs := make([]SendInput, 0, len(req.Notifications))
	for _, entry := range req.Notifications {
		inputs = append(inputs, SendInput{
			UserID:      entry.UserID,
			Channel:     domain.Channel(entry.Channel),
			Priority:    domain.Priority(entry.Priority),
			Subject:     entry.Subject,
			Body:        entry.Body,
			Data:        entry.Data,
			ScheduledAt: entry.ScheduledAt,
			MaxRetries:  entry.MaxRetries,
		})
	}

	accepted, err := h.service.SendBulk(r.Context(), inputs)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, map[string]any{
		"requested": len(req.Notifications),
		"accepted":  len(accepted),
		"items":     accepted,
	})
}

// sendInput turns a request into a SendInput, enforcing that non-admins
// only send to themselves.
func (h *Handler) sendInput(w http.ResponseWriter, r *http.Request, req SendRequest) (SendInput, bool) {
	caller := httputil.GetUserID(r.Context())
	userID := req.UserID
	if userID == "" {
		userID = caller
	}
	if userID != caller && !httputil.GetRole(r.Context()).HasPermission(domain.RoleAdmin) {
		httputil.Error(w, http.StatusForbidden, "cannot send notifications for another user")
		return SendInput{}, false
	}

	return SendInput{
		UserID:      userID,
		Channel:     domain.Channel(req.Channel),
		Priority:    domain.Priority(req.Priority),
		Subject:     req.Subject,
		Body:        req.Body,
		Data:        req.Data,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
	}, true
}

// List handles GET /notifications. Admins may inspect another user's feed
// with ?user_id=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())
	if other := r.URL.Query().Get("user_id"); other != "" && other != userID {
		if !httputil.GetRole(r.Context()).HasPermission(domain.RoleAdmin) {
			httputil.Error(w, http.StatusForbidden, "cannot list another user's notifications")
			return
		}
		userID = other
	}

	filter, ok := parseListFilter(w, r)
	if !ok {
		return
	}

	notifications, err := h.service.List(r.Context(), userID, filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, notifications)
}

// Get handles GET /notifications/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	userID := httputil.GetUserID(r.Context())
	if httputil.GetRole(r.Context()).HasPermission(domain.RoleAdmin) {
		userID = ""
	}

	n, err := h.service.Get(r.Context(), id, userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, n)
}

// MarkRead handles POST /notifications/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := httputil.GetUserID(r.Context())

	if err := h.service.MarkRead(r.Context(), id, userID); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"status": "read"})
}

// MarkDelivered handles POST /notifications/{id}/delivered.
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := httputil.GetUserID(r.Context())

	if err := h.service.MarkDelivered(r.Context(), id, userID); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// UnreadCount handles GET /notifications/unread/count.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	count, err := h.service.CountUnread(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int64{"count": count})
}

// Broadcast handles POST /admin/broadcast.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	recipients, err := h.service.Broadcast(r.Context(), BroadcastInput{
		Kind:     BroadcastKind(req.Kind),
		Message:  req.Message,
		StartsAt: req.StartsAt,
	})
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{"recipients": recipients})
}

func parseListFilter(w http.ResponseWriter, r *http.Request) (ListFilter, bool) {
	var filter ListFilter
	q := r.URL.Query()

	if raw := q.Get("status"); raw != "" {
		status := domain.DeliveryStatus(raw)
		switch status {
		case domain.DeliveryStatusPending, domain.DeliveryStatusSent,
			domain.DeliveryStatusDelivered, domain.DeliveryStatusRead,
			domain.DeliveryStatusFailed:
			filter.Status = &status
		default:
			httputil.Error(w, http.StatusBadRequest, "invalid status filter")
			return filter, false
		}
	}
	if raw := q.Get("channel"); raw != "" {
		channel := domain.Channel(raw)
		if !channel.Valid() {
			httputil.Error(w, http.StatusBadRequest, "invalid channel filter")
			return filter, false
		}
		filter.Channel = &channel
	}
	filter.UnreadOnly = q.Get("unread") == "true"

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 200 {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return filter, false
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			httputil.Error(w, http.StatusBadRequest, "offset must not be negative")
			return filter, false
		}
		filter.Offset = offset
	}

	return filter, true
}
