package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Error: ErrRecordNotFound, Status: http.StatusNotFound, Message: "notification not found"},
	{Error: ErrActiveItemExists, Status: http.StatusConflict, Message: "record already has an active queue item"},
	{Error: ErrNotPending, Status: http.StatusConflict, Message: "item is not pending"},
	{Error: ErrNotFailed, Status: http.StatusConflict, Message: "item is not failed"},
	{Error: ErrItemProcessing, Status: http.StatusConflict, Message: "item is being processed"},
	{Error: ErrItemTerminal, Status: http.StatusConflict, Message: "item already finished"},
	{Error: ErrRetriesExhausted, Status: http.StatusConflict, Message: "retry budget exhausted"},
}

// Handler exposes queue administration over HTTP. All routes are meant
// to sit behind the admin role.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new queue admin handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers queue admin routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/metrics", h.ProcessingMetrics)
		r.Get("/status", h.Status)
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
		r.Post("/cleanup", h.Cleanup)

		r.Get("/stuck", h.StuckItems)
		r.Post("/stuck/recover", h.RecoverStuck)

		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.List)
			r.Get("/{id}", h.Get)
			r.Delete("/{id}", h.Remove)
			r.Post("/{id}/requeue", h.Requeue)
			r.Post("/{id}/cancel", h.Cancel)
			r.Post("/{id}/reschedule", h.Reschedule)
			r.Post("/{id}/priority", h.UpdatePriority)
		})
	})
}

// RescheduleRequest represents request body for rescheduling an item.
type RescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

// UpdatePriorityRequest represents request body for changing priority.
type UpdatePriorityRequest struct {
	Priority string `json:"priority" validate:"required,oneof=critical high normal low"`
}

// CleanupRequest represents request body for a manual cleanup run.
type CleanupRequest struct {
	RetentionHours int `json:"retention_hours" validate:"omitempty,min=1,max=8760"`
}

// Stats handles GET /queue/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// ProcessingMetrics handles GET /queue/metrics.
func (h *Handler) ProcessingMetrics(w http.ResponseWriter, r *http.Request) {
	topN := 0
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			httputil.Error(w, http.StatusBadRequest, "top must be between 1 and 100")
			return
		}
		topN = n
	}

	metrics, err := h.service.ProcessingMetrics(r.Context(), topN)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, metrics)
}

// Status handles GET /queue/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, map[string]bool{
		"paused": h.service.IsPaused(r.Context()),
	})
}

// Pause handles POST /queue/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.service.Pause(r.Context())
	httputil.Success(w, http.StatusOK, map[string]bool{"paused": true})
}

// Resume handles POST /queue/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.service.Resume(r.Context())
	httputil.Success(w, http.StatusOK, map[string]bool{"paused": false})
}

// Cleanup handles POST /queue/cleanup. An empty body uses the default
// retention.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httputil.ValidationError(w, err)
			return
		}
	}

	retention := time.Duration(req.RetentionHours) * time.Hour
	removed, err := h.service.Cleanup(r.Context(), retention)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int64{"removed": removed})
}

// StuckItems handles GET /queue/stuck.
func (h *Handler) StuckItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.StuckItems(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, items)
}

// RecoverStuck handles POST /queue/stuck/recover.
func (h *Handler) RecoverStuck(w http.ResponseWriter, r *http.Request) {
	recovered, err := h.service.RecoverStuck(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int64{"recovered": recovered})
}

// List handles GET /queue/items.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := Status(raw)
		if !status.Valid() {
			httputil.Error(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}

	items, err := h.service.List(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, items)
}

// Get handles GET /queue/items/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, item)
}

// Remove handles DELETE /queue/items/{id}.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Requeue handles POST /queue/items/{id}/requeue.
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, item)
}

// Cancel handles POST /queue/items/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Reschedule handles POST /queue/items/{id}/reschedule.
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.Reschedule(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{"status": "rescheduled"})
}

// UpdatePriority handles POST /queue/items/{id}/priority.
func (h *Handler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	var req UpdatePriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.UpdatePriority(r.Context(), chi.URLParam(r, "id"), domain.Priority(req.Priority)); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{"status": "updated"})
}
