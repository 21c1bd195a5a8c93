package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/avolkhin/herald/internal/pkg/httputil"
)

// defaultStaleIdle is how long a connection may go without traffic before
// an admin-triggered sweep probes it.
const defaultStaleIdle = 2 * time.Minute

// AdminHandler exposes hub inspection and group management over HTTP.
// All routes are meant to sit behind the admin role.
type AdminHandler struct {
	hub       *Hub
	validator *validator.Validate
}

// NewAdminHandler creates a new hub admin handler.
func NewAdminHandler(h *Hub) *AdminHandler {
	return &AdminHandler{
		hub:       h,
		validator: validator.New(),
	}
}

// RegisterRoutes registers hub admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/hub", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/online", h.Online)
		r.Post("/cleanup", h.Cleanup)

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.ListGroups)
			r.Post("/", h.CreateGroup)
			r.Get("/{name}", h.GetGroup)
			r.Delete("/{name}", h.DeleteGroup)
			r.Post("/{name}/members", h.AddMembers)
			r.Delete("/{name}/members/{userID}", h.RemoveMember)
			r.Post("/{name}/send", h.SendToGroup)
		})

		r.Post("/users/{userID}/send", h.SendToUser)
	})
}

// CreateGroupRequest represents request body for creating a group.
type CreateGroupRequest struct {
	Name    string   `json:"name" validate:"required,max=100"`
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=1000,dive,required"`
}

// AddMembersRequest represents request body for extending a group.
type AddMembersRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=1000,dive,required"`
}

// SendEventRequest represents request body for pushing a custom event.
type SendEventRequest struct {
	Event string         `json:"event" validate:"required,max=100"`
	Data  map[string]any `json:"data"`
}

// CleanupRequest represents request body for a stale-connection sweep.
type CleanupRequest struct {
	MaxIdleSeconds int `json:"max_idle_seconds" validate:"omitempty,min=1,max=86400"`
}

// Stats handles GET /hub/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, h.hub.CurrentStats())
}

// Online handles GET /hub/online.
func (h *AdminHandler) Online(w http.ResponseWriter, r *http.Request) {
	users := h.hub.OnlineUsers()
	httputil.Success(w, http.StatusOK, map[string]any{
		"count": len(users),
		"users": users,
	})
}

// Cleanup handles POST /hub/cleanup: pings idle connections and evicts
// the ones that do not answer.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
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

	maxIdle := defaultStaleIdle
	if req.MaxIdleSeconds > 0 {
		maxIdle = time.Duration(req.MaxIdleSeconds) * time.Second
	}

	removed := h.hub.CleanupStale(maxIdle)
	httputil.Success(w, http.StatusOK, map[string]int{"removed": removed})
}

// ListGroups handles GET /hub/groups.
func (h *AdminHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	names := h.hub.Groups()
	groups := make([]map[string]any, 0, len(names))
	for _, name := range names {
		groups = append(groups, map[string]any{
			"name":    name,
			"members": len(h.hub.GroupMembers(name)),
		})
	}
	httputil.Success(w, http.StatusOK, groups)
}

// CreateGroup handles POST /hub/groups.
func (h *AdminHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	h.hub.CreateGroup(req.Name, req.UserIDs)
	httputil.Success(w, http.StatusCreated, map[string]any{
		"name":    req.Name,
		"members": len(h.hub.GroupMembers(req.Name)),
	})
}

// GetGroup handles GET /hub/groups/{name}.
func (h *AdminHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	members := h.hub.GroupMembers(name)
	if len(members) == 0 {
		httputil.Error(w, http.StatusNotFound, "group not found")
		return
	}
	httputil.Success(w, http.StatusOK, map[string]any{
		"name":    name,
		"members": members,
	})
}

// DeleteGroup handles DELETE /hub/groups/{name}.
func (h *AdminHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	h.hub.DeleteGroup(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

// AddMembers handles POST /hub/groups/{name}/members.
func (h *AdminHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	var req AddMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	name := chi.URLParam(r, "name")
	for _, userID := range req.UserIDs {
		h.hub.AddToGroup(name, userID)
	}
	httputil.Success(w, http.StatusOK, map[string]any{
		"name":    name,
		"members": len(h.hub.GroupMembers(name)),
	})
}

// RemoveMember handles DELETE /hub/groups/{name}/members/{userID}.
func (h *AdminHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	h.hub.RemoveFromGroup(chi.URLParam(r, "name"), chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

// SendToGroup handles POST /hub/groups/{name}/send.
func (h *AdminHandler) SendToGroup(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEvent(w, r)
	if !ok {
		return
	}
	sent := h.hub.SendToGroup(chi.URLParam(r, "name"), NewEvent(req.Event, req.Data))
	httputil.Success(w, http.StatusOK, map[string]int{"recipients": sent})
}

// SendToUser handles POST /hub/users/{userID}/send.
func (h *AdminHandler) SendToUser(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEvent(w, r)
	if !ok {
		return
	}
	sent := h.hub.SendToUser(chi.URLParam(r, "userID"), NewEvent(req.Event, req.Data))
	httputil.Success(w, http.StatusOK, map[string]int{"recipients": sent})
}

func (h *AdminHandler) decodeEvent(w http.ResponseWriter, r *http.Request) (SendEventRequest, bool) {
	var req SendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return req, false
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return req, false
	}
	return req, true
}
