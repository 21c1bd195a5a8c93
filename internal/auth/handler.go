package auth

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/pkg/httputil"
)

// Handler mints tokens for service integrations. Identity lives outside
// this service; any issuer holding the shared secret can sign tokens,
// and this endpoint is the admin-facing way to do it.
type Handler struct {
	tokens    *TokenManager
	validator *validator.Validate
}

// NewHandler creates a new auth handler.
func NewHandler(tokens *TokenManager) *Handler {
	return &Handler{
		tokens:    tokens,
		validator: validator.New(),
	}
}

// RegisterAdminRoutes registers routes that require the admin role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/tokens", h.CreateToken)
}

// CreateTokenRequest represents request body for minting a token.
type CreateTokenRequest struct {
	UserID string `json:"user_id" validate:"required,max=200"`
	Role   string `json:"role" validate:"omitempty,oneof=user admin"`
}

// CreateToken handles POST /admin/tokens.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	role := domain.Role(req.Role)
	if role == "" {
		role = domain.RoleUser
	}

	token, err := h.tokens.Issue(req.UserID, role)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	httputil.Success(w, http.StatusCreated, map[string]string{
		"token": token,
		"role":  string(role),
	})
}
