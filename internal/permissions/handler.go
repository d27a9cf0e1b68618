package permissions

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/payflow-hq/payflow/internal/shared"
)

// Handler exposes the calculation façade over JSON HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		guard:     Middleware{Service: service, Logger: logger},
		validator: validator.New(),
	}
}

// MountRoutes registers permission routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/effective", h.effective)
	r.Post("/check", h.check)
	r.Post("/check-set", h.checkSet)

	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny("permissions:manage", "users:edit"))
		r.Post("/overrides", h.addOverride)
		r.Delete("/overrides/{id}", h.removeOverride)
		r.Delete("/cache/{userID}", h.clearUserCache)
		r.Delete("/cache", h.clearAllCache)
	})
}

func (h *Handler) effective(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		if id, ok := shared.IdentityFromContext(r.Context()); ok {
			userID = id.UserID
		}
	}
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	role := h.roleFor(r, r.URL.Query().Get("role"))
	refresh := r.URL.Query().Get("refresh") == "true"

	calc, err := h.service.Calculate(r.Context(), userID, role, refresh)
	if err != nil {
		h.logger.Error("calculate permissions", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "calculation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, calc)
}

type checkRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Role     string `json:"role" validate:"required"`
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	granted, err := h.service.HasPermission(r.Context(), req.UserID, Role(req.Role), req.Resource, req.Action)
	if err != nil {
		h.logger.Error("permission check", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

type checkSetRequest struct {
	UserID      string   `json:"user_id" validate:"required"`
	Role        string   `json:"role" validate:"required"`
	Permissions []string `json:"permissions" validate:"required,min=1"`
	Mode        string   `json:"mode" validate:"required,oneof=any all"`
}

func (h *Handler) checkSet(w http.ResponseWriter, r *http.Request) {
	var req checkSetRequest
	if !h.decode(w, r, &req) {
		return
	}
	var (
		granted bool
		err     error
	)
	if req.Mode == "all" {
		granted, err = h.service.HasAll(r.Context(), req.UserID, Role(req.Role), req.Permissions)
	} else {
		granted, err = h.service.HasAny(r.Context(), req.UserID, Role(req.Role), req.Permissions)
	}
	if err != nil {
		h.logger.Error("permission set check", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

type addOverrideRequest struct {
	UserID     string         `json:"user_id" validate:"required"`
	Resource   string         `json:"resource" validate:"required"`
	Operation  string         `json:"operation" validate:"required"`
	Granted    *bool          `json:"granted" validate:"required"`
	ExpiresAt  *time.Time     `json:"expires_at"`
	Role       string         `json:"role"`
	Conditions map[string]any `json:"conditions"`
}

func (h *Handler) addOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusForbidden, "authentication required")
		return
	}
	var req addOverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := AddOverrideInput{
		UserID:     req.UserID,
		Resource:   req.Resource,
		Operation:  req.Operation,
		Granted:    *req.Granted,
		ExpiresAt:  req.ExpiresAt,
		Conditions: req.Conditions,
		ActorID:    actor.UserID,
		ActorRole:  Role(actor.Role),
	}
	if req.Role != "" {
		role, err := ParseRole(req.Role)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "unknown role scope")
			return
		}
		in.Role = &role
	}
	created, err := h.service.AddOverride(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			h.writeError(w, http.StatusForbidden, "cannot grant a permission you do not hold")
		case errors.Is(err, ErrStoreUnavailable):
			h.writeError(w, http.StatusServiceUnavailable, "override store unavailable")
		default:
			h.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, overridePayload(created))
}

func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.IdentityFromContext(r.Context())
	id := chi.URLParam(r, "id")
	userID, err := h.service.RemoveOverride(r.Context(), id, actor.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrOverrideNotFound):
			h.writeError(w, http.StatusNotFound, "override not found")
		case errors.Is(err, ErrStoreUnavailable):
			h.writeError(w, http.StatusServiceUnavailable, "override store unavailable")
		default:
			h.logger.Error("remove override", slog.Any("error", err))
			h.writeError(w, http.StatusInternalServerError, "removal failed")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"removed_user_id": userID})
}

func (h *Handler) clearUserCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearUserCache(r.Context(), chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearAllCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAllCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// roleFor resolves the role claim to use: an explicit query value wins,
// otherwise the authenticated identity's claim.
func (h *Handler) roleFor(r *http.Request, explicit string) Role {
	if explicit != "" {
		return Role(explicit)
	}
	if id, ok := shared.IdentityFromContext(r.Context()); ok {
		return Role(id.Role)
	}
	return RoleViewer
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := h.validator.Struct(dest); err != nil {
		fields := make(map[string]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "fields": fields})
		return false
	}
	return true
}

type overrideResponse struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Resource   string         `json:"resource"`
	Operation  string         `json:"operation"`
	Granted    bool           `json:"granted"`
	CreatedAt  time.Time      `json:"created_at"`
	CreatedBy  string         `json:"created_by"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Role       string         `json:"role,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

func overridePayload(ov Override) overrideResponse {
	resp := overrideResponse{
		ID:         ov.ID,
		UserID:     ov.UserID,
		Resource:   ov.Resource,
		Operation:  ov.Operation,
		Granted:    ov.Granted,
		CreatedAt:  ov.CreatedAt,
		CreatedBy:  ov.CreatedBy,
		ExpiresAt:  ov.ExpiresAt,
		Conditions: ov.Conditions,
	}
	if ov.Role != nil {
		resp.Role = string(*ov.Role)
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
