package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	mw "github.com/moolai/realtime-gateway/internal/adapters/primary/http/middleware"
	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

// CreateChannelRequest is the payload for registering a channel.
type CreateChannelRequest struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	UserID        string   `json:"user_id,omitempty"`
	RequiredRoles []string `json:"required_roles,omitempty"`
}

// ChannelResponse is the API view of a channel.
type ChannelResponse struct {
	FullName       string   `json:"full_name"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	OrganizationID string   `json:"organization_id"`
	UserID         string   `json:"user_id,omitempty"`
	RequiredRoles  []string `json:"required_roles,omitempty"`
}

// ChannelHandler exposes channel registry operations. All operations are
// scoped to the caller's organization; there is no cross-tenant surface.
type ChannelHandler struct {
	registry ports.ChannelRegistry
	errors   *ErrorHandler
	logger   *slog.Logger
}

// NewChannelHandler creates a new channel handler
func NewChannelHandler(registry ports.ChannelRegistry, errors *ErrorHandler, logger *slog.Logger) *ChannelHandler {
	return &ChannelHandler{
		registry: registry,
		errors:   errors,
		logger:   logger,
	}
}

// HandleCreate handles POST /api/v1/channels
func (h *ChannelHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	claims := mw.ClaimsFromContext(r.Context())
	if claims == nil {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("missing credentials"))
		return
	}

	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errors.Handle(w, r, apperrors.NewBadRequestError(err, "invalid request body"))
		return
	}

	// Gated channels may only be declared by callers holding the gate.
	if len(req.RequiredRoles) > 0 {
		roles := roleSet(claims.Roles)
		if _, ok := roles["admin"]; !ok {
			h.errors.Handle(w, r, apperrors.NewForbiddenError("only admins may create role-gated channels"))
			return
		}
	}

	ch, err := h.registry.CreateChannel(req.Name, domain.ChannelType(req.Type), claims.OrgID, req.UserID, req.RequiredRoles)
	if HandleError(w, r, err, h.errors) {
		return
	}

	WriteJSON(w, http.StatusCreated, channelResponse(ch))
}

// HandleCreateDefaults handles POST /api/v1/channels/defaults and
// bootstraps the standard channel set for the caller's organization.
func (h *ChannelHandler) HandleCreateDefaults(w http.ResponseWriter, r *http.Request) {
	claims := mw.ClaimsFromContext(r.Context())
	if claims == nil {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("missing credentials"))
		return
	}

	if err := h.registry.CreateDefaultChannels(claims.OrgID); HandleError(w, r, err, h.errors) {
		return
	}

	stats := h.registry.GetOrganizationStats(claims.OrgID)
	WriteSuccess(w, stats)
}

// HandleList handles GET /api/v1/channels
func (h *ChannelHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims := mw.ClaimsFromContext(r.Context())
	if claims == nil {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("missing credentials"))
		return
	}

	stats := h.registry.GetOrganizationStats(claims.OrgID)
	WriteSuccess(w, stats)
}

// HandleSubscriptions handles GET /api/v1/channels/subscriptions
func (h *ChannelHandler) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	claims := mw.ClaimsFromContext(r.Context())
	if claims == nil {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("missing credentials"))
		return
	}

	subs := h.registry.GetUserSubscriptions(claims.OrgID, claims.UserID)
	WriteSuccess(w, map[string]any{"channels": subs})
}

func channelResponse(ch *domain.Channel) ChannelResponse {
	resp := ChannelResponse{
		FullName:       ch.FullName(),
		Name:           ch.Name,
		Type:           string(ch.Type),
		OrganizationID: ch.OrganizationID,
		UserID:         ch.UserID,
	}
	for role := range ch.RequiredRoles {
		resp.RequiredRoles = append(resp.RequiredRoles, role)
	}
	return resp
}
