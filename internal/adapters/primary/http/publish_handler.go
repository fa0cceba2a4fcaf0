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

// PublishRequest is the producer-facing publish payload. Exactly one of
// Channel or OrganizationID selects the fan-out scope.
type PublishRequest struct {
	Channel        string         `json:"channel,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data"`
	EventID        string         `json:"event_id,omitempty"`
}

// PublishHandler lets trusted producers inject events over HTTP. Every
// publish is checked against the caller's tenant and the channel ACL.
type PublishHandler struct {
	publisher ports.Publisher
	registry  ports.ChannelRegistry
	orgLimit  *mw.RateLimitByKey
	errors    *ErrorHandler
	logger    *slog.Logger
}

// NewPublishHandler creates a new publish handler. orgLimit may be nil
// to disable per-tenant throttling.
func NewPublishHandler(publisher ports.Publisher, registry ports.ChannelRegistry, orgLimit *mw.RateLimitByKey, errors *ErrorHandler, logger *slog.Logger) *PublishHandler {
	return &PublishHandler{
		publisher: publisher,
		registry:  registry,
		orgLimit:  orgLimit,
		errors:    errors,
		logger:    logger,
	}
}

// ServeHTTP handles POST /internal/v1/events
func (h *PublishHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := mw.ClaimsFromContext(r.Context())
	if claims == nil {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("missing credentials"))
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errors.Handle(w, r, apperrors.NewBadRequestError(err, "invalid request body"))
		return
	}
	if req.Type == "" {
		h.errors.Handle(w, r, apperrors.NewBadRequestError(apperrors.ErrMalformedMessage, "event type is required"))
		return
	}
	if (req.Channel == "") == (req.OrganizationID == "") {
		h.errors.Handle(w, r, apperrors.NewBadRequestError(apperrors.ErrMalformedMessage, "exactly one of channel or organization_id is required"))
		return
	}

	if h.orgLimit != nil && !h.orgLimit.Allow(claims.OrgID) {
		h.errors.Handle(w, r, &apperrors.AppError{
			Err:        apperrors.ErrCapacityExceeded,
			Message:    "publish rate exceeded for organization",
			Code:       "RATE_LIMITED",
			StatusCode: http.StatusTooManyRequests,
		})
		return
	}

	eventType := domain.EventType(req.Type)

	if req.Channel != "" {
		roles := roleSet(claims.Roles)
		if !h.registry.CanAccessChannel(req.Channel, claims.OrgID, claims.UserID, roles) {
			h.errors.Handle(w, r, apperrors.NewForbiddenError("cannot publish to this channel"))
			return
		}
		err := h.publisher.Publish(r.Context(), req.Channel, eventType, req.Data, req.EventID)
		if HandleError(w, r, err, h.errors) {
			return
		}
		WriteAccepted(w, map[string]any{"channel": req.Channel})
		return
	}

	if req.OrganizationID != claims.OrgID {
		h.errors.Handle(w, r, apperrors.NewForbiddenError("cannot publish to another organization"))
		return
	}
	err := h.publisher.PublishToOrganization(r.Context(), req.OrganizationID, eventType, req.Data)
	if HandleError(w, r, err, h.errors) {
		return
	}
	WriteAccepted(w, map[string]any{"organization_id": req.OrganizationID})
}

func roleSet(roles []string) map[string]struct{} {
	if len(roles) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return set
}
