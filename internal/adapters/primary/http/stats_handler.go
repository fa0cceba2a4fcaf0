package http

import (
	"log/slog"
	"net/http"

	mw "github.com/moolai/realtime-gateway/internal/adapters/primary/http/middleware"
	"github.com/moolai/realtime-gateway/internal/adapters/primary/socket"
	"github.com/moolai/realtime-gateway/internal/adapters/primary/stream"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

// StatsHandler exposes connection and registry snapshots for dashboards.
type StatsHandler struct {
	streamManager *stream.Manager
	socketManager *socket.Manager
	registry      ports.ChannelRegistry
	errors        *ErrorHandler
	logger        *slog.Logger
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(streamManager *stream.Manager, socketManager *socket.Manager, registry ports.ChannelRegistry, errors *ErrorHandler, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		streamManager: streamManager,
		socketManager: socketManager,
		registry:      registry,
		errors:        errors,
		logger:        logger,
	}
}

// HandleConnections handles GET /api/v1/stats/connections
func (h *StatsHandler) HandleConnections(w http.ResponseWriter, r *http.Request) {
	claims := mw.ClaimsFromContext(r.Context())
	if claims == nil {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("missing credentials"))
		return
	}

	streamStats := h.streamManager.GetConnectionStats()
	socketStats := h.socketManager.GetConnectionStats()

	// Non-admin callers see only their own organization's slice of the
	// streaming numbers, not the per-org breakdown.
	roles := roleSet(claims.Roles)
	if _, isAdmin := roles["admin"]; !isAdmin {
		WriteSuccess(w, map[string]any{
			"stream": map[string]any{
				"organization_connections": streamStats.ConnectionsByOrg[claims.OrgID],
			},
			"socket": map[string]any{
				"total_connections": socketStats.TotalConnections,
			},
		})
		return
	}

	WriteSuccess(w, map[string]any{
		"stream": streamStats,
		"socket": socketStats,
	})
}

// HandleOrganization handles GET /api/v1/stats/organization
func (h *StatsHandler) HandleOrganization(w http.ResponseWriter, r *http.Request) {
	claims := mw.ClaimsFromContext(r.Context())
	if claims == nil {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("missing credentials"))
		return
	}

	stats := h.registry.GetOrganizationStats(claims.OrgID)
	WriteSuccess(w, stats)
}
