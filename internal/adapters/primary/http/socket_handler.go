package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/moolai/realtime-gateway/internal/adapters/primary/socket"
	"github.com/moolai/realtime-gateway/internal/config"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
)

// SocketHandler upgrades HTTP requests to socket connections and runs
// their read loops. Authentication happens after the upgrade, over the
// socket itself, so the organization id is the only thing a client must
// present up front.
type SocketHandler struct {
	manager  *socket.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewSocketHandler creates a new socket handler
func NewSocketHandler(manager *socket.Manager, cfg *config.Config, logger *slog.Logger) *SocketHandler {
	handler := &SocketHandler{
		manager: manager,
		logger:  logger,
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.Socket.ReadBufferSize,
		WriteBufferSize: cfg.Socket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *SocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.Socket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing socket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		// Check against allowed origins
		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse socket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		originHost := parsedOrigin.Host

		for _, allowed := range allowedOrigins {
			// Support wildcard subdomains like "*.example.com"
			if strings.HasPrefix(allowed, "*.") {
				suffix := allowed[1:] // Remove the "*", keep ".example.com"
				if strings.HasSuffix(originHost, suffix) || originHost == allowed[2:] {
					return true
				}
			} else if originHost == allowed {
				return true
			}
		}

		h.logger.Warn("socket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// ServeHTTP handles GET /api/v1/ws/{organizationID}
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	organizationID := chi.URLParam(r, "organizationID")
	if organizationID == "" {
		http.Error(w, "organization id is required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade socket connection",
			"request_id", requestID,
			"org_id", organizationID,
			"error", err,
		)
		return
	}

	transport := socket.NewGorillaTransport(wsConn)
	conn, err := h.manager.Connect(r.Context(), transport, organizationID, userID)
	if err != nil {
		// Connect already closed the transport with a reason.
		h.logger.Warn("socket connection rejected",
			"request_id", requestID,
			"org_id", organizationID,
			"error", err,
		)
		return
	}

	// Pong frames count as activity for the liveness sweep.
	wsConn.SetPongHandler(func(string) error {
		h.manager.Touch(conn.ID)
		return nil
	})

	h.logger.Info("socket connection established",
		"request_id", requestID,
		"connection_id", conn.ID,
		"org_id", organizationID,
	)

	go h.readLoop(wsConn, conn.ID)
}

// readLoop pumps inbound frames into the manager until the connection
// dies. Close frames and read errors end the loop; everything else is a
// message for the manager to route.
func (h *SocketHandler) readLoop(wsConn *websocket.Conn, connectionID string) {
	reason := apperrors.ReasonTransportError
	defer func() { h.manager.Disconnect(connectionID, reason) }()

	ctx := context.Background()
	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			reason = closeReason(err)
			if reason == apperrors.ReasonTransportError {
				h.logger.Debug("socket read failed",
					"connection_id", connectionID,
					"error", err,
				)
			}
			return
		}
		if err := h.manager.HandleMessage(ctx, connectionID, raw); err != nil {
			// Unknown connection: a concurrent disconnect removed it.
			return
		}
	}
}

// closeReason distinguishes a deliberate client close from a dead
// transport.
func closeReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return apperrors.ReasonClientRequest
	}
	return apperrors.ReasonTransportError
}
