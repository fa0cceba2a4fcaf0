package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/moolai/realtime-gateway/internal/adapters/primary/stream"
	"github.com/moolai/realtime-gateway/internal/auth"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
)

// StreamHandler serves the server-sent-events endpoint. Authentication
// happens up front via a token query parameter because EventSource
// clients cannot set headers.
type StreamHandler struct {
	manager *stream.Manager
	tm      *auth.TokenManager
	errors  *ErrorHandler
	logger  *slog.Logger
}

// NewStreamHandler creates a new streaming handler
func NewStreamHandler(manager *stream.Manager, tm *auth.TokenManager, errors *ErrorHandler, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		manager: manager,
		tm:      tm,
		errors:  errors,
		logger:  logger,
	}
}

// ServeHTTP handles GET /api/v1/stream?token=...&channels=a,b,c
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("missing authentication token"))
		return
	}
	claims, err := h.tm.ValidateToken(tokenString)
	if err != nil {
		h.errors.Handle(w, r, apperrors.NewUnauthorizedError("invalid or expired token"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.errors.Handle(w, r, apperrors.NewInternalError(apperrors.ErrConnectionClosed))
		return
	}

	channels := splitChannels(r.URL.Query().Get("channels"))

	conn, err := h.manager.Connect(claims.OrgID, claims.UserID, claims.Roles, channels)
	if HandleError(w, r, err, h.errors) {
		return
	}
	defer h.manager.Disconnect(conn.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Resume: deliver the frames the client missed since its last id. The
	// manager filters the window to this connection's subscriptions.
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	if lastEventID != "" {
		entries, err := h.manager.ReplaySince(r.Context(), conn.ID, lastEventID)
		if err != nil {
			h.logger.Warn("replay lookup failed",
				"request_id", requestID,
				"org_id", claims.OrgID,
				"error", err,
			)
		}
		for _, entry := range entries {
			if _, err := w.Write([]byte(stream.FormatFrame(entry.ID, entry.Event))); err != nil {
				return
			}
		}
		flusher.Flush()
	}

	frames, err := h.manager.Stream(r.Context(), conn.ID)
	if err != nil {
		// The connection was registered above; losing it here means a
		// concurrent disconnect already won.
		return
	}

	h.logger.Info("stream opened",
		"request_id", requestID,
		"connection_id", conn.ID,
		"org_id", claims.OrgID,
		"user_id", claims.UserID,
	)

	for frame := range frames {
		if _, err := w.Write([]byte(frame)); err != nil {
			return
		}
		flusher.Flush()
	}
}

func splitChannels(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
