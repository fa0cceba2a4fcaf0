package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

// CommandFunc executes one named socket command and returns the reply
// frame, or nil when the command produces no reply.
type CommandFunc func(ctx context.Context, sender domain.ConnectionInfo, msg *domain.Message) (*domain.Message, error)

// CommandRouter dispatches domain-specific socket commands by name. The
// socket manager is transport-and-session plumbing only; everything with
// business meaning lands here.
type CommandRouter struct {
	mu       sync.RWMutex
	handlers map[string]CommandFunc
	// adminOnly marks commands that require the admin role.
	adminOnly map[string]bool
	logger    *slog.Logger
}

var _ ports.CommandHandler = (*CommandRouter)(nil)

// NewCommandRouter creates an empty router.
func NewCommandRouter(logger *slog.Logger) *CommandRouter {
	return &CommandRouter{
		handlers:  make(map[string]CommandFunc),
		adminOnly: make(map[string]bool),
		logger:    logger.With("component", "command_router"),
	}
}

// Register adds a command available to any authenticated connection.
func (cr *CommandRouter) Register(name string, fn CommandFunc) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.handlers[name] = fn
}

// RegisterAdmin adds a command restricted to connections holding the
// admin role.
func (cr *CommandRouter) RegisterAdmin(name string, fn CommandFunc) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.handlers[name] = fn
	cr.adminOnly[name] = true
}

// Handle routes a command message to its registered handler. Unknown
// commands return ErrUnknownCommand so the caller can reply with an error
// frame instead of closing the connection.
func (cr *CommandRouter) Handle(ctx context.Context, sender domain.ConnectionInfo, msg *domain.Message) (*domain.Message, error) {
	name := msg.StringFromData("command")
	if name == "" {
		return nil, apperrors.ErrMalformedMessage
	}

	cr.mu.RLock()
	fn, ok := cr.handlers[name]
	adminOnly := cr.adminOnly[name]
	cr.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrUnknownCommand
	}
	if adminOnly {
		if _, isAdmin := sender.Roles["admin"]; !isAdmin {
			return nil, apperrors.ErrAccessDenied
		}
	}

	cr.logger.Debug("dispatching command",
		"command", name,
		"connection_id", sender.ConnectionID,
		"org_id", sender.OrganizationID,
	)
	return fn(ctx, sender, msg)
}
