package ports

import (
	"context"

	"github.com/moolai/realtime-gateway/internal/core/domain"
)

// AuthResult carries the identity an Authenticator resolved from a token.
type AuthResult struct {
	UserID         string
	OrganizationID string
	Roles          []string
}

// Authenticator validates opaque client tokens. Any token scheme may be
// substituted; the socket manager only inspects the result.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*AuthResult, error)
}

// ChannelRegistry owns the mapping from logical channel names to full
// names and answers access-control queries. All operations are local and
// fail only on invalid input.
type ChannelRegistry interface {
	CreateChannel(name string, channelType domain.ChannelType, organizationID, userID string, requiredRoles []string) (*domain.Channel, error)
	CanAccessChannel(fullName, organizationID, userID string, roles map[string]struct{}) bool
	SubscribeUser(organizationID, userID string, roles map[string]struct{}, channels []string) (subscribed, denied []string)
	UnsubscribeUser(organizationID, userID string, channels []string) (removed []string)
	GetUserSubscriptions(organizationID, userID string) []string
	CreateDefaultChannels(organizationID string) error
	GetOrganizationStats(organizationID string) domain.OrganizationStats
}

// EventHandler is invoked for every matching event received from the
// backbone. channel is the target channel full name; empty means the
// event addresses the whole organization.
type EventHandler func(ctx context.Context, channel string, event domain.Event)

// Backbone bridges local publish/subscribe to the shared cross-process
// event store. Publish hands the event off; delivery to remote
// subscribers is best-effort.
type Backbone interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	RegisterListener(eventType domain.EventType, handler EventHandler)
	Publish(ctx context.Context, event domain.Event) error
	PublishToChannel(ctx context.Context, channel string, event domain.Event) error
	PublishToOrganization(ctx context.Context, organizationID string, eventType domain.EventType, data map[string]any) error
}

// ReplayStore persists the short connection-resume window for the
// streaming transport. Replay beyond this window is out of scope.
type ReplayStore interface {
	AppendReplay(ctx context.Context, organizationID string, entry domain.ReplayEntry) error
	ReplaySince(ctx context.Context, organizationID, lastEventID string) ([]domain.ReplayEntry, error)
}

// Publisher is the producer-facing surface of a connection manager.
// Event producers call these and never touch connection internals.
type Publisher interface {
	Publish(ctx context.Context, channel string, eventType domain.EventType, data map[string]any, eventID string) error
	PublishToOrganization(ctx context.Context, organizationID string, eventType domain.EventType, data map[string]any) error
}

// Deliverer performs local-only fan-out on one transport, without
// backbone relay. Used when another component already owns the relay.
type Deliverer interface {
	Deliver(ctx context.Context, channel string, event domain.Event)
	DeliverToOrganization(ctx context.Context, organizationID string, event domain.Event)
}

// CommandHandler receives domain-specific socket commands the connection
// manager does not understand itself. Returning a nil message means the
// handler produced no reply.
type CommandHandler interface {
	Handle(ctx context.Context, sender domain.ConnectionInfo, msg *domain.Message) (*domain.Message, error)
}
