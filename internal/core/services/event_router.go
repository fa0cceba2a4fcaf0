package services

import (
	"context"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

// EventRouter fans a producer-side publish out across every transport.
// The primary publisher owns backbone relay and the resume window; the
// additional deliverers receive local-only copies so one publish never
// hits the backbone twice.
type EventRouter struct {
	serviceName string
	primary     ports.Publisher
	local       []ports.Deliverer
}

var _ ports.Publisher = (*EventRouter)(nil)

// NewEventRouter composes the primary publisher with extra local
// transports.
func NewEventRouter(serviceName string, primary ports.Publisher, local ...ports.Deliverer) *EventRouter {
	return &EventRouter{
		serviceName: serviceName,
		primary:     primary,
		local:       local,
	}
}

// Publish routes a channel-targeted event to every transport.
func (r *EventRouter) Publish(ctx context.Context, channel string, eventType domain.EventType, data map[string]any, eventID string) error {
	parsed, err := domain.ParseChannelName(channel)
	if err != nil {
		return apperrors.ErrInvalidChannelName
	}

	if err := r.primary.Publish(ctx, channel, eventType, data, eventID); err != nil {
		return err
	}

	event := domain.NewEvent(eventType, parsed.OrganizationID, r.serviceName, data)
	event.UserID = parsed.UserID
	for _, d := range r.local {
		d.Deliver(ctx, channel, event)
	}
	return nil
}

// PublishToOrganization routes an org-wide event to every transport.
func (r *EventRouter) PublishToOrganization(ctx context.Context, organizationID string, eventType domain.EventType, data map[string]any) error {
	if organizationID == "" {
		return apperrors.ErrOrganizationRequired
	}

	if err := r.primary.PublishToOrganization(ctx, organizationID, eventType, data); err != nil {
		return err
	}

	event := domain.NewEvent(eventType, organizationID, r.serviceName, data)
	for _, d := range r.local {
		d.DeliverToOrganization(ctx, organizationID, event)
	}
	return nil
}
