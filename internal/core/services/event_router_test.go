package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
)

type fakePublisher struct {
	channels []string
	orgs     []string
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, _ domain.EventType, _ map[string]any, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.channels = append(f.channels, channel)
	return nil
}

func (f *fakePublisher) PublishToOrganization(_ context.Context, organizationID string, _ domain.EventType, _ map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.orgs = append(f.orgs, organizationID)
	return nil
}

type fakeDeliverer struct {
	channels []string
	orgs     []string
	events   []domain.Event
}

func (f *fakeDeliverer) Deliver(_ context.Context, channel string, event domain.Event) {
	f.channels = append(f.channels, channel)
	f.events = append(f.events, event)
}

func (f *fakeDeliverer) DeliverToOrganization(_ context.Context, organizationID string, event domain.Event) {
	f.orgs = append(f.orgs, organizationID)
	f.events = append(f.events, event)
}

func TestEventRouter_PublishFansOutOnce(t *testing.T) {
	primary := &fakePublisher{}
	local := &fakeDeliverer{}
	router := NewEventRouter("gw-1", primary, local)

	err := router.Publish(context.Background(), "org:org-1:general", domain.EventSystemHealth, map[string]any{"ok": true}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"org:org-1:general"}, primary.channels)
	assert.Equal(t, []string{"org:org-1:general"}, local.channels)
	require.Len(t, local.events, 1)
	assert.Equal(t, "org-1", local.events[0].OrganizationID)
	assert.Equal(t, "gw-1", local.events[0].Source)
}

func TestEventRouter_PublishInvalidChannel(t *testing.T) {
	primary := &fakePublisher{}
	local := &fakeDeliverer{}
	router := NewEventRouter("gw-1", primary, local)

	err := router.Publish(context.Background(), "garbage", domain.EventSystemHealth, nil, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidChannelName)
	assert.Empty(t, primary.channels)
	assert.Empty(t, local.channels)
}

func TestEventRouter_PrimaryFailureSkipsLocal(t *testing.T) {
	primary := &fakePublisher{err: apperrors.ErrOrganizationRequired}
	local := &fakeDeliverer{}
	router := NewEventRouter("gw-1", primary, local)

	err := router.Publish(context.Background(), "org:org-1:general", domain.EventSystemHealth, nil, "")
	assert.Error(t, err)
	assert.Empty(t, local.channels)
}

func TestEventRouter_PublishToOrganization(t *testing.T) {
	primary := &fakePublisher{}
	local := &fakeDeliverer{}
	router := NewEventRouter("gw-1", primary, local)

	require.NoError(t, router.PublishToOrganization(context.Background(), "org-1", domain.EventMetricsOrgUpdate, nil))
	assert.Equal(t, []string{"org-1"}, primary.orgs)
	assert.Equal(t, []string{"org-1"}, local.orgs)

	assert.ErrorIs(t, router.PublishToOrganization(context.Background(), "", domain.EventMetricsOrgUpdate, nil), apperrors.ErrOrganizationRequired)
}
