package stream

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/services"
)

func newTestManager(t *testing.T, heartbeat time.Duration) (*Manager, *services.ChannelRegistry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := services.NewChannelRegistry(logger)
	require.NoError(t, registry.CreateDefaultChannels("org-1"))
	require.NoError(t, registry.CreateDefaultChannels("org-2"))

	manager := NewManager(Config{
		ServiceName:       "gw-test",
		HeartbeatInterval: heartbeat,
	}, registry, nil, nil, logger)
	return manager, registry
}

func awaitFrame(t *testing.T, frames <-chan string) string {
	t.Helper()
	select {
	case frame, ok := <-frames:
		require.True(t, ok, "stream closed before a frame arrived")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func TestConnect_RequiresOrganization(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)

	_, err := manager.Connect("", "user-1", nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrOrganizationRequired)
}

func TestConnect_ExcludesDeniedChannels(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)

	conn, err := manager.Connect("org-1", "user-1", nil, []string{
		"org:org-1:general",
		"admin:org-1:admin",
		"org:org-2:general",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"org:org-1:general"}, conn.Channels())
}

func TestConnect_RolesUnlockGatedChannels(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)

	plain, err := manager.Connect("org-1", "user-1", nil, []string{"log:org-1:logs"})
	require.NoError(t, err)
	assert.Empty(t, plain.Channels())

	admin, err := manager.Connect("org-1", "admin-1", []string{"admin"}, []string{"log:org-1:logs"})
	require.NoError(t, err)
	assert.Equal(t, []string{"log:org-1:logs"}, admin.Channels())
}

func TestPublish_DeliversToExactChannelMatch(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	subscriber, err := manager.Connect("org-1", "user-1", nil, []string{"org:org-1:general"})
	require.NoError(t, err)
	bystander, err := manager.Connect("org-1", "user-2", nil, []string{"metric:org-1:metrics"})
	require.NoError(t, err)

	frames, err := manager.Stream(ctx, subscriber.ID)
	require.NoError(t, err)
	bystanderFrames, err := manager.Stream(ctx, bystander.ID)
	require.NoError(t, err)

	err = manager.Publish(ctx, "org:org-1:general", domain.EventSystemHealth, map[string]any{"ok": true}, "evt-1")
	require.NoError(t, err)

	frame := awaitFrame(t, frames)
	assert.True(t, strings.HasPrefix(frame, "id: evt-1\n"), frame)
	assert.Contains(t, frame, "event: system_health\n")
	assert.Contains(t, frame, `"organization_id":"org-1"`)
	assert.True(t, strings.HasSuffix(frame, "\n\n"), "frame must end with a blank line")

	select {
	case frame := <-bystanderFrames:
		t.Fatalf("bystander received frame: %q", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_InvalidChannel(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)

	err := manager.Publish(context.Background(), "garbage", domain.EventSystemHealth, nil, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidChannelName)
}

func TestPublishToOrganization_TenantIsolation(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	org1Conn, err := manager.Connect("org-1", "user-1", nil, []string{"org:org-1:general"})
	require.NoError(t, err)
	org2Conn, err := manager.Connect("org-2", "user-1", nil, []string{"org:org-2:general"})
	require.NoError(t, err)

	org1Frames, err := manager.Stream(ctx, org1Conn.ID)
	require.NoError(t, err)
	org2Frames, err := manager.Stream(ctx, org2Conn.ID)
	require.NoError(t, err)

	require.NoError(t, manager.PublishToOrganization(ctx, "org-1", domain.EventAlertTriggered, nil))

	frame := awaitFrame(t, org1Frames)
	assert.Contains(t, frame, "event: alert_triggered\n")

	select {
	case frame := <-org2Frames:
		t.Fatalf("event crossed tenants: %q", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStream_EmitsHeartbeatWhenIdle(t *testing.T) {
	manager, _ := newTestManager(t, 20*time.Millisecond)
	ctx := context.Background()

	conn, err := manager.Connect("org-1", "user-1", nil, nil)
	require.NoError(t, err)

	frames, err := manager.Stream(ctx, conn.ID)
	require.NoError(t, err)

	assert.Equal(t, HeartbeatFrame, awaitFrame(t, frames))
	assert.Equal(t, HeartbeatFrame, awaitFrame(t, frames))
}

func TestStream_UnknownConnection(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)

	_, err := manager.Stream(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
}

func TestDisconnect_ClosesStreamAndIsIdempotent(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	conn, err := manager.Connect("org-1", "user-1", nil, []string{"org:org-1:general"})
	require.NoError(t, err)

	frames, err := manager.Stream(ctx, conn.ID)
	require.NoError(t, err)

	manager.Disconnect(conn.ID)
	manager.Disconnect(conn.ID) // second call is a no-op
	manager.Disconnect("missing")

	select {
	case _, ok := <-frames:
		assert.False(t, ok, "stream should close after disconnect")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after disconnect")
	}

	stats := manager.GetConnectionStats()
	assert.Zero(t, stats.TotalConnections)

	// Publishing after disconnect must not panic or deliver.
	require.NoError(t, manager.Publish(ctx, "org:org-1:general", domain.EventSystemHealth, nil, ""))
}

func TestGetConnectionStats(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)

	_, err := manager.Connect("org-1", "user-1", nil, nil)
	require.NoError(t, err)
	_, err = manager.Connect("org-1", "user-2", nil, nil)
	require.NoError(t, err)
	_, err = manager.Connect("org-2", "user-3", nil, nil)
	require.NoError(t, err)

	stats := manager.GetConnectionStats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.ConnectionsByOrg["org-1"])
	assert.Equal(t, 1, stats.ConnectionsByOrg["org-2"])
}

type fakeReplayStore struct {
	entries []domain.ReplayEntry
}

func (f *fakeReplayStore) AppendReplay(_ context.Context, _ string, entry domain.ReplayEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeReplayStore) ReplaySince(_ context.Context, _, _ string) ([]domain.ReplayEntry, error) {
	return f.entries, nil
}

func TestReplaySince_FilteredToSubscriptions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := services.NewChannelRegistry(logger)
	require.NoError(t, registry.CreateDefaultChannels("org-1"))

	replay := &fakeReplayStore{entries: []domain.ReplayEntry{
		{ID: "ev-1", Channel: "admin:org-1:admin", Event: domain.NewEvent(domain.EventAdminCommand, "org-1", "gw-test", map[string]any{"secret": true})},
		{ID: "ev-2", Channel: "metric:org-1:metrics", Event: domain.NewEvent(domain.EventMetricsOrgUpdate, "org-1", "gw-test", nil)},
		{ID: "ev-3", Event: domain.NewEvent(domain.EventSystemHealth, "org-1", "gw-test", nil)},
	}}
	manager := NewManager(Config{ServiceName: "gw-test", HeartbeatInterval: time.Minute}, registry, nil, replay, logger)

	// The admin channel was requested but denied; its retained frames must
	// not resurface through resume. Org-wide entries always pass.
	conn, err := manager.Connect("org-1", "user-1", nil, []string{
		"metric:org-1:metrics",
		"admin:org-1:admin",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"metric:org-1:metrics"}, conn.Channels())

	entries, err := manager.ReplaySince(context.Background(), conn.ID, "ev-0")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ev-2", entries[0].ID)
	assert.Equal(t, "ev-3", entries[1].ID)
}

func TestReplaySince_UnknownConnection(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)

	_, err := manager.ReplaySince(context.Background(), "missing", "ev-0")
	assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
}

func TestFormatFrame(t *testing.T) {
	event := domain.NewEvent(domain.EventLLMStreamChunk, "org-1", "gw-test", map[string]any{"chunk": "hello"})

	withID := FormatFrame("evt-9", event)
	assert.True(t, strings.HasPrefix(withID, "id: evt-9\nevent: llm_stream_chunk\ndata: "), withID)

	withoutID := FormatFrame("", event)
	assert.True(t, strings.HasPrefix(withoutID, "event: llm_stream_chunk\n"), withoutID)
}
