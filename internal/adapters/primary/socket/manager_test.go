package socket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
	"github.com/moolai/realtime-gateway/internal/core/services"
)

// fakeTransport records outbound frames so tests can assert on the wire
// conversation without a network socket.
type fakeTransport struct {
	mu          sync.Mutex
	frames      []*domain.Message
	pings       int
	closed      bool
	closeReason string
	sendErr     error
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	msg, err := domain.ParseMessage(data)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeTransport) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) lastFrame() *domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) closedWith() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeReason
}

// fakeAuthenticator resolves tokens from a fixed table.
type fakeAuthenticator struct {
	results map[string]*ports.AuthResult
}

func (f *fakeAuthenticator) Validate(_ context.Context, token string) (*ports.AuthResult, error) {
	if result, ok := f.results[token]; ok {
		return result, nil
	}
	return nil, apperrors.ErrAuthFailed
}

func newTestSetup(t *testing.T, cfg Config) (*Manager, *services.ChannelRegistry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := services.NewChannelRegistry(logger)
	require.NoError(t, registry.CreateDefaultChannels("org-1"))
	require.NoError(t, registry.CreateDefaultChannels("org-2"))

	authenticator := &fakeAuthenticator{results: map[string]*ports.AuthResult{
		"token-user":  {UserID: "user-1", OrganizationID: "org-1", Roles: nil},
		"token-admin": {UserID: "admin-1", OrganizationID: "org-1", Roles: []string{"admin"}},
		"token-org2":  {UserID: "user-9", OrganizationID: "org-2"},
	}}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "gw-test"
	}
	router := services.NewCommandRouter(logger)
	router.Register("echo", func(_ context.Context, _ domain.ConnectionInfo, msg *domain.Message) (*domain.Message, error) {
		return domain.NewMessage(domain.MessageTypeSuccess, map[string]any{"echo": msg.StringFromData("value")}), nil
	})

	return NewManager(cfg, registry, nil, authenticator, router, logger), registry
}

func clientFrame(t *testing.T, msgType domain.MessageType, data map[string]any, messageID string) []byte {
	t.Helper()
	raw, err := json.Marshal(domain.Message{
		Type:      msgType,
		Data:      data,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	return raw
}

func connectAndAuth(t *testing.T, m *Manager, transport *fakeTransport, token string) *Conn {
	t.Helper()
	conn, err := m.Connect(context.Background(), transport, "org-1", "")
	require.NoError(t, err)
	require.NoError(t, m.Authenticate(context.Background(), conn.ID, token))
	return conn
}

func TestConnect_SendsConfirmationFrame(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn, err := m.Connect(context.Background(), transport, "org-1", "user-1")
	require.NoError(t, err)

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeSuccess, frame.Type)
	assert.Equal(t, "Connected", frame.Data["message"])
	assert.Equal(t, conn.ID, frame.Data["connection_id"])
}

func TestConnect_RequiresOrganization(t *testing.T) {
	m, _ := newTestSetup(t, Config{})

	_, err := m.Connect(context.Background(), &fakeTransport{}, "", "")
	assert.ErrorIs(t, err, apperrors.ErrOrganizationRequired)
}

func TestConnect_QuotaPerOrganization(t *testing.T) {
	m, _ := newTestSetup(t, Config{MaxConnectionsPerOrg: 2})
	ctx := context.Background()

	_, err := m.Connect(ctx, &fakeTransport{}, "org-1", "")
	require.NoError(t, err)
	_, err = m.Connect(ctx, &fakeTransport{}, "org-1", "")
	require.NoError(t, err)

	rejected := &fakeTransport{}
	_, err = m.Connect(ctx, rejected, "org-1", "")
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)
	closed, reason := rejected.closedWith()
	assert.True(t, closed)
	assert.Equal(t, apperrors.ReasonCapacityExceeded, reason)

	// Another tenant's quota is untouched.
	_, err = m.Connect(ctx, &fakeTransport{}, "org-2", "")
	assert.NoError(t, err)
}

func TestConnect_QuotaUnderConcurrency(t *testing.T) {
	const limit = 3
	const attempts = 20

	m, _ := newTestSetup(t, Config{MaxConnectionsPerOrg: limit})

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Connect(context.Background(), &fakeTransport{}, "org-1", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var admitted, rejected int
	for err := range results {
		if err == nil {
			admitted++
		} else {
			require.ErrorIs(t, err, apperrors.ErrCapacityExceeded)
			rejected++
		}
	}
	assert.Equal(t, limit, admitted)
	assert.Equal(t, attempts-limit, rejected)
}

func TestAuthenticate_Success(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-user")

	assert.True(t, conn.IsAuthenticated())
	assert.Equal(t, "user-1", conn.UserID())

	stats := m.GetConnectionStats()
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.AuthenticatedConnections)
}

func TestAuthenticate_InvalidTokenClosesConnection(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn, err := m.Connect(context.Background(), transport, "org-1", "")
	require.NoError(t, err)

	err = m.Authenticate(context.Background(), conn.ID, "bad-token")
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)

	closed, reason := transport.closedWith()
	assert.True(t, closed)
	assert.Equal(t, apperrors.ReasonAuthFailed, reason)
	assert.Zero(t, m.GetConnectionStats().TotalConnections)
}

func TestAuthenticate_TokenForAnotherOrganizationFails(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn, err := m.Connect(context.Background(), transport, "org-1", "")
	require.NoError(t, err)

	err = m.Authenticate(context.Background(), conn.ID, "token-org2")
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)

	closed, reason := transport.closedWith()
	assert.True(t, closed)
	assert.Equal(t, apperrors.ReasonAuthFailed, reason)
}

func TestAuthenticate_TimeoutClosesConnection(t *testing.T) {
	m, _ := newTestSetup(t, Config{AuthTimeout: 30 * time.Millisecond})
	transport := &fakeTransport{}

	_, err := m.Connect(context.Background(), transport, "org-1", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		closed, reason := transport.closedWith()
		return closed && reason == apperrors.ReasonAuthTimeout
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, m.GetConnectionStats().TotalConnections)
}

func TestAuthenticate_InTimeSurvivesDeadline(t *testing.T) {
	m, _ := newTestSetup(t, Config{AuthTimeout: 50 * time.Millisecond})
	transport := &fakeTransport{}

	connectAndAuth(t, m, transport, "token-user")

	time.Sleep(120 * time.Millisecond)
	closed, _ := transport.closedWith()
	assert.False(t, closed)
	assert.Equal(t, 1, m.GetConnectionStats().TotalConnections)
}

func TestHandleMessage_PingEchoesCorrelation(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	// Ping is allowed before authentication.
	conn, err := m.Connect(context.Background(), transport, "org-1", "")
	require.NoError(t, err)

	raw := clientFrame(t, domain.MessageTypePing, nil, "msg-42")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, raw))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypePong, frame.Type)
	assert.Equal(t, "msg-42", frame.CorrelationID)
}

func TestHandleMessage_MalformedDoesNotKillConnection(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-user")

	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, []byte("{broken")))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeError, frame.Type)
	assert.Equal(t, "MALFORMED_MESSAGE", frame.Data["code"])

	closed, _ := transport.closedWith()
	assert.False(t, closed)
	assert.Equal(t, 1, m.GetConnectionStats().TotalConnections)
}

func TestHandleMessage_UnknownTypeGetsErrorFrame(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-user")

	raw := clientFrame(t, domain.MessageType("teleport"), nil, "msg-1")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, raw))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeError, frame.Type)
	assert.Equal(t, "UNKNOWN_MESSAGE_TYPE", frame.Data["code"])
	assert.Equal(t, "msg-1", frame.CorrelationID)
}

func TestHandleMessage_RequiresAuthentication(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn, err := m.Connect(context.Background(), transport, "org-1", "")
	require.NoError(t, err)

	raw := clientFrame(t, domain.MessageTypeSubscribe, map[string]any{
		"channels": []string{"org:org-1:general"},
	}, "msg-1")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, raw))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeError, frame.Type)
	assert.Equal(t, "NOT_AUTHENTICATED", frame.Data["code"])
}

func TestHandleMessage_UnknownConnection(t *testing.T) {
	m, _ := newTestSetup(t, Config{})

	err := m.HandleMessage(context.Background(), "missing", []byte("{}"))
	assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
}

func TestSubscribe_PartitionsByAccess(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-user")

	raw := clientFrame(t, domain.MessageTypeSubscribe, map[string]any{
		"channels": []string{"org:org-1:general", "admin:org-1:admin", "org:org-2:general"},
	}, "msg-7")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, raw))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeSuccess, frame.Type)
	assert.Equal(t, "msg-7", frame.CorrelationID)
	assert.Equal(t, []any{"org:org-1:general"}, frame.Data["subscribed"])
	assert.ElementsMatch(t, []any{"admin:org-1:admin", "org:org-2:general"}, frame.Data["denied"])
}

func TestSubscribe_AdminRoleUnlocksGatedChannel(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-admin")

	raw := clientFrame(t, domain.MessageTypeSubscribe, map[string]any{
		"channels": []string{"admin:org-1:admin"},
	}, "msg-8")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, raw))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, []any{"admin:org-1:admin"}, frame.Data["subscribed"])
	assert.Empty(t, frame.Data["denied"])
}

func TestUnsubscribe(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-user")

	subscribe := clientFrame(t, domain.MessageTypeSubscribe, map[string]any{
		"channels": []string{"org:org-1:general"},
	}, "msg-1")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, subscribe))

	unsubscribe := clientFrame(t, domain.MessageTypeUnsubscribe, map[string]any{
		"channels": []string{"org:org-1:general", "metric:org-1:metrics"},
	}, "msg-2")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, unsubscribe))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeSuccess, frame.Type)
	assert.Equal(t, []any{"org:org-1:general"}, frame.Data["unsubscribed"])
	assert.Empty(t, conn.Channels())
}

func TestCommand_RoutedToHandler(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-user")

	raw := clientFrame(t, domain.MessageTypeCommand, map[string]any{
		"command": "echo",
		"value":   "hello",
	}, "msg-9")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, raw))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeSuccess, frame.Type)
	assert.Equal(t, "hello", frame.Data["echo"])
	assert.Equal(t, "msg-9", frame.CorrelationID)
}

func TestCommand_UnknownCommandKeepsConnection(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-user")

	raw := clientFrame(t, domain.MessageTypeCommand, map[string]any{"command": "nope"}, "msg-3")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, raw))

	frame := transport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeError, frame.Type)
	assert.Equal(t, "UNKNOWN_COMMAND", frame.Data["code"])
	assert.Equal(t, 1, m.GetConnectionStats().TotalConnections)
}

func TestPublish_DeliversOnlyToAuthenticatedSubscribers(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	ctx := context.Background()

	subTransport := &fakeTransport{}
	subscriber := connectAndAuth(t, m, subTransport, "token-user")
	subscribe := clientFrame(t, domain.MessageTypeSubscribe, map[string]any{
		"channels": []string{"org:org-1:general"},
	}, "msg-1")
	require.NoError(t, m.HandleMessage(ctx, subscriber.ID, subscribe))

	pendingTransport := &fakeTransport{}
	_, err := m.Connect(ctx, pendingTransport, "org-1", "")
	require.NoError(t, err)
	pendingFrames := pendingTransport.frameCount()

	require.NoError(t, m.Publish(ctx, "org:org-1:general", domain.EventSystemHealth, map[string]any{"ok": true}, ""))

	frame := subTransport.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, domain.MessageTypeEvent, frame.Type)

	// The unauthenticated connection received nothing new.
	assert.Equal(t, pendingFrames, pendingTransport.frameCount())
}

func TestDisconnect_ReleasesQuotaExactlyOnce(t *testing.T) {
	m, _ := newTestSetup(t, Config{MaxConnectionsPerOrg: 1})
	ctx := context.Background()

	transport := &fakeTransport{}
	conn, err := m.Connect(ctx, transport, "org-1", "")
	require.NoError(t, err)

	m.Disconnect(conn.ID, apperrors.ReasonClientRequest)
	m.Disconnect(conn.ID, apperrors.ReasonClientRequest) // no-op
	m.Disconnect("missing", apperrors.ReasonClientRequest)

	closed, reason := transport.closedWith()
	assert.True(t, closed)
	assert.Equal(t, apperrors.ReasonClientRequest, reason)

	// The freed slot admits exactly one new connection.
	_, err = m.Connect(ctx, &fakeTransport{}, "org-1", "")
	require.NoError(t, err)
	_, err = m.Connect(ctx, &fakeTransport{}, "org-1", "")
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)
}

func TestSendFailureTearsDownConnection(t *testing.T) {
	m, _ := newTestSetup(t, Config{})
	transport := &fakeTransport{}

	conn := connectAndAuth(t, m, transport, "token-user")

	transport.mu.Lock()
	transport.sendErr = apperrors.ErrConnectionClosed
	transport.mu.Unlock()

	raw := clientFrame(t, domain.MessageTypePing, nil, "msg-1")
	require.NoError(t, m.HandleMessage(context.Background(), conn.ID, raw))

	require.Eventually(t, func() bool {
		return m.GetConnectionStats().TotalConnections == 0
	}, time.Second, 10*time.Millisecond)
}
