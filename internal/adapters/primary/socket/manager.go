package socket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

const (
	defaultMaxConnectionsPerOrg = 100
	defaultPingInterval         = 30 * time.Second
	defaultAuthTimeout          = 10 * time.Second

	// missedWindows is how many ping intervals a connection may stay
	// silent before the liveness sweep disconnects it.
	missedWindows = 3
)

// Config carries the socket manager's tunables. Zero values fall back to
// the defaults above.
type Config struct {
	ServiceName          string
	MaxConnectionsPerOrg int
	PingInterval         time.Duration
	AuthTimeout          time.Duration
}

// messageHandler processes one inbound frame for a connection. Handlers
// reply over the connection themselves; a handler error never kills the
// connection.
type messageHandler func(ctx context.Context, conn *Conn, msg *domain.Message)

// Manager owns every live socket connection. It enforces the per-tenant
// quota, runs the auth handshake, routes inbound frames, and fans
// published events out to subscribers.
type Manager struct {
	cfg           Config
	registry      ports.ChannelRegistry
	backbone      ports.Backbone
	authenticator ports.Authenticator
	commands      ports.CommandHandler
	logger        *slog.Logger

	handlers map[domain.MessageType]messageHandler

	mu           sync.RWMutex
	conns        map[string]*Conn
	orgConns     map[string]map[string]*Conn
	channelConns map[string]map[string]*Conn
}

var (
	_ ports.Publisher = (*Manager)(nil)
	_ ports.Deliverer = (*Manager)(nil)
)

// NewManager wires a socket manager. backbone and commands may be nil:
// without a backbone events stay process-local, without a command
// handler every command frame is rejected as unknown.
func NewManager(
	cfg Config,
	registry ports.ChannelRegistry,
	backbone ports.Backbone,
	authenticator ports.Authenticator,
	commands ports.CommandHandler,
	logger *slog.Logger,
) *Manager {
	if cfg.MaxConnectionsPerOrg <= 0 {
		cfg.MaxConnectionsPerOrg = defaultMaxConnectionsPerOrg
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}

	m := &Manager{
		cfg:           cfg,
		registry:      registry,
		backbone:      backbone,
		authenticator: authenticator,
		commands:      commands,
		logger:        logger.With("component", "socket_manager"),
		conns:         make(map[string]*Conn),
		orgConns:      make(map[string]map[string]*Conn),
		channelConns:  make(map[string]map[string]*Conn),
	}
	m.handlers = map[domain.MessageType]messageHandler{
		domain.MessageTypePing:         m.handlePing,
		domain.MessageTypeAuthenticate: m.handleAuthenticate,
		domain.MessageTypeSubscribe:    m.handleSubscribe,
		domain.MessageTypeUnsubscribe:  m.handleUnsubscribe,
		domain.MessageTypeCommand:      m.handleCommand,
	}
	return m
}

// RegisterBackboneListeners subscribes the manager to every event type so
// events published by sibling processes reach local connections.
func (m *Manager) RegisterBackboneListeners() {
	if m.backbone == nil {
		return
	}
	for _, t := range domain.EventTypes() {
		m.backbone.RegisterListener(t, m.handleBackboneEvent)
	}
}

// Connect admits a new connection. The quota check and the registration
// happen under one lock so concurrent connects can never overshoot the
// per-organization limit. On success the client receives a confirmation
// frame and the auth handshake deadline starts running.
func (m *Manager) Connect(ctx context.Context, transport Transport, organizationID, userID string) (*Conn, error) {
	if organizationID == "" {
		return nil, apperrors.ErrOrganizationRequired
	}

	conn := newConn(transport, organizationID, userID)

	m.mu.Lock()
	if len(m.orgConns[organizationID]) >= m.cfg.MaxConnectionsPerOrg {
		m.mu.Unlock()
		_ = transport.Close(apperrors.ReasonCapacityExceeded)
		m.logger.Warn("connection rejected: organization at capacity",
			"organization_id", organizationID,
			"limit", m.cfg.MaxConnectionsPerOrg,
		)
		return nil, apperrors.ErrCapacityExceeded
	}
	m.conns[conn.ID] = conn
	org, ok := m.orgConns[organizationID]
	if !ok {
		org = make(map[string]*Conn)
		m.orgConns[organizationID] = org
	}
	org[conn.ID] = conn
	m.mu.Unlock()

	confirm := domain.NewMessage(domain.MessageTypeSuccess, map[string]any{
		"message":       "Connected",
		"connection_id": conn.ID,
	})
	if err := m.send(ctx, conn, confirm); err != nil {
		m.Disconnect(conn.ID, apperrors.ReasonTransportError)
		return nil, apperrors.Wrap(err, "send connect confirmation")
	}

	conn.mu.Lock()
	conn.authTimer = time.AfterFunc(m.cfg.AuthTimeout, func() {
		if !conn.IsAuthenticated() {
			m.logger.Info("authentication deadline expired",
				"connection_id", conn.ID,
				"organization_id", conn.OrganizationID,
			)
			m.Disconnect(conn.ID, apperrors.ReasonAuthTimeout)
		}
	})
	conn.mu.Unlock()

	m.logger.Info("socket connected",
		"connection_id", conn.ID,
		"organization_id", organizationID,
	)
	return conn, nil
}

// Authenticate resolves the token and binds the resulting identity to the
// connection. A token for a different organization is treated as a failed
// handshake: the tenant a connection was admitted for can never change.
func (m *Manager) Authenticate(ctx context.Context, connectionID, token string) error {
	conn := m.lookup(connectionID)
	if conn == nil {
		return apperrors.ErrConnectionNotFound
	}
	if conn.IsAuthenticated() {
		return apperrors.ErrAlreadyAuthenticated
	}

	result, err := m.authenticator.Validate(ctx, token)
	if err != nil || result == nil {
		m.logger.Warn("authentication failed",
			"connection_id", connectionID,
			"organization_id", conn.OrganizationID,
			"error", err,
		)
		m.Disconnect(connectionID, apperrors.ReasonAuthFailed)
		return apperrors.ErrAuthFailed
	}
	if result.OrganizationID != conn.OrganizationID {
		m.logger.Warn("token organization does not match connection",
			"connection_id", connectionID,
			"organization_id", conn.OrganizationID,
		)
		m.Disconnect(connectionID, apperrors.ReasonAuthFailed)
		return apperrors.ErrAuthFailed
	}

	conn.markAuthenticated(result)
	m.logger.Info("socket authenticated",
		"connection_id", connectionID,
		"organization_id", conn.OrganizationID,
		"user_id", result.UserID,
	)
	return nil
}

// HandleMessage routes one raw inbound frame. Client mistakes (bad JSON,
// unknown types, denied commands) produce an error frame and leave the
// connection open; only an unknown connection id is reported to the
// caller so its read loop can stop.
func (m *Manager) HandleMessage(ctx context.Context, connectionID string, raw []byte) error {
	conn := m.lookup(connectionID)
	if conn == nil {
		return apperrors.ErrConnectionNotFound
	}
	conn.touch()

	msg, err := domain.ParseMessage(raw)
	if err != nil {
		m.sendError(ctx, conn, "MALFORMED_MESSAGE", "message could not be parsed", "")
		return nil
	}

	if !conn.IsAuthenticated() &&
		msg.Type != domain.MessageTypeAuthenticate &&
		msg.Type != domain.MessageTypePing {
		m.sendError(ctx, conn, "NOT_AUTHENTICATED", "authenticate first", msg.MessageID)
		return nil
	}

	handler, ok := m.handlers[msg.Type]
	if !ok {
		m.sendError(ctx, conn, "UNKNOWN_MESSAGE_TYPE", "unrecognized message type: "+string(msg.Type), msg.MessageID)
		return nil
	}
	handler(ctx, conn, msg)
	return nil
}

func (m *Manager) handlePing(ctx context.Context, conn *Conn, msg *domain.Message) {
	pong := domain.NewResponse(domain.MessageTypePong, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, msg.MessageID)
	_ = m.send(ctx, conn, pong)
}

func (m *Manager) handleAuthenticate(ctx context.Context, conn *Conn, msg *domain.Message) {
	token := msg.StringFromData("token")
	if token == "" {
		m.sendError(ctx, conn, "MALFORMED_MESSAGE", "authenticate requires a token", msg.MessageID)
		return
	}

	if err := m.Authenticate(ctx, conn.ID, token); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyAuthenticated) {
			m.sendError(ctx, conn, "ALREADY_AUTHENTICATED", "connection is already authenticated", msg.MessageID)
		}
		// A failed handshake already closed the connection; nothing to send.
		return
	}

	confirm := domain.NewResponse(domain.MessageTypeSuccess, map[string]any{
		"message": "Authenticated",
		"user_id": conn.UserID(),
	}, msg.MessageID)
	_ = m.send(ctx, conn, confirm)
}

func (m *Manager) handleSubscribe(ctx context.Context, conn *Conn, msg *domain.Message) {
	channels := msg.StringsFromData("channels")
	if len(channels) == 0 {
		m.sendError(ctx, conn, "MALFORMED_MESSAGE", "subscribe requires a channels list", msg.MessageID)
		return
	}

	subscribed, denied := m.registry.SubscribeUser(conn.OrganizationID, conn.UserID(), conn.Roles(), channels)

	conn.addChannels(subscribed)
	m.mu.Lock()
	for _, fullName := range subscribed {
		idx, ok := m.channelConns[fullName]
		if !ok {
			idx = make(map[string]*Conn)
			m.channelConns[fullName] = idx
		}
		idx[conn.ID] = conn
	}
	m.mu.Unlock()

	reply := domain.NewResponse(domain.MessageTypeSuccess, map[string]any{
		"subscribed": subscribed,
		"denied":     denied,
	}, msg.MessageID)
	_ = m.send(ctx, conn, reply)
}

func (m *Manager) handleUnsubscribe(ctx context.Context, conn *Conn, msg *domain.Message) {
	channels := msg.StringsFromData("channels")
	if len(channels) == 0 {
		m.sendError(ctx, conn, "MALFORMED_MESSAGE", "unsubscribe requires a channels list", msg.MessageID)
		return
	}

	removed := m.registry.UnsubscribeUser(conn.OrganizationID, conn.UserID(), channels)

	conn.removeChannels(removed)
	m.mu.Lock()
	for _, fullName := range removed {
		if idx, ok := m.channelConns[fullName]; ok {
			delete(idx, conn.ID)
			if len(idx) == 0 {
				delete(m.channelConns, fullName)
			}
		}
	}
	m.mu.Unlock()

	reply := domain.NewResponse(domain.MessageTypeSuccess, map[string]any{
		"unsubscribed": removed,
	}, msg.MessageID)
	_ = m.send(ctx, conn, reply)
}

func (m *Manager) handleCommand(ctx context.Context, conn *Conn, msg *domain.Message) {
	if m.commands == nil {
		m.sendError(ctx, conn, "UNKNOWN_COMMAND", "no command handler configured", msg.MessageID)
		return
	}

	reply, err := m.commands.Handle(ctx, conn.Info(), msg)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUnknownCommand):
			m.sendError(ctx, conn, "UNKNOWN_COMMAND", err.Error(), msg.MessageID)
		case errors.Is(err, apperrors.ErrAccessDenied):
			m.sendError(ctx, conn, "FORBIDDEN", err.Error(), msg.MessageID)
		default:
			m.sendError(ctx, conn, "COMMAND_FAILED", err.Error(), msg.MessageID)
		}
		return
	}
	if reply == nil {
		return
	}
	reply.CorrelationID = msg.MessageID
	_ = m.send(ctx, conn, reply)
}

// Touch records peer activity for a connection, typically from the
// transport's pong callback.
func (m *Manager) Touch(connectionID string) {
	if conn := m.lookup(connectionID); conn != nil {
		conn.touch()
	}
}

// Disconnect removes a connection and closes its transport. Idempotent:
// the quota slot is released exactly once no matter how many paths race
// to tear the same connection down.
func (m *Manager) Disconnect(connectionID, reason string) {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connectionID)
	if org, ok := m.orgConns[conn.OrganizationID]; ok {
		delete(org, connectionID)
		if len(org) == 0 {
			delete(m.orgConns, conn.OrganizationID)
		}
	}
	for _, fullName := range conn.Channels() {
		if idx, ok := m.channelConns[fullName]; ok {
			delete(idx, connectionID)
			if len(idx) == 0 {
				delete(m.channelConns, fullName)
			}
		}
	}
	m.mu.Unlock()

	conn.close(reason)
	m.logger.Info("socket disconnected",
		"connection_id", connectionID,
		"organization_id", conn.OrganizationID,
		"reason", reason,
	)
}

// Publish delivers an event to every local subscriber of the channel and
// relays it to the backbone for sibling processes. Backbone unavailability
// is logged, never surfaced: local delivery already happened.
func (m *Manager) Publish(ctx context.Context, channel string, eventType domain.EventType, data map[string]any, eventID string) error {
	parsed, err := domain.ParseChannelName(channel)
	if err != nil {
		return apperrors.Wrap(err, "parse channel %q", channel)
	}
	// eventID is a streaming resume concern; socket frames do not carry it.
	event := domain.NewEvent(eventType, parsed.OrganizationID, m.cfg.ServiceName, data)
	event.UserID = parsed.UserID

	m.deliverToChannel(ctx, channel, event)
	m.relay(ctx, channel, event)
	return nil
}

// PublishToOrganization delivers an event to every connection of the
// organization regardless of channel subscriptions.
func (m *Manager) PublishToOrganization(ctx context.Context, organizationID string, eventType domain.EventType, data map[string]any) error {
	if organizationID == "" {
		return apperrors.ErrOrganizationRequired
	}

	event := domain.NewEvent(eventType, organizationID, m.cfg.ServiceName, data)
	m.deliverToOrganization(ctx, event)
	m.relay(ctx, "", event)
	return nil
}

// GetConnectionStats returns a point-in-time snapshot of the manager.
func (m *Manager) GetConnectionStats() domain.SocketStats {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	stats := domain.SocketStats{TotalConnections: len(conns)}
	for _, conn := range conns {
		if conn.IsAuthenticated() {
			stats.AuthenticatedConnections++
		}
	}
	return stats
}

// Run drives the liveness loop until ctx is cancelled: every interval it
// pings all connections and disconnects the ones that have been silent
// for several intervals. On return every connection is closed with a
// shutdown reason.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	deadline := time.Now().Add(-time.Duration(missedWindows) * m.cfg.PingInterval)

	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if conn.lastSeen().Before(deadline) {
			m.logger.Warn("connection unresponsive",
				"connection_id", conn.ID,
				"organization_id", conn.OrganizationID,
				"last_seen", conn.lastSeen(),
			)
			m.Disconnect(conn.ID, apperrors.ReasonLivenessTimeout)
			continue
		}
		if err := conn.transport.Ping(ctx); err != nil {
			m.Disconnect(conn.ID, apperrors.ReasonTransportError)
		}
	}
}

func (m *Manager) shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id, apperrors.ReasonServerShutdown)
	}
}

// handleBackboneEvent feeds an event from a sibling process into local
// delivery. Events this process published are skipped: their local
// fan-out already happened at publish time.
func (m *Manager) handleBackboneEvent(ctx context.Context, channel string, event domain.Event) {
	if event.Source == m.cfg.ServiceName {
		return
	}
	if channel == "" {
		m.deliverToOrganization(ctx, event)
		return
	}
	m.deliverToChannel(ctx, channel, event)
}

// Deliver fans an event out to local subscribers of the channel without
// touching the backbone. The event router uses it when another transport
// already relayed the event.
func (m *Manager) Deliver(ctx context.Context, channel string, event domain.Event) {
	m.deliverToChannel(ctx, channel, event)
}

// DeliverToOrganization fans an event out to every local connection of
// the organization without touching the backbone.
func (m *Manager) DeliverToOrganization(ctx context.Context, organizationID string, event domain.Event) {
	event.OrganizationID = organizationID
	m.deliverToOrganization(ctx, event)
}

func (m *Manager) deliverToChannel(ctx context.Context, channel string, event domain.Event) {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.channelConns[channel]))
	for _, conn := range m.channelConns[channel] {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	m.deliver(ctx, targets, event)
}

func (m *Manager) deliverToOrganization(ctx context.Context, event domain.Event) {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.orgConns[event.OrganizationID]))
	for _, conn := range m.orgConns[event.OrganizationID] {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	m.deliver(ctx, targets, event)
}

// deliver serializes the event once per recipient and writes it as an
// event frame. Only authenticated connections receive events.
func (m *Manager) deliver(ctx context.Context, targets []*Conn, event domain.Event) {
	frame := domain.NewMessage(domain.MessageTypeEvent, map[string]any{
		"event": event,
	})
	for _, conn := range targets {
		if !conn.IsAuthenticated() {
			continue
		}
		_ = m.send(ctx, conn, frame)
	}
}

// relay hands the event to the backbone so sibling processes can deliver
// it to their own connections.
func (m *Manager) relay(ctx context.Context, channel string, event domain.Event) {
	if m.backbone == nil {
		return
	}
	var err error
	if channel == "" {
		err = m.backbone.Publish(ctx, event)
	} else {
		err = m.backbone.PublishToChannel(ctx, channel, event)
	}
	if err == nil {
		return
	}
	if errors.Is(err, apperrors.ErrBackboneUnavailable) {
		m.logger.Warn("backbone unavailable, remote fan-out skipped",
			"event_type", event.Type,
			"organization_id", event.OrganizationID,
		)
		return
	}
	m.logger.Warn("backbone publish failed",
		"event_type", event.Type,
		"organization_id", event.OrganizationID,
		"error", err,
	)
}

// send writes one frame. A transport failure schedules the connection for
// teardown; callers treat the write as fire-and-forget.
func (m *Manager) send(ctx context.Context, conn *Conn, msg *domain.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return apperrors.Wrap(err, "encode message")
	}
	if err := conn.transport.Send(ctx, data); err != nil {
		m.logger.Warn("send failed, dropping connection",
			"connection_id", conn.ID,
			"error", err,
		)
		go m.Disconnect(conn.ID, apperrors.ReasonTransportError)
		return apperrors.ErrConnectionClosed
	}
	return nil
}

func (m *Manager) sendError(ctx context.Context, conn *Conn, code, detail, correlationID string) {
	_ = m.send(ctx, conn, domain.NewErrorMessage(code, detail, correlationID))
}

func (m *Manager) lookup(connectionID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connectionID]
}
