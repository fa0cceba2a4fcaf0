// Package stream manages long-lived one-way streaming connections: it
// subscribes them to tenant channels, fans published events out to their
// mailboxes, and emits heartbeat frames on idle connections.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

// HeartbeatFrame is the comment frame emitted on idle connections to keep
// intermediaries from timing out the stream.
const HeartbeatFrame = ": heartbeat\n\n"

// Config holds streaming manager settings.
type Config struct {
	// ServiceName identifies this process instance as an event source.
	ServiceName string
	// HeartbeatInterval is the idle period after which a heartbeat frame
	// is emitted.
	HeartbeatInterval time.Duration
}

// Manager owns every streaming connection on this process instance.
type Manager struct {
	cfg      Config
	registry ports.ChannelRegistry
	// backbone relays published events to other process instances.
	// May be nil: local-only delivery still works.
	backbone ports.Backbone
	// replay records delivered frames for Last-Event-ID resume. May be nil.
	replay ports.ReplayStore

	mu sync.RWMutex
	// conns is the global connection-id index.
	conns map[string]*Connection
	// channelConns maps channel full name -> connection id -> connection.
	channelConns map[string]map[string]*Connection
	// orgConns maps organization id -> connection id -> connection.
	orgConns map[string]map[string]*Connection

	logger *slog.Logger
}

var _ ports.Publisher = (*Manager)(nil)

// NewManager creates a streaming manager with no connections.
func NewManager(cfg Config, registry ports.ChannelRegistry, backbone ports.Backbone, replay ports.ReplayStore, logger *slog.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Manager{
		cfg:          cfg,
		registry:     registry,
		backbone:     backbone,
		replay:       replay,
		conns:        make(map[string]*Connection),
		channelConns: make(map[string]map[string]*Connection),
		orgConns:     make(map[string]map[string]*Connection),
		logger:       logger.With("component", "stream_manager"),
	}
}

// RegisterBackboneListeners wires remote events into the same local
// fan-out path used for in-process publishes.
func (m *Manager) RegisterBackboneListeners() {
	if m.backbone == nil {
		return
	}
	for _, eventType := range domain.EventTypes() {
		m.backbone.RegisterListener(eventType, m.handleBackboneEvent)
	}
}

// Connect validates the requested channels against the caller's roles and
// registers a new streaming connection. Channels failing the access check
// are silently excluded; the connect itself never fails on partial denial.
func (m *Manager) Connect(organizationID, userID string, roles []string, channels []string) (*Connection, error) {
	if organizationID == "" {
		return nil, apperrors.ErrOrganizationRequired
	}

	conn := newConnection(organizationID, userID)

	var roleSet map[string]struct{}
	if len(roles) > 0 {
		roleSet = make(map[string]struct{}, len(roles))
		for _, role := range roles {
			roleSet[role] = struct{}{}
		}
	}
	subscribed, denied := m.registry.SubscribeUser(organizationID, userID, roleSet, channels)
	for _, fullName := range subscribed {
		conn.addChannel(fullName)
	}
	if len(denied) > 0 {
		m.logger.Debug("excluded denied channels from stream connection",
			"connection_id", conn.ID,
			"org_id", organizationID,
			"denied", denied,
		)
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	if m.orgConns[organizationID] == nil {
		m.orgConns[organizationID] = make(map[string]*Connection)
	}
	m.orgConns[organizationID][conn.ID] = conn
	for _, fullName := range subscribed {
		if m.channelConns[fullName] == nil {
			m.channelConns[fullName] = make(map[string]*Connection)
		}
		m.channelConns[fullName][conn.ID] = conn
	}
	m.mu.Unlock()

	m.logger.Info("stream connection established",
		"connection_id", conn.ID,
		"org_id", organizationID,
		"user_id", userID,
		"channels", len(subscribed),
	)
	return conn, nil
}

// Stream returns the connection's outbound frame sequence. The channel
// yields data frames as events arrive and a heartbeat frame after each
// idle interval; it closes when the connection is disconnected or ctx is
// cancelled. Restartable per call while the connection is alive.
func (m *Manager) Stream(ctx context.Context, connectionID string) (<-chan string, error) {
	m.mu.RLock()
	conn, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrConnectionNotFound
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)

		timer := time.NewTimer(m.cfg.HeartbeatInterval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.done:
				return
			case d := <-conn.events:
				if !emit(ctx, conn, out, FormatFrame(d.id, d.event)) {
					return
				}
			case <-timer.C:
				if !emit(ctx, conn, out, HeartbeatFrame) {
					return
				}
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.cfg.HeartbeatInterval)
		}
	}()
	return out, nil
}

func emit(ctx context.Context, conn *Connection, out chan<- string, frame string) bool {
	select {
	case out <- frame:
		return true
	case <-ctx.Done():
		return false
	case <-conn.done:
		return false
	}
}

// FormatFrame renders one event as a two-field streaming frame with an
// optional resume id.
func FormatFrame(id string, event domain.Event) string {
	data, err := json.Marshal(event)
	if err != nil {
		// Events are built from JSON-safe maps; this is unreachable for
		// well-formed producers, but never emit a broken frame.
		data = []byte(`{}`)
	}

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\n", event.Type)
	fmt.Fprintf(&b, "data: %s\n\n", data)
	return b.String()
}

// Publish delivers an event to every local subscriber of the channel and
// relays it through the backbone for other process instances. Backbone
// failures degrade to local-only delivery; they are never returned to the
// publisher as hard errors.
func (m *Manager) Publish(ctx context.Context, channel string, eventType domain.EventType, data map[string]any, eventID string) error {
	parsed, err := domain.ParseChannelName(channel)
	if err != nil {
		return apperrors.ErrInvalidChannelName
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	event := domain.NewEvent(eventType, parsed.OrganizationID, m.cfg.ServiceName, data)
	event.UserID = parsed.UserID

	m.deliverToChannel(channel, eventID, event)
	m.recordReplay(ctx, domain.ReplayEntry{ID: eventID, Channel: channel, Event: event})
	m.relay(ctx, channel, event)
	return nil
}

// PublishToOrganization delivers an event to every local connection of
// the organization across all its subscribed channels, then relays it.
func (m *Manager) PublishToOrganization(ctx context.Context, organizationID string, eventType domain.EventType, data map[string]any) error {
	if organizationID == "" {
		return apperrors.ErrOrganizationRequired
	}

	eventID := uuid.NewString()
	event := domain.NewEvent(eventType, organizationID, m.cfg.ServiceName, data)

	m.deliverToOrganization(organizationID, eventID, event)
	m.recordReplay(ctx, domain.ReplayEntry{ID: eventID, Event: event})
	m.relay(ctx, "", event)
	return nil
}

// Disconnect removes the connection from every index and terminates its
// stream. Idempotent: unknown ids are a no-op.
func (m *Manager) Disconnect(connectionID string) {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connectionID)
	if orgIndex, ok := m.orgConns[conn.OrganizationID]; ok {
		delete(orgIndex, connectionID)
		if len(orgIndex) == 0 {
			delete(m.orgConns, conn.OrganizationID)
		}
	}
	for _, fullName := range conn.Channels() {
		if chIndex, ok := m.channelConns[fullName]; ok {
			delete(chIndex, connectionID)
			if len(chIndex) == 0 {
				delete(m.channelConns, fullName)
			}
		}
	}
	m.mu.Unlock()

	// Close outside the lock; the stream loop observes done immediately
	// and no delivery can reference the connection through the indices.
	conn.close()

	m.logger.Info("stream connection closed",
		"connection_id", connectionID,
		"org_id", conn.OrganizationID,
	)
}

// GetConnectionStats returns a read-only snapshot for dashboards.
func (m *Manager) GetConnectionStats() domain.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.StreamStats{
		TotalConnections: len(m.conns),
		ConnectionsByOrg: make(map[string]int, len(m.orgConns)),
	}
	for org, conns := range m.orgConns {
		stats.ConnectionsByOrg[org] = len(conns)
	}
	return stats
}

// handleBackboneEvent feeds remote events into local fan-out. Events this
// process published are skipped: they were already delivered locally.
func (m *Manager) handleBackboneEvent(_ context.Context, channel string, event domain.Event) {
	if event.Source == m.cfg.ServiceName {
		return
	}
	eventID := uuid.NewString()
	if channel != "" {
		m.deliverToChannel(channel, eventID, event)
		return
	}
	m.deliverToOrganization(event.OrganizationID, eventID, event)
}

func (m *Manager) deliverToChannel(channel, eventID string, event domain.Event) {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.channelConns[channel]))
	for _, conn := range m.channelConns[channel] {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		if !conn.enqueue(delivery{id: eventID, channel: channel, event: event}) {
			m.logger.Warn("dropping frame for slow stream consumer",
				"connection_id", conn.ID,
				"channel", channel,
			)
		}
	}
}

func (m *Manager) deliverToOrganization(organizationID, eventID string, event domain.Event) {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.orgConns[organizationID]))
	for _, conn := range m.orgConns[organizationID] {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		if !conn.enqueue(delivery{id: eventID, event: event}) {
			m.logger.Warn("dropping frame for slow stream consumer",
				"connection_id", conn.ID,
				"org_id", organizationID,
			)
		}
	}
}

// relay hands the event to the backbone. An unavailable backbone degrades
// to local-only delivery: remote subscribers miss the event (at-most-once
// during an outage) and a warning records the gap.
func (m *Manager) relay(ctx context.Context, channel string, event domain.Event) {
	if m.backbone == nil {
		return
	}

	var err error
	if channel != "" {
		err = m.backbone.PublishToChannel(ctx, channel, event)
	} else {
		err = m.backbone.Publish(ctx, event)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrBackboneUnavailable) {
			m.logger.Warn("backbone unavailable, remote fan-out skipped",
				"event_type", event.Type,
				"org_id", event.OrganizationID,
			)
			return
		}
		m.logger.Warn("backbone relay failed",
			"event_type", event.Type,
			"org_id", event.OrganizationID,
			"error", err,
		)
	}
}

func (m *Manager) recordReplay(ctx context.Context, entry domain.ReplayEntry) {
	if m.replay == nil {
		return
	}
	if err := m.replay.AppendReplay(ctx, entry.Event.OrganizationID, entry); err != nil {
		m.logger.Warn("failed to record replay entry",
			"org_id", entry.Event.OrganizationID,
			"error", err,
		)
	}
}

// ReplaySince returns the retained frames the connection missed since its
// last event id. Entries are filtered to the connection's subscriptions:
// a channel the access check excluded never reappears through resume.
func (m *Manager) ReplaySince(ctx context.Context, connectionID, lastEventID string) ([]domain.ReplayEntry, error) {
	m.mu.RLock()
	conn, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrConnectionNotFound
	}
	if m.replay == nil {
		return nil, nil
	}

	entries, err := m.replay.ReplaySince(ctx, conn.OrganizationID, lastEventID)
	if err != nil {
		return nil, err
	}
	visible := make([]domain.ReplayEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Channel == "" || conn.hasChannel(entry.Channel) {
			visible = append(visible, entry)
		}
	}
	return visible, nil
}
