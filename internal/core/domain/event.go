package domain

import "time"

// EventType defines the kind of real-time event being fanned out.
type EventType string

const (
	EventMetricsUserUpdate EventType = "metrics_user_update"
	EventMetricsOrgUpdate  EventType = "metrics_org_update"
	EventSystemHealth      EventType = "system_health"
	EventLLMStreamChunk    EventType = "llm_stream_chunk"
	EventAlertTriggered    EventType = "alert_triggered"
	EventAdminCommand      EventType = "admin_command"
	EventConnectionStatus  EventType = "connection_status"
	EventLogEntry          EventType = "log_entry"
)

// EventTypes lists every known event type. Backbone consumers use it to
// register a catch-all listener per type.
func EventTypes() []EventType {
	return []EventType{
		EventMetricsUserUpdate,
		EventMetricsOrgUpdate,
		EventSystemHealth,
		EventLLMStreamChunk,
		EventAlertTriggered,
		EventAdminCommand,
		EventConnectionStatus,
		EventLogEntry,
	}
}

// Event is one immutable unit of fan-out data. Events are serialized
// independently for every subscriber and are never owned by a connection.
type Event struct {
	Type           EventType      `json:"type"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	Data           map[string]any `json:"data"`
	Timestamp      time.Time      `json:"timestamp"`
	// Source names the producing service instance. Backbone listeners use
	// it to skip events this same process already delivered locally.
	Source string `json:"source"`
	// CorrelationID echoes a client-issued message id for request/response
	// pairing.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ReplayEntry is one delivered streaming frame held in the short
// connection-resume window.
type ReplayEntry struct {
	ID      string `json:"id"`
	Channel string `json:"channel,omitempty"`
	Event   Event  `json:"event"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, organizationID, source string, data map[string]any) Event {
	return Event{
		Type:           t,
		OrganizationID: organizationID,
		Data:           data,
		Timestamp:      time.Now().UTC(),
		Source:         source,
	}
}
