package domain

import (
	"encoding/json"
	"time"
)

// MessageType enumerates the closed set of wire message kinds exchanged
// over the socket transport. Unknown kinds fall through to a single
// "unrecognized" handler, never an open-ended chain of checks.
type MessageType string

const (
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeAuthenticate MessageType = "authenticate"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeCommand      MessageType = "command"
	MessageTypeEvent        MessageType = "event"
	MessageTypeSuccess      MessageType = "success"
	MessageTypeError        MessageType = "error"
)

// Message is the transport-agnostic JSON envelope for application
// messages in both directions.
type Message struct {
	Type      MessageType    `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	MessageID string         `json:"message_id,omitempty"`
	// CorrelationID is set on server responses and echoes the client
	// MessageID that triggered them.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ParseMessage decodes a raw client frame into the envelope.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewMessage builds a server-originated message stamped with the current time.
func NewMessage(t MessageType, data map[string]any) *Message {
	return &Message{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewResponse builds a server message correlated to a client message id.
func NewResponse(t MessageType, data map[string]any, correlationID string) *Message {
	msg := NewMessage(t, data)
	msg.CorrelationID = correlationID
	return msg
}

// NewErrorMessage builds an error frame. Error frames are recoverable: the
// connection that receives one stays open.
func NewErrorMessage(code, detail, correlationID string) *Message {
	return NewResponse(MessageTypeError, map[string]any{
		"code":  code,
		"error": detail,
	}, correlationID)
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// StringsFromData extracts a []string field from the loosely typed Data
// payload, tolerating the []any shape json.Unmarshal produces.
func (m *Message) StringsFromData(key string) []string {
	raw, ok := m.Data[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StringFromData extracts a string field from the Data payload.
func (m *Message) StringFromData(key string) string {
	if s, ok := m.Data[key].(string); ok {
		return s
	}
	return ""
}
