package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChannelType classifies a channel within a tenant.
type ChannelType string

const (
	// ChannelOrganization is the general broadcast channel for an organization.
	ChannelOrganization ChannelType = "org"
	// ChannelMetric carries metrics ticks for dashboards.
	ChannelMetric ChannelType = "metric"
	// ChannelAlert carries alerting rule notifications.
	ChannelAlert ChannelType = "alert"
	// ChannelAdmin carries administrative commands; role-gated.
	ChannelAdmin ChannelType = "admin"
	// ChannelUser is a private channel scoped to a single user.
	ChannelUser ChannelType = "user"
	// ChannelLog carries log tail streams.
	ChannelLog ChannelType = "log"
)

// Valid reports whether t is one of the known channel types.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelOrganization, ChannelMetric, ChannelAlert, ChannelAdmin, ChannelUser, ChannelLog:
		return true
	}
	return false
}

// Channel is a named, typed topic scoped to exactly one organization.
// The OrganizationID never changes after creation.
type Channel struct {
	Name           string
	Type           ChannelType
	OrganizationID string
	// UserID is set only for user-private channels.
	UserID string
	// RequiredRoles gates subscription; empty means any role within the
	// owning organization may subscribe.
	RequiredRoles map[string]struct{}
	CreatedAt     time.Time
}

// FullName returns the globally unique channel identity, which doubles as
// the backbone topic key: type:org[:user]:name.
func (c *Channel) FullName() string {
	if c.UserID != "" {
		return fmt.Sprintf("%s:%s:%s:%s", c.Type, c.OrganizationID, c.UserID, c.Name)
	}
	return fmt.Sprintf("%s:%s:%s", c.Type, c.OrganizationID, c.Name)
}

// HasRequiredRoles reports whether the caller's role set intersects the
// channel's RequiredRoles. An empty requirement always passes.
func (c *Channel) HasRequiredRoles(roles map[string]struct{}) bool {
	if len(c.RequiredRoles) == 0 {
		return true
	}
	for role := range roles {
		if _, ok := c.RequiredRoles[role]; ok {
			return true
		}
	}
	return false
}

// ParseChannelName splits a full channel name back into its identity parts.
// User-private names carry four segments, all other types three.
func ParseChannelName(fullName string) (*Channel, error) {
	parts := strings.Split(fullName, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return nil, fmt.Errorf("invalid channel name %q", fullName)
	}

	chType := ChannelType(parts[0])
	if !chType.Valid() {
		return nil, fmt.Errorf("invalid channel type %q in %q", parts[0], fullName)
	}

	ch := &Channel{
		Type:           chType,
		OrganizationID: parts[1],
	}

	switch len(parts) {
	case 3:
		if chType == ChannelUser {
			return nil, fmt.Errorf("user channel %q is missing the user segment", fullName)
		}
		ch.Name = parts[2]
	case 4:
		if chType != ChannelUser {
			return nil, fmt.Errorf("channel %q has a user segment but type %q", fullName, chType)
		}
		ch.UserID = parts[2]
		ch.Name = parts[3]
	}

	if ch.OrganizationID == "" || ch.Name == "" {
		return nil, fmt.Errorf("invalid channel name %q", fullName)
	}

	return ch, nil
}
