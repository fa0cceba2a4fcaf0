package socket

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

// Conn is one client's live socket session. The Manager owns its
// lifecycle; everything mutable is guarded by mu.
type Conn struct {
	ID             string
	OrganizationID string
	CreatedAt      time.Time

	transport Transport

	mu            sync.RWMutex
	userID        string
	roles         map[string]struct{}
	authenticated bool
	channels      map[string]struct{}
	lastActivity  time.Time

	// authTimer force-closes the connection if the client never
	// authenticates. Armed on connect, stopped on successful auth.
	authTimer *time.Timer

	closeOnce sync.Once
}

func newConn(transport Transport, organizationID, userID string) *Conn {
	now := time.Now().UTC()
	return &Conn{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		CreatedAt:      now,
		transport:      transport,
		userID:         userID,
		channels:       make(map[string]struct{}),
		lastActivity:   now,
	}
}

// IsAuthenticated reports whether the auth handshake completed.
func (c *Conn) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// markAuthenticated records the identity the authenticator resolved and
// stops the handshake deadline.
func (c *Conn) markAuthenticated(result *ports.AuthResult) {
	c.mu.Lock()
	c.authenticated = true
	if result.UserID != "" {
		c.userID = result.UserID
	}
	if len(result.Roles) > 0 {
		c.roles = make(map[string]struct{}, len(result.Roles))
		for _, role := range result.Roles {
			c.roles[role] = struct{}{}
		}
	}
	timer := c.authTimer
	c.authTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

// Roles returns the connection's role set. The returned map is shared;
// callers must not mutate it.
func (c *Conn) Roles() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roles
}

// UserID returns the identity bound to this connection.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Channels returns a copy of the subscribed channel full names.
func (c *Conn) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	return out
}

func (c *Conn) addChannels(fullNames []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range fullNames {
		c.channels[name] = struct{}{}
	}
}

func (c *Conn) removeChannels(fullNames []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range fullNames {
		delete(c.channels, name)
	}
}

// touch records activity. Any inbound frame counts, not just pongs.
func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Conn) lastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// close tears down the transport exactly once.
func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		timer := c.authTimer
		c.authTimer = nil
		c.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		_ = c.transport.Close(reason)
	})
}

// Info returns the transport-neutral view of this connection.
func (c *Conn) Info() domain.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.ConnectionInfo{
		ConnectionID:   c.ID,
		Transport:      domain.TransportSocket,
		OrganizationID: c.OrganizationID,
		UserID:         c.userID,
		Roles:          c.roles,
		Authenticated:  c.authenticated,
	}
}
