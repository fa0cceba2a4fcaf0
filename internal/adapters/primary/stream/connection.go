package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moolai/realtime-gateway/internal/core/domain"
)

// mailboxSize bounds each connection's outbound queue. A slow consumer
// overflows its own mailbox only; other connections are unaffected.
const mailboxSize = 64

// delivery is one queued outbound frame.
type delivery struct {
	id      string
	channel string
	event   domain.Event
}

// Connection is one client's live streaming session. It is owned
// exclusively by the Manager; channel indices hold only back-references.
type Connection struct {
	ID             string
	OrganizationID string
	UserID         string
	CreatedAt      time.Time

	mu           sync.RWMutex
	channels     map[string]struct{}
	lastActivity time.Time

	events    chan delivery
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(organizationID, userID string) *Connection {
	now := time.Now().UTC()
	return &Connection{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		UserID:         userID,
		CreatedAt:      now,
		channels:       make(map[string]struct{}),
		lastActivity:   now,
		events:         make(chan delivery, mailboxSize),
		done:           make(chan struct{}),
	}
}

// Channels returns a copy of the connection's subscribed channel names.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	return out
}

func (c *Connection) hasChannel(fullName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[fullName]
	return ok
}

func (c *Connection) addChannel(fullName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[fullName] = struct{}{}
}

// enqueue offers a frame to the mailbox without blocking. Returns false
// when the mailbox is full or the connection is closed.
func (c *Connection) enqueue(d delivery) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- d:
		c.touch()
		return true
	default:
		return false
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// close signals the stream loop to terminate. Safe to call more than once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Info returns the transport-neutral view of this connection.
func (c *Connection) Info() domain.ConnectionInfo {
	return domain.ConnectionInfo{
		ConnectionID:   c.ID,
		Transport:      domain.TransportStream,
		OrganizationID: c.OrganizationID,
		UserID:         c.UserID,
	}
}
