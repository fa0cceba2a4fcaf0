package socket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultWriteWait bounds how long a single frame write may block before
// the connection is considered dead.
const defaultWriteWait = 10 * time.Second

// Transport is the minimal wire surface the manager needs from a
// bidirectional connection. It exists so the manager can be exercised
// without a network socket.
type Transport interface {
	// Send writes one application frame. An error means the connection
	// is unusable and must be torn down.
	Send(ctx context.Context, data []byte) error
	// Ping writes a liveness probe frame.
	Ping(ctx context.Context) error
	// Close terminates the connection, telling the peer why.
	Close(reason string) error
}

// GorillaTransport adapts a gorilla/websocket connection to Transport.
// gorilla permits at most one concurrent writer, so every write goes
// through the mutex.
type GorillaTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu sync.Mutex
}

var _ Transport = (*GorillaTransport)(nil)

// NewGorillaTransport wraps an upgraded websocket connection.
func NewGorillaTransport(conn *websocket.Conn) *GorillaTransport {
	return &GorillaTransport{
		conn:      conn,
		writeWait: defaultWriteWait,
	}
}

func (t *GorillaTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *GorillaTransport) Ping(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

// Close sends a close frame carrying the reason, then tears down the
// underlying connection. The control write is best-effort; the peer may
// already be gone.
func (t *GorillaTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(t.writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}
