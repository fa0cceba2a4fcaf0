package domain

// TransportKind identifies which binding a connection arrived over.
type TransportKind string

const (
	// TransportStream is the one-way server-to-client streaming binding.
	TransportStream TransportKind = "stream"
	// TransportSocket is the bidirectional socket binding.
	TransportSocket TransportKind = "socket"
)

// ConnectionInfo is the transport-neutral view of a live session, handed
// to collaborators (command handlers, loggers) that must not touch
// connection internals.
type ConnectionInfo struct {
	ConnectionID   string
	Transport      TransportKind
	OrganizationID string
	UserID         string
	Roles          map[string]struct{}
	Authenticated  bool
}

// StreamStats is the read-only snapshot exposed by the streaming manager.
type StreamStats struct {
	TotalConnections int            `json:"total_connections"`
	ConnectionsByOrg map[string]int `json:"connections_by_org"`
}

// SocketStats is the read-only snapshot exposed by the socket manager.
type SocketStats struct {
	TotalConnections         int `json:"total_connections"`
	AuthenticatedConnections int `json:"authenticated_connections"`
}

// OrganizationStats summarizes the channel registry for one tenant.
type OrganizationStats struct {
	TotalChannels int      `json:"total_channels"`
	ChannelNames  []string `json:"channel_names"`
}
