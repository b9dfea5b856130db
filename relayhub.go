package relayhub

import "context"

// RelayServer is a room-based relay hub listening for WebSocket connections.
//
// Clients connect to /ws/{room} (the room segment defaults to "lobby"),
// exchange binary envelopes, and the server forwards traffic to the other
// members of the same room. The server runs in one of two modes:
//
//   - ModeRelay: clients are joined to their room at upgrade time and every
//     non-control envelope is wrapped in a "relay" envelope and fanned out
//     to the other members, untouched.
//   - ModeAuthoritative: clients must send an explicit "join" envelope; the
//     server stores each member's last-reported state and broadcasts a
//     merged "snapshot" envelope at a fixed rate.
//
// Example usage:
//
//	import "github.com/luciancaetano/relayhub/ws"
//
//	cfg := ws.DefaultConfig(":8080")
//	cfg.Mode = relayhub.ModeAuthoritative
//	server := ws.New(cfg)
//	server.Start(ctx)
type RelayServer interface {
	// Start starts the server and begins listening for connections.
	// The server keeps running until Stop is called or the context is
	// cancelled.
	//
	// Returns an error if the server is already running or the address
	// cannot be bound.
	Start(ctx context.Context) error

	// Stop gracefully stops the server and closes all client connections.
	Stop(ctx context.Context) error
}

// Client represents a connected WebSocket client.
//
// Each client has a unique identifier generated at connect time and a
// lifecycle context that is cancelled when the connection closes. Rooms
// reference clients, they never own them; the transport layer owns the
// underlying socket.
type Client interface {
	// ID returns a unique identifier for the connected client. It is
	// generated when the client connects and remains constant for the
	// lifetime of the connection.
	ID() string

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// Context returns the client's lifecycle context. It is cancelled
	// when the connection closes.
	Context() context.Context

	// Send queues an encoded envelope for delivery as a single binary
	// frame. The send is non-blocking; it returns an error if the
	// connection is closed or the context is cancelled.
	Send(ctx context.Context, data []byte) error

	// Close closes the client connection gracefully.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket close
	// code and optional reason.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still active.
	IsAlive() bool
}
