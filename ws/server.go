// Package ws is the public entry point for running a relay server.
package ws

import (
	"github.com/luciancaetano/relayhub"
	"github.com/luciancaetano/relayhub/internal/websocket"
)

// Config configures the server. See websocket.ServerConfig for the fields.
type Config = *websocket.ServerConfig

// New creates a relay server for the given configuration.
//
// Example:
//
//	cfg := ws.DefaultConfig(":8080")
//	cfg.Mode = relayhub.ModeAuthoritative
//	cfg.SnapshotHz = 20
//	server := ws.New(cfg)
//	server.Start(ctx)
func New(cfg Config) relayhub.RelayServer {
	return websocket.New(cfg)
}

// DefaultConfig returns a relay-mode configuration with the default room
// capacity (8), per-client message ceiling (30/s) and upgrade guard.
func DefaultConfig(addr string) Config {
	return websocket.DefaultServerConfig(addr)
}
