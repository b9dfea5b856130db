// Package relayhub provides a room-based real-time relay server for games
// and collaborative applications.
//
// Clients connect over WebSocket, are grouped into named rooms, and exchange
// small binary envelopes that the server forwards to the other members of the
// same room with minimal inspection. Envelopes are encoded as CBOR maps with
// a string "type" discriminator, so new envelope kinds never require a wire
// format bump.
//
// # Operating modes
//
// The server runs in one of two modes, selected at startup:
//
//   - relay: arbitrary client payloads are wrapped in a "relay" envelope and
//     forwarded untouched to the other room members. Clients are joined to
//     their room at upgrade time and receive a "welcome" roster of existing
//     peers.
//   - authoritative: the server holds each client's last-reported state
//     (position, rotation, action) and a per-room scheduler broadcasts a
//     merged "snapshot" envelope at a fixed rate. Clients must complete an
//     explicit "join" handshake before their state is accepted.
//
// # Quick start
//
//	import (
//	    "github.com/luciancaetano/relayhub"
//	    "github.com/luciancaetano/relayhub/ws"
//	)
//
//	cfg := ws.DefaultConfig(":8080")
//	cfg.Mode = relayhub.ModeAuthoritative
//	cfg.SnapshotHz = 20
//	server := ws.New(cfg)
//	server.Start(ctx)
//
// # Rooms
//
// Rooms are created lazily on first reference and destroyed when their last
// member leaves, except the reserved "lobby" room which always exists. Every
// room has a capacity; a join attempt beyond capacity is rejected with a
// ROOM_FULL error envelope and never evicts an existing member.
//
// # Rate limiting
//
// Each client is admitted through a sliding one-second window: up to the
// configured ceiling of messages per second is accepted, the rest are
// dropped and answered with a RATE_LIMITED error envelope. The window reset
// is lazy, making the limiter approximate; it is meant for abuse mitigation,
// not accounting. Connection attempts are additionally guarded by a global
// token bucket at the upgrade path.
//
// # Error handling
//
// All application errors (ROOM_FULL, RATE_LIMITED, INVALID_MESSAGE,
// NOT_JOINED) are reported to the offending client only, as "error"
// envelopes, and never terminate the connection. Malformed frames degrade to
// a per-message INVALID_MESSAGE report; they never crash the process.
//
// # Observability
//
// GET /healthz reports liveness. GET /status aggregates uptime, room count,
// total connections and per-room player count, sampled messages/sec and the
// snapshot scheduler's running flag, derived entirely from registry state.
package relayhub
