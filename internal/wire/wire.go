// Package wire implements the binary envelope codec.
//
// Envelopes are CBOR maps carrying a string "type" discriminator plus the
// variant's payload fields. The encoding is self-describing, so adding
// envelope kinds never requires a wire format bump; unknown fields are
// ignored on decode. Coordinates keep IEEE-754 double precision and strings
// are UTF-8.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope type discriminators.
const (
	TypeJoin         = "join"
	TypeState        = "state"
	TypeChat         = "chat"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeWelcome      = "welcome"
	TypePlayerJoined = "player_joined"
	TypePlayerLeft   = "player_left"
	TypeRelay        = "relay"
	TypeSnapshot     = "snapshot"
	TypeError        = "error"
)

// maxEnvelopeSize bounds both encode and decode. Envelopes are small; a
// frame this large is either abuse or a bug.
const maxEnvelopeSize = 64 * 1024

// ErrInvalidMessage is returned for malformed, truncated or untyped input.
// Callers respond with an INVALID_MESSAGE error envelope instead of
// terminating the connection.
var ErrInvalidMessage = errors.New("invalid message")

// Vec3 is a position vector.
type Vec3 struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
	Z float64 `cbor:"z"`
}

// Quat is a rotation quaternion.
type Quat struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
	Z float64 `cbor:"z"`
	W float64 `cbor:"w"`
}

// IdentityQuat returns the no-rotation quaternion.
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// PlayerState is a member's last-known application state as carried inside
// snapshot envelopes. Timestamp is the server-assigned time of the last
// update, in Unix milliseconds.
type PlayerState struct {
	Position    Vec3   `cbor:"position"`
	Rotation    Quat   `cbor:"rotation"`
	Action      string `cbor:"action"`
	Timestamp   int64  `cbor:"timestamp"`
	DisplayName string `cbor:"displayName,omitempty"`
}

// Envelope is the tagged variant exchanged between client and server.
// Exactly one variant's fields are populated per message; Type selects the
// variant. Decoded envelopes share no memory with the source bytes.
type Envelope struct {
	Type string `cbor:"type"`

	// join
	DisplayName string `cbor:"displayName,omitempty"`

	// state
	Position *Vec3  `cbor:"position,omitempty"`
	Rotation *Quat  `cbor:"rotation,omitempty"`
	Action   string `cbor:"action,omitempty"`

	// chat
	Message string `cbor:"message,omitempty"`

	// ping / pong
	Nonce      string `cbor:"nonce,omitempty"`
	ServerTime int64  `cbor:"serverTime,omitempty"`

	// welcome
	PlayerID string   `cbor:"playerId,omitempty"`
	Peers    []string `cbor:"peers,omitempty"`

	// player_joined / player_left / chat sender / relay sender
	ID   string `cbor:"id,omitempty"`
	From string `cbor:"from,omitempty"`

	// relay passthrough; holds the sender's original CBOR bytes so the
	// payload is forwarded without re-interpretation
	Data cbor.RawMessage `cbor:"data,omitempty"`

	// snapshot
	Players   map[string]PlayerState `cbor:"players,omitempty"`
	Timestamp int64                  `cbor:"timestamp,omitempty"`

	// error
	Code string `cbor:"code,omitempty"`
}

// Encode serializes an envelope. It never fails for well-formed variants.
func Encode(env *Envelope) ([]byte, error) {
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > maxEnvelopeSize {
		return nil, fmt.Errorf("encode envelope: %d bytes exceeds maximum %d", len(data), maxEnvelopeSize)
	}
	return data, nil
}

// Decode parses an envelope from raw frame bytes. Malformed or truncated
// input yields ErrInvalidMessage; Decode never panics. A map without a
// "type" field decodes with an empty Type: in relay mode such payloads pass
// through opaquely, in authoritative mode the dispatcher rejects them.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}
	if len(data) > maxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrInvalidMessage, len(data), maxEnvelopeSize)
	}

	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	// Detach the passthrough payload from the caller's buffer.
	if len(env.Data) > 0 {
		detached := make(cbor.RawMessage, len(env.Data))
		copy(detached, env.Data)
		env.Data = detached
	}
	return &env, nil
}

// TruncateName clamps a display name to the wire limit, rune-safe.
func TruncateName(s string) string {
	return truncate(s, 32)
}

// TruncateChat clamps a chat message to the wire limit, rune-safe.
func TruncateChat(s string) string {
	return truncate(s, 500)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
