// Package hub implements the session dispatcher: the mapping from
// connection to session and the top-level message-type switch.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/luciancaetano/relayhub"
	"github.com/luciancaetano/relayhub/internal/ratelimit"
	"github.com/luciancaetano/relayhub/internal/room"
	"github.com/luciancaetano/relayhub/internal/wire"
)

// cleanupInterval is how often stale rate-limit entries are purged.
const cleanupInterval = 10 * time.Second

// Session is the per-connection identity: client id, bound room, and the
// join handshake flag consulted in authoritative mode. Sessions are created
// on connection open and destroyed on close; the dispatcher owns them.
type Session struct {
	ID          string
	RoomID      string
	DisplayName string
	Joined      bool
}

// Dispatcher routes inbound frames per connection through the rate limiter
// and codec to the owning room. Safe for concurrent use.
type Dispatcher struct {
	mode     string
	registry *room.Registry
	limiter  *ratelimit.Limiter

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a dispatcher for the given mode.
func New(mode string, registry *room.Registry, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{
		mode:     mode,
		registry: registry,
		limiter:  limiter,
		sessions: make(map[string]*Session),
	}
}

// Connect binds a new connection to its room. In relay mode the client is
// joined immediately and receives the welcome roster; in authoritative mode
// joining is deferred until an explicit "join" envelope arrives.
func (d *Dispatcher) Connect(c relayhub.Client, roomID string) {
	if roomID == "" {
		roomID = relayhub.DefaultRoom
	}

	sess := &Session{ID: c.ID(), RoomID: roomID}

	d.mu.Lock()
	d.sessions[c.ID()] = sess
	d.mu.Unlock()

	if d.mode == relayhub.ModeRelay {
		if _, err := d.join(c, sess, ""); err == nil {
			d.setJoined(sess, "")
		}
	}

	slog.Info("client connected", "clientId", c.ID(), "room", roomID, "remoteAddr", c.RemoteAddr())
}

// Disconnect tears down the connection's session: rate-limit tracking is
// removed, the room membership is released, and an emptied non-default room
// is destroyed and deregistered.
func (d *Dispatcher) Disconnect(c relayhub.Client) {
	d.limiter.Remove(c.ID())

	d.mu.Lock()
	sess, ok := d.sessions[c.ID()]
	if ok {
		delete(d.sessions, c.ID())
	}
	d.mu.Unlock()

	if !ok {
		return
	}

	if r, exists := d.registry.Get(sess.RoomID); exists {
		r.Leave(c.ID())
		d.registry.ReclaimIfEmpty(sess.RoomID)
	}

	slog.Info("client disconnected", "clientId", c.ID(), "room", sess.RoomID)
}

// HandleFrame processes one inbound binary frame: rate limit first, then
// decode, then dispatch by message type. All rejections are reported to the
// sender only and never terminate the connection.
func (d *Dispatcher) HandleFrame(c relayhub.Client, data []byte) {
	sess := d.session(c.ID())
	if sess == nil {
		return
	}

	if !d.limiter.Allow(c.ID()) {
		slog.Warn("rate limit exceeded", "clientId", c.ID(), "room", sess.RoomID)
		d.sendError(c, relayhub.ErrCodeRateLimited, "message rate exceeded")
		return
	}

	env, err := wire.Decode(data)
	if err != nil {
		d.sendError(c, relayhub.ErrCodeInvalidMessage, relayhub.ErrInvalidMessageFormat)
		return
	}

	switch {
	case env.Type == wire.TypePing:
		// Answered directly, never forwarded to peers.
		d.sendEnvelope(c, &wire.Envelope{
			Type:       wire.TypePong,
			Nonce:      env.Nonce,
			ServerTime: time.Now().UnixMilli(),
		})

	case env.Type == wire.TypeJoin:
		d.handleJoin(c, sess, env)

	case d.mode == relayhub.ModeRelay:
		// Opaque relay: the full decoded payload passes through to the
		// other members, uninterpreted.
		if r, ok := d.registry.Get(sess.RoomID); ok && sess.Joined {
			r.CountMessage()
			r.Relay(c.ID(), cbor.RawMessage(data))
		}

	case env.Type == wire.TypeState:
		d.handleState(c, sess, env)

	case env.Type == wire.TypeChat:
		if !sess.Joined {
			// Silent drop before the join handshake.
			return
		}
		if r, ok := d.registry.Get(sess.RoomID); ok {
			r.CountMessage()
			r.Chat(c.ID(), env.Message)
		}

	default:
		d.sendError(c, relayhub.ErrCodeInvalidMessage, "unsupported message type "+env.Type)
	}
}

func (d *Dispatcher) handleJoin(c relayhub.Client, sess *Session, env *wire.Envelope) {
	if d.isJoined(sess) {
		return
	}

	r, err := d.join(c, sess, env.DisplayName)
	if err != nil {
		return
	}
	// Only an accepted join counts toward the room's traffic metric.
	r.CountMessage()
	d.setJoined(sess, wire.TruncateName(env.DisplayName))
}

// join resolves the session's room and attempts the join. A stale room that
// was reclaimed between resolution and join is rejected with
// ErrRoomDestroyed, in which case re-resolving through the registry yields a
// fresh room, so the attempt is retried.
func (d *Dispatcher) join(c relayhub.Client, sess *Session, displayName string) (*room.Room, error) {
	for {
		r := d.registry.GetOrCreate(sess.RoomID)
		err := r.Join(c, displayName)
		if errors.Is(err, room.ErrRoomDestroyed) {
			continue
		}
		return r, err
	}
}

func (d *Dispatcher) handleState(c relayhub.Client, sess *Session, env *wire.Envelope) {
	if !d.isJoined(sess) {
		d.sendError(c, relayhub.ErrCodeNotJoined, "join the room before sending state")
		return
	}
	if env.Position == nil || env.Rotation == nil {
		d.sendError(c, relayhub.ErrCodeInvalidMessage, "state requires position and rotation")
		return
	}

	r, ok := d.registry.Get(sess.RoomID)
	if !ok {
		return
	}
	r.CountMessage()
	r.UpdateState(c.ID(), *env.Position, *env.Rotation, env.Action)
}

// Run owns the limiter sweep for the server's lifetime. It blocks until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.limiter.Cleanup()
		}
	}
}

// SessionCount returns the number of live sessions.
func (d *Dispatcher) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *Dispatcher) session(clientID string) *Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessions[clientID]
}

func (d *Dispatcher) isJoined(sess *Session) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sess.Joined
}

func (d *Dispatcher) setJoined(sess *Session, displayName string) {
	d.mu.Lock()
	sess.Joined = true
	sess.DisplayName = displayName
	d.mu.Unlock()
}

func (d *Dispatcher) sendEnvelope(c relayhub.Client, env *wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		slog.Error("failed to encode envelope", "type", env.Type, "error", err)
		return
	}
	if err := c.Send(context.Background(), data); err != nil {
		slog.Debug("send failed", "clientId", c.ID(), "error", err)
	}
}

func (d *Dispatcher) sendError(c relayhub.Client, code, msg string) {
	d.sendEnvelope(c, &wire.Envelope{Type: wire.TypeError, Code: code, Message: msg})
}
