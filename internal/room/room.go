// Package room implements rooms, the room registry and the snapshot
// scheduler.
//
// A room owns its membership map and all broadcast fan-out. Rooms are
// confined behind a room-scoped mutex; cross-room operations never share a
// lock.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/luciancaetano/relayhub"
	"github.com/luciancaetano/relayhub/internal/wire"
)

// ErrRoomFull rejects a join attempt that would exceed capacity. The
// joining connection has already received a ROOM_FULL error envelope when
// this is returned; membership is unchanged.
var ErrRoomFull = errors.New("room full")

// ErrRoomDestroyed rejects a join attempt against a room that has been
// destroyed or reclaimed. A caller holding a stale room pointer should
// re-resolve the identifier through the registry, which replaces destroyed
// rooms, and retry.
var ErrRoomDestroyed = errors.New("room destroyed")

// member is a joined client plus its per-room state.
type member struct {
	client      relayhub.Client
	displayName string
	state       wire.PlayerState
	joinedAt    time.Time
}

// Room is a named group of connections sharing broadcast scope and a
// capacity limit. Safe for concurrent use.
type Room struct {
	id       string
	capacity int
	mode     string

	mu        sync.Mutex
	members   map[string]*member
	destroyed bool
	msgCount  int
	rate      float64
	lastReset time.Time

	sched *scheduler
}

// New creates a room. snapshotHz is only consulted in authoritative mode.
func New(id, mode string, capacity, snapshotHz int) *Room {
	r := &Room{
		id:        id,
		capacity:  capacity,
		mode:      mode,
		members:   make(map[string]*member),
		lastReset: time.Now(),
	}
	if mode == relayhub.ModeAuthoritative && snapshotHz > 0 {
		r.sched = newScheduler(time.Second / time.Duration(snapshotHz))
	}
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Size returns the current member count.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Capacity returns the member limit.
func (r *Room) Capacity() int { return r.capacity }

// Join adds a client to the room. When the room is at capacity the join is
// rejected with a ROOM_FULL error envelope sent to the joining connection
// and ErrRoomFull; an existing member is never evicted.
//
// In relay mode the joiner receives a "welcome" envelope listing the
// existing peer identifiers. In authoritative mode no roster is sent and
// the member's state is initialized to the defaults (origin position,
// identity rotation, action "idle"). Existing members are announced the
// join either way.
func (r *Room) Join(c relayhub.Client, displayName string) error {
	displayName = wire.TruncateName(displayName)

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrRoomDestroyed
	}
	if len(r.members) >= r.capacity {
		r.mu.Unlock()
		r.sendError(c, relayhub.ErrCodeRoomFull, "room "+r.id+" is full")
		return ErrRoomFull
	}

	now := time.Now()
	m := &member{client: c, displayName: displayName, joinedAt: now}
	if r.mode == relayhub.ModeAuthoritative {
		m.state = wire.PlayerState{
			Rotation:    wire.IdentityQuat(),
			Action:      "idle",
			Timestamp:   now.UnixMilli(),
			DisplayName: displayName,
		}
	}

	peers := make([]string, 0, len(r.members))
	others := r.clientsLocked(c.ID())
	for id := range r.members {
		peers = append(peers, id)
	}
	r.members[c.ID()] = m
	size := len(r.members)
	// The 0 -> 1 transition must happen under r.mu: deciding it from a
	// snapshot and acting after unlock lets a concurrent leave apply the
	// mirror transition out of order.
	if r.sched != nil && size == 1 {
		r.startScheduler()
	}
	r.mu.Unlock()

	if r.mode == relayhub.ModeRelay {
		r.sendEnvelope(c, &wire.Envelope{
			Type:     wire.TypeWelcome,
			PlayerID: c.ID(),
			Peers:    peers,
		})
	}

	r.fanOut(others, &wire.Envelope{
		Type:        wire.TypePlayerJoined,
		ID:          c.ID(),
		DisplayName: displayName,
	})

	slog.Info("client joined room", "room", r.id, "clientId", c.ID(), "members", size)
	return nil
}

// Leave removes a client from the room and announces the departure to the
// remaining members. It is an idempotent no-op for non-members. Returns
// true when a member was actually removed.
func (r *Room) Leave(clientID string) bool {
	r.mu.Lock()
	if _, ok := r.members[clientID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.members, clientID)
	size := len(r.members)
	remaining := r.clientsLocked("")
	if r.sched != nil && size == 0 {
		r.stopScheduler()
	}
	r.mu.Unlock()

	r.fanOut(remaining, &wire.Envelope{Type: wire.TypePlayerLeft, ID: clientID})

	slog.Info("client left room", "room", r.id, "clientId", clientID, "members", size)
	return true
}

// Relay wraps an opaque client payload in a "relay" envelope and broadcasts
// it to every member except the sender. The payload passes through
// uninterpreted.
func (r *Room) Relay(fromID string, data cbor.RawMessage) {
	r.mu.Lock()
	targets := r.clientsLocked(fromID)
	r.mu.Unlock()

	r.fanOut(targets, &wire.Envelope{Type: wire.TypeRelay, From: fromID, Data: data})
}

// UpdateState overwrites the member's stored state with a fresh server
// timestamp. There is no broadcast side effect; snapshots are emitted only
// by the scheduler. Returns false for non-members.
func (r *Room) UpdateState(clientID string, position wire.Vec3, rotation wire.Quat, action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[clientID]
	if !ok {
		return false
	}
	m.state = wire.PlayerState{
		Position:    position,
		Rotation:    rotation,
		Action:      action,
		Timestamp:   time.Now().UnixMilli(),
		DisplayName: m.displayName,
	}
	return true
}

// Chat broadcasts a chat envelope carrying the sender id to every member,
// the sender included. The text is clamped to the wire limit.
func (r *Room) Chat(clientID, text string) {
	r.mu.Lock()
	targets := r.clientsLocked("")
	r.mu.Unlock()

	r.fanOut(targets, &wire.Envelope{
		Type:    wire.TypeChat,
		From:    clientID,
		Message: wire.TruncateChat(text),
	})
}

// Destroy forcibly closes every member connection with the reserved close
// code and clears membership. The room rejects all joins afterwards.
func (r *Room) Destroy() {
	r.mu.Lock()
	r.destroyed = true
	clients := r.clientsLocked("")
	r.members = make(map[string]*member)
	if r.sched != nil {
		r.stopScheduler()
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.CloseWithCode(context.Background(), relayhub.CloseRoomDestroyed, "room closed")
	}

	slog.Info("room destroyed", "room", r.id, "closed", len(clients))
}

// reclaim marks the room destroyed when it has no members, so a join racing
// the reclaim on a stale pointer observes the flag instead of landing in a
// deregistered room. Returns false when members remain.
func (r *Room) reclaim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) > 0 {
		return false
	}
	r.destroyed = true
	if r.sched != nil {
		r.stopScheduler()
	}
	return true
}

// isDestroyed reports whether the room no longer accepts joins.
func (r *Room) isDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// CountMessage accrues one accepted message toward the sampled
// messages/sec metric.
func (r *Room) CountMessage() {
	r.mu.Lock()
	r.msgCount++
	r.mu.Unlock()
}

// MessagesPerSecond returns the sampled traffic rate. The sample is
// recomputed by the scheduler once per second while it runs, and lazily on
// read otherwise.
func (r *Room) MessagesPerSecond() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampleRateLocked(time.Now(), false)
	return r.rate
}

// Running reports whether the snapshot scheduler is active.
func (r *Room) Running() bool {
	return r.sched != nil && r.sched.isRunning()
}

// sampleRate recomputes the messages/sec metric and resets the counter.
func (r *Room) sampleRate(now time.Time) {
	r.mu.Lock()
	r.sampleRateLocked(now, true)
	r.mu.Unlock()
}

func (r *Room) sampleRateLocked(now time.Time, force bool) {
	elapsed := now.Sub(r.lastReset)
	if elapsed < time.Second && !force {
		return
	}
	if elapsed <= 0 {
		return
	}
	r.rate = float64(r.msgCount) / (float64(elapsed.Milliseconds()) / 1000.0)
	r.msgCount = 0
	r.lastReset = now
}

// broadcastSnapshot gathers every member's stored state into one snapshot
// envelope and sends it to the whole room. A zero-member fire is a no-op
// (race with a concurrent leave).
func (r *Room) broadcastSnapshot(now time.Time) {
	r.mu.Lock()
	if len(r.members) == 0 {
		r.mu.Unlock()
		return
	}
	players := make(map[string]wire.PlayerState, len(r.members))
	for id, m := range r.members {
		players[id] = m.state
	}
	targets := r.clientsLocked("")
	r.mu.Unlock()

	r.fanOut(targets, &wire.Envelope{
		Type:      wire.TypeSnapshot,
		Players:   players,
		Timestamp: now.UnixMilli(),
	})
}

func (r *Room) startScheduler() {
	if r.sched.start(r.broadcastSnapshot, r.sampleRate) {
		slog.Info("snapshot scheduler started", "room", r.id)
	}
}

func (r *Room) stopScheduler() {
	if r.sched.stop() {
		slog.Info("snapshot scheduler stopped", "room", r.id)
	}
}

// clientsLocked snapshots member connections, skipping excludeID when
// non-empty. The underlying fan-out has no exclusion filter, so the
// excluded-broadcast path degrades to one send per remaining member.
// Callers must hold r.mu.
func (r *Room) clientsLocked(excludeID string) []relayhub.Client {
	clients := make([]relayhub.Client, 0, len(r.members))
	for id, m := range r.members {
		if excludeID != "" && id == excludeID {
			continue
		}
		clients = append(clients, m.client)
	}
	return clients
}

// fanOut encodes once and delivers to every target. Transport-level
// delivery failures are the transport's concern; the room does not roll
// back or resend.
func (r *Room) fanOut(targets []relayhub.Client, env *wire.Envelope) {
	if len(targets) == 0 {
		return
	}
	data, err := wire.Encode(env)
	if err != nil {
		slog.Error("failed to encode broadcast", "room", r.id, "type", env.Type, "error", err)
		return
	}
	for _, c := range targets {
		if err := c.Send(context.Background(), data); err != nil {
			slog.Debug("send failed", "room", r.id, "clientId", c.ID(), "error", err)
		}
	}
}

func (r *Room) sendEnvelope(c relayhub.Client, env *wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		slog.Error("failed to encode envelope", "room", r.id, "type", env.Type, "error", err)
		return
	}
	if err := c.Send(context.Background(), data); err != nil {
		slog.Debug("send failed", "room", r.id, "clientId", c.ID(), "error", err)
	}
}

func (r *Room) sendError(c relayhub.Client, code, msg string) {
	r.sendEnvelope(c, &wire.Envelope{Type: wire.TypeError, Code: code, Message: msg})
}
