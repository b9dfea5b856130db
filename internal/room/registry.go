package room

import (
	"log/slog"
	"sync"

	"github.com/luciancaetano/relayhub"
)

// Config carries the defaults injected into lazily created rooms.
type Config struct {
	Mode       string
	Capacity   int
	SnapshotHz int
}

// Status is the read-only per-room aggregation consumed by the HTTP status
// endpoint.
type Status struct {
	ID                string  `json:"id"`
	Players           int     `json:"players"`
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	Running           bool    `json:"running"`
}

// Registry creates, looks up and destroys rooms by identifier. Rooms are
// created lazily on first reference; the reserved default room is never
// destroyed. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	cfg   Config
}

// NewRegistry creates an empty registry with the given room defaults.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		cfg:   cfg,
	}
}

// GetOrCreate returns the room for the identifier, creating it on first
// reference with the configured capacity and tick rate. A destroyed room
// still present in the map is replaced with a fresh one.
func (g *Registry) GetOrCreate(roomID string) *Room {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if ok && !r.isDestroyed() {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[roomID]; ok && !r.isDestroyed() {
		return r
	}
	r = New(roomID, g.cfg.Mode, g.cfg.Capacity, g.cfg.SnapshotHz)
	g.rooms[roomID] = r
	slog.Info("room created", "room", roomID)
	return r
}

// Get looks up a room without creating it.
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[roomID]
	return r, ok
}

// ReclaimIfEmpty destroys and deregisters the room when it has no members.
// The default room is kept alive regardless. Returns true when the room was
// reclaimed.
func (g *Registry) ReclaimIfEmpty(roomID string) bool {
	if roomID == relayhub.DefaultRoom {
		return false
	}

	g.mu.Lock()
	r, ok := g.rooms[roomID]
	// The emptiness check and the destroyed mark are one atomic step inside
	// the room, so a join racing on a stale pointer either lands before the
	// mark (reclaim refused) or is rejected with ErrRoomDestroyed.
	if !ok || !r.reclaim() {
		g.mu.Unlock()
		return false
	}
	delete(g.rooms, roomID)
	g.mu.Unlock()

	slog.Info("room reclaimed", "room", roomID)
	return true
}

// Count returns the number of live rooms.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// TotalMembers sums membership across all rooms.
func (g *Registry) TotalMembers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, r := range g.rooms {
		total += r.Size()
	}
	return total
}

// Statuses snapshots the per-room aggregation for the status endpoint. It
// is derived entirely from registry state; there is no independent storage.
func (g *Registry) Statuses() []Status {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	statuses := make([]Status, 0, len(rooms))
	for _, r := range rooms {
		statuses = append(statuses, Status{
			ID:                r.ID(),
			Players:           r.Size(),
			MessagesPerSecond: r.MessagesPerSecond(),
			Running:           r.Running(),
		})
	}
	return statuses
}
