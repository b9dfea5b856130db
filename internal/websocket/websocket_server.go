// Package websocket is the transport layer: it accepts and upgrades
// connections, extracts the room identifier from the request path, runs the
// per-connection read loop and exposes the read-only aggregation endpoints.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/relayhub"
	"github.com/luciancaetano/relayhub/internal/hub"
	"github.com/luciancaetano/relayhub/internal/ratelimit"
	"github.com/luciancaetano/relayhub/internal/room"
)

const (
	readDeadline   = 60 * time.Second
	maxMessageSize = 64 * 1024
	// wsPathPrefix precedes the room identifier segment.
	wsPathPrefix = "/ws"
)

// ServerConfig configures the relay server.
type ServerConfig struct {
	// Addr is the network address to listen on, e.g. ":8080".
	Addr string
	// Mode selects relayhub.ModeRelay or relayhub.ModeAuthoritative.
	Mode string
	// RoomCapacity is the member limit per room.
	RoomCapacity int
	// SnapshotHz is the snapshot broadcast rate in authoritative mode.
	SnapshotHz int
	// MessagesPerSecond is the per-client admission ceiling.
	MessagesPerSecond int
	// AllowedOrigins is an exact-match origin allowlist. Empty allows all.
	AllowedOrigins []string
	// ConnectionsPerSecond guards the upgrade path against connection
	// floods. Zero disables the guard.
	ConnectionsPerSecond rate.Limit
	// ConnectionBurst is the upgrade guard's bucket size.
	ConnectionBurst int
}

// DefaultServerConfig returns a relay-mode configuration with the default
// capacity and rate ceilings.
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:                 addr,
		Mode:                 relayhub.ModeRelay,
		RoomCapacity:         8,
		SnapshotHz:           10,
		MessagesPerSecond:    30,
		ConnectionsPerSecond: 50,
		ConnectionBurst:      100,
	}
}

// Server implements the relayhub.RelayServer interface.
type Server struct {
	cfg        *ServerConfig
	server     *http.Server
	registry   *room.Registry
	dispatcher *hub.Dispatcher
	clients    sync.Map // map[string]*Client
	connGuard  *rate.Limiter
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	stopCleanup context.CancelFunc
}

// New creates a server instance with the specified configuration. Missing
// numeric fields fall back to the defaults.
func New(cfg *ServerConfig) *Server {
	defaults := DefaultServerConfig(cfg.Addr)
	if cfg.Mode == "" {
		cfg.Mode = defaults.Mode
	}
	if cfg.RoomCapacity <= 0 {
		cfg.RoomCapacity = defaults.RoomCapacity
	}
	if cfg.SnapshotHz <= 0 {
		cfg.SnapshotHz = defaults.SnapshotHz
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaults.MessagesPerSecond
	}

	registry := room.NewRegistry(room.Config{
		Mode:       cfg.Mode,
		Capacity:   cfg.RoomCapacity,
		SnapshotHz: cfg.SnapshotHz,
	})
	limiter := ratelimit.New(cfg.MessagesPerSecond)

	var connGuard *rate.Limiter
	if cfg.ConnectionsPerSecond > 0 {
		burst := cfg.ConnectionBurst
		if burst <= 0 {
			burst = int(cfg.ConnectionsPerSecond)
		}
		connGuard = rate.NewLimiter(cfg.ConnectionsPerSecond, burst)
	}

	return &Server{
		cfg:        cfg,
		registry:   registry,
		dispatcher: hub.New(cfg.Mode, registry, limiter),
		connGuard:  connGuard,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// Registry exposes room state for the aggregation endpoints.
func (s *Server) Registry() *room.Registry {
	return s.registry
}

// Start starts the relay server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf(relayhub.ErrServerAlreadyRunning)
	}
	s.running = true
	s.startedAt = time.Now()

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.stopCleanup = cancel
	s.mu.Unlock()

	go s.dispatcher.Run(cleanupCtx)

	mux := http.NewServeMux()
	mux.HandleFunc(wsPathPrefix, s.handleWebSocket)
	mux.HandleFunc(wsPathPrefix+"/", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		cancel()
		return err
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		slog.Info("server started", "addr", s.cfg.Addr, "mode", s.cfg.Mode)
		return nil
	}
}

// Stop stops the relay server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.stopCleanup
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Close all client connections
	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close(ctx)
		}
		return true
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connGuard != nil && !s.connGuard.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	roomID := roomFromPath(r.URL.Path)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied (403 on origin rejection).
		return
	}

	client := NewClient(conn, r.RemoteAddr)
	s.clients.Store(client.ID(), client)

	go s.handleClient(client, roomID)
}

// handleClient runs the per-connection read loop. Frames are handed to the
// dispatcher synchronously so a sender's messages are processed in the
// order the transport delivers them.
func (s *Server) handleClient(client *Client, roomID string) {
	defer func() {
		s.dispatcher.Disconnect(client)
		s.clients.Delete(client.ID())
		client.Close(context.Background())
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	s.dispatcher.Connect(client, roomID)

	for {
		select {
		case <-client.Context().Done():
			return
		default:
			_, data, err := client.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					slog.Warn("unexpected close", "clientId", client.ID(), "error", err)
				}
				return
			}

			// Reset read deadline after successful read
			client.conn.SetReadDeadline(time.Now().Add(readDeadline))

			s.dispatcher.HandleFrame(client, data)
		}
	}
}

// roomFromPath extracts the room identifier from the path segment following
// the /ws prefix; an absent segment selects the default room.
func roomFromPath(path string) string {
	rest := strings.TrimPrefix(path, wsPathPrefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return relayhub.DefaultRoom
	}
	// Only the first segment names the room.
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// originChecker builds the upgrade origin check. An empty allowlist admits
// every origin; otherwise the Origin header must match exactly and the
// handshake is rejected with 403 before upgrade.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}
