package e2e_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/relayhub/internal/wire"
	"github.com/luciancaetano/relayhub/ws"
)

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

// startServer starts a server on the configured address and registers its
// shutdown with the test cleanup.
func startServer(t *testing.T, cfg ws.Config) {
	t.Helper()

	server := ws.New(cfg)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(stopCtx)
	})

	time.Sleep(200 * time.Millisecond)
}

// dial connects to a room on a locally running server.
func dial(t *testing.T, port int, room string) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://localhost:%d/ws/%s", port, room)
	conn, _, err := newDialer().Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

// sendEnvelope encodes and writes one envelope as a binary frame.
func sendEnvelope(t *testing.T, conn *websocket.Conn, env *wire.Envelope) {
	t.Helper()

	data, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
}

// readEnvelope reads and decodes the next frame.
func readEnvelope(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}

	env, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	return env
}

// readUntil reads frames until one of the wanted type arrives, skipping
// everything else. Snapshot broadcasts make frame interleaving nondeterministic,
// so most assertions go through here.
func readUntil(t *testing.T, conn *websocket.Conn, envType string) *wire.Envelope {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.Type == envType {
			return env
		}
	}

	t.Fatalf("no %q envelope arrived within the deadline", envType)
	return nil
}
