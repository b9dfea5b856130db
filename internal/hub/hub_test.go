package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relayhub"
	"github.com/luciancaetano/relayhub/internal/ratelimit"
	"github.com/luciancaetano/relayhub/internal/room"
	"github.com/luciancaetano/relayhub/internal/wire"
)

type fakeClient struct {
	id       string
	mu       sync.Mutex
	received []*wire.Envelope
	closed   bool
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (f *fakeClient) ID() string               { return f.id }
func (f *fakeClient) RemoteAddr() string       { return "127.0.0.1:0" }
func (f *fakeClient) Context() context.Context { return context.Background() }

func (f *fakeClient) Send(_ context.Context, data []byte) error {
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, env)
	return nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	return f.CloseWithCode(ctx, 1000, "")
}

func (f *fakeClient) CloseWithCode(context.Context, int, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeClient) envelopesOfType(t string) []*wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wire.Envelope
	for _, env := range f.received {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func encode(t *testing.T, env *wire.Envelope) []byte {
	t.Helper()
	data, err := wire.Encode(env)
	require.NoError(t, err)
	return data
}

func newRelayDispatcher(capacity, ceiling int) *Dispatcher {
	registry := room.NewRegistry(room.Config{Mode: relayhub.ModeRelay, Capacity: capacity})
	return New(relayhub.ModeRelay, registry, ratelimit.New(ceiling))
}

func newAuthoritativeDispatcher(capacity, ceiling, hz int) *Dispatcher {
	registry := room.NewRegistry(room.Config{Mode: relayhub.ModeAuthoritative, Capacity: capacity, SnapshotHz: hz})
	return New(relayhub.ModeAuthoritative, registry, ratelimit.New(ceiling))
}

// TestRelayScenario covers the opaque relay flow: welcome rosters, join
// announcements and sender-excluded passthrough.
func TestRelayScenario(t *testing.T) {
	d := newRelayDispatcher(8, 100)

	x := newFakeClient("x")
	d.Connect(x, "r1")

	welcomes := x.envelopesOfType(wire.TypeWelcome)
	require.Len(t, welcomes, 1)
	assert.Equal(t, "x", welcomes[0].PlayerID)
	assert.Empty(t, welcomes[0].Peers)

	y := newFakeClient("y")
	d.Connect(y, "r1")

	welcomes = y.envelopesOfType(wire.TypeWelcome)
	require.Len(t, welcomes, 1)
	assert.Equal(t, []string{"x"}, welcomes[0].Peers)

	joined := x.envelopesOfType(wire.TypePlayerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "y", joined[0].ID)

	// X sends an arbitrary payload; Y receives it wrapped, X does not.
	payload, err := cbor.Marshal(map[string]any{"kind": "position", "x": 1.0})
	require.NoError(t, err)
	d.HandleFrame(x, payload)

	relayed := y.envelopesOfType(wire.TypeRelay)
	require.Len(t, relayed, 1)
	assert.Equal(t, "x", relayed[0].From)

	var data map[string]any
	require.NoError(t, cbor.Unmarshal(relayed[0].Data, &data))
	assert.Equal(t, "position", data["kind"])
	assert.Equal(t, 1.0, data["x"])

	assert.Empty(t, x.envelopesOfType(wire.TypeRelay), "sender must not receive its own relay")
}

// TestAuthoritativeScenario covers the join handshake, state updates and
// the merged snapshot broadcast.
func TestAuthoritativeScenario(t *testing.T) {
	d := newAuthoritativeDispatcher(2, 100, 50)

	a := newFakeClient("a")
	b := newFakeClient("b")
	d.Connect(a, "arena")
	d.Connect(b, "arena")

	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "A"}))
	d.HandleFrame(b, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "B"}))

	d.HandleFrame(a, encode(t, &wire.Envelope{
		Type:     wire.TypeState,
		Position: &wire.Vec3{X: 5},
		Rotation: &wire.Quat{W: 1},
		Action:   "run",
	}))
	d.HandleFrame(b, encode(t, &wire.Envelope{
		Type:     wire.TypeState,
		Position: &wire.Vec3{Y: 7},
		Rotation: &wire.Quat{W: 1},
		Action:   "jump",
	}))

	// Both must see a snapshot carrying both states within a tick
	// interval (20ms at 50 Hz); allow generous slack.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(a.envelopesOfType(wire.TypeSnapshot)) > 0 && len(b.envelopesOfType(wire.TypeSnapshot)) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, c := range []*fakeClient{a, b} {
		snaps := c.envelopesOfType(wire.TypeSnapshot)
		require.NotEmpty(t, snaps, "client %s received no snapshot", c.id)
		last := snaps[len(snaps)-1]
		require.Contains(t, last.Players, "a")
		require.Contains(t, last.Players, "b")
		assert.Equal(t, "A", last.Players["a"].DisplayName)
		assert.Equal(t, "B", last.Players["b"].DisplayName)
	}

	d.Disconnect(a)
	d.Disconnect(b)
}

// TestRoomFullScenario verifies the capacity rejection leaves membership
// untouched.
func TestRoomFullScenario(t *testing.T) {
	d := newAuthoritativeDispatcher(2, 100, 10)

	a := newFakeClient("a")
	b := newFakeClient("b")
	c := newFakeClient("c")
	for _, cl := range []*fakeClient{a, b, c} {
		d.Connect(cl, "arena")
	}

	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeJoin}))
	d.HandleFrame(b, encode(t, &wire.Envelope{Type: wire.TypeJoin}))
	d.HandleFrame(c, encode(t, &wire.Envelope{Type: wire.TypeJoin}))

	errs := c.envelopesOfType(wire.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, relayhub.ErrCodeRoomFull, errs[0].Code)

	r, ok := d.registry.Get("arena")
	require.True(t, ok)
	assert.Equal(t, 2, r.Size())

	d.Disconnect(a)
	d.Disconnect(b)
}

// TestRateLimitScenario verifies the (N+1)-th message in one window is
// answered with RATE_LIMITED and never relayed.
func TestRateLimitScenario(t *testing.T) {
	const ceiling = 5
	d := newRelayDispatcher(8, ceiling)

	x := newFakeClient("x")
	y := newFakeClient("y")
	d.Connect(x, "r1")
	d.Connect(y, "r1")

	payload, err := cbor.Marshal(map[string]any{"seq": 1})
	require.NoError(t, err)

	for i := 0; i < ceiling+1; i++ {
		d.HandleFrame(x, payload)
	}

	errs := x.envelopesOfType(wire.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, relayhub.ErrCodeRateLimited, errs[0].Code)

	assert.Len(t, y.envelopesOfType(wire.TypeRelay), ceiling,
		"the rejected message must not be relayed")
}

func TestPingPong(t *testing.T) {
	d := newAuthoritativeDispatcher(8, 100, 10)

	a := newFakeClient("a")
	b := newFakeClient("b")
	d.Connect(a, "arena")
	d.Connect(b, "arena")

	// Ping is answered before any join handshake and never forwarded.
	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypePing, Nonce: "n-42"}))

	pongs := a.envelopesOfType(wire.TypePong)
	require.Len(t, pongs, 1)
	assert.Equal(t, "n-42", pongs[0].Nonce)
	assert.NotZero(t, pongs[0].ServerTime)

	assert.Empty(t, b.received, "ping must never be forwarded to peers")
}

func TestStateRequiresJoin(t *testing.T) {
	d := newAuthoritativeDispatcher(8, 100, 10)

	a := newFakeClient("a")
	d.Connect(a, "arena")

	d.HandleFrame(a, encode(t, &wire.Envelope{
		Type:     wire.TypeState,
		Position: &wire.Vec3{X: 1},
		Rotation: &wire.Quat{W: 1},
	}))

	errs := a.envelopesOfType(wire.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, relayhub.ErrCodeNotJoined, errs[0].Code)
}

func TestChatBeforeJoinIsSilentlyDropped(t *testing.T) {
	d := newAuthoritativeDispatcher(8, 100, 10)

	a := newFakeClient("a")
	d.Connect(a, "arena")

	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeChat, Message: "hi"}))

	assert.Empty(t, a.received, "pre-join chat must be dropped without an error")
}

func TestChatAfterJoin(t *testing.T) {
	d := newAuthoritativeDispatcher(8, 100, 10)

	a := newFakeClient("a")
	b := newFakeClient("b")
	d.Connect(a, "arena")
	d.Connect(b, "arena")
	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "A"}))
	d.HandleFrame(b, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "B"}))

	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeChat, Message: "hello"}))

	for _, c := range []*fakeClient{a, b} {
		chats := c.envelopesOfType(wire.TypeChat)
		require.Len(t, chats, 1, "client %s", c.id)
		assert.Equal(t, "a", chats[0].From)
		assert.Equal(t, "hello", chats[0].Message)
	}

	d.Disconnect(a)
	d.Disconnect(b)
}

func TestInvalidFrame(t *testing.T) {
	d := newAuthoritativeDispatcher(8, 100, 10)

	a := newFakeClient("a")
	d.Connect(a, "arena")

	d.HandleFrame(a, []byte{0xFF, 0xFF, 0xFF})

	errs := a.envelopesOfType(wire.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, relayhub.ErrCodeInvalidMessage, errs[0].Code)
}

func TestUnknownTypeInAuthoritativeMode(t *testing.T) {
	d := newAuthoritativeDispatcher(8, 100, 10)

	a := newFakeClient("a")
	d.Connect(a, "arena")
	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeJoin}))

	payload, err := cbor.Marshal(map[string]any{"type": "teleport"})
	require.NoError(t, err)
	d.HandleFrame(a, payload)

	errs := a.envelopesOfType(wire.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, relayhub.ErrCodeInvalidMessage, errs[0].Code)

	d.Disconnect(a)
}

func TestSecondJoinIsIgnored(t *testing.T) {
	d := newAuthoritativeDispatcher(8, 100, 10)

	a := newFakeClient("a")
	b := newFakeClient("b")
	d.Connect(a, "arena")
	d.Connect(b, "arena")
	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "A"}))
	d.HandleFrame(b, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "B"}))

	before := len(b.envelopesOfType(wire.TypePlayerJoined))
	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "A2"}))

	assert.Equal(t, before, len(b.envelopesOfType(wire.TypePlayerJoined)),
		"repeated join must not re-announce")

	d.Disconnect(a)
	d.Disconnect(b)
}

func TestDisconnectReclaimsEmptyRoom(t *testing.T) {
	d := newRelayDispatcher(8, 100)

	a := newFakeClient("a")
	d.Connect(a, "temp")
	require.Equal(t, 1, d.registry.Count())

	d.Disconnect(a)

	assert.Equal(t, 0, d.registry.Count(), "emptied non-default room must be deregistered")
	assert.Equal(t, 0, d.SessionCount())
}

func TestDisconnectKeepsDefaultRoom(t *testing.T) {
	d := newRelayDispatcher(8, 100)

	a := newFakeClient("a")
	d.Connect(a, "")

	r, ok := d.registry.Get(relayhub.DefaultRoom)
	require.True(t, ok, "empty room id must bind to the default room")
	require.Equal(t, 1, r.Size())

	d.Disconnect(a)

	_, ok = d.registry.Get(relayhub.DefaultRoom)
	assert.True(t, ok, "the default room is never destroyed")
}

func TestDisconnectRemovesRateWindow(t *testing.T) {
	limiter := ratelimit.New(100)
	registry := room.NewRegistry(room.Config{Mode: relayhub.ModeRelay, Capacity: 8})
	d := New(relayhub.ModeRelay, registry, limiter)

	a := newFakeClient("a")
	d.Connect(a, "r1")
	payload, err := cbor.Marshal(map[string]any{"seq": 1})
	require.NoError(t, err)
	d.HandleFrame(a, payload)
	require.Equal(t, 1, limiter.Len())

	d.Disconnect(a)
	assert.Equal(t, 0, limiter.Len())
}

func TestJoinReplacesDestroyedRoom(t *testing.T) {
	d := newAuthoritativeDispatcher(8, 100, 10)

	a := newFakeClient("a")
	d.Connect(a, "arena")

	stale := d.registry.GetOrCreate("arena")
	stale.Destroy()

	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "A"}))

	r, ok := d.registry.Get("arena")
	require.True(t, ok)
	require.NotSame(t, stale, r, "join must re-resolve a destroyed room instead of landing in it")
	assert.Equal(t, 1, r.Size())

	d.Disconnect(a)
}

// TestRejectedJoinIsNotCountedInTrafficRate floods a full room with join
// attempts and checks the room's traffic rate only reflects the one join
// that was accepted.
func TestRejectedJoinIsNotCountedInTrafficRate(t *testing.T) {
	d := newAuthoritativeDispatcher(1, 100, 10)

	a := newFakeClient("a")
	b := newFakeClient("b")
	d.Connect(a, "duel")
	d.Connect(b, "duel")

	d.HandleFrame(a, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "A"}))
	for i := 0; i < 9; i++ {
		d.HandleFrame(b, encode(t, &wire.Envelope{Type: wire.TypeJoin, DisplayName: "B"}))
	}

	errs := b.envelopesOfType(wire.TypeError)
	require.Len(t, errs, 9)
	for _, e := range errs {
		assert.Equal(t, relayhub.ErrCodeRoomFull, e.Code)
	}

	r, ok := d.registry.Get("duel")
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)
	assert.Less(t, r.MessagesPerSecond(), 2.0,
		"rejected joins must not count toward the room's traffic rate")

	d.Disconnect(a)
	d.Disconnect(b)
}
