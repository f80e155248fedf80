package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/script-gateway/internal/auth"
	"github.com/nmxmxh/script-gateway/internal/room"
)

type wsFrame struct {
	mt   int
	data []byte
	err  error
}

// fakeSocket is an in-memory transport standing in for *websocket.Conn.
type fakeSocket struct {
	in     chan wsFrame
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	texts       [][]byte
	pings       int
	closeFrames []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan wsFrame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case fr, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		if fr.err != nil {
			return 0, nil, fr.err
		}
		return fr.mt, fr.data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, data)
	return nil
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		f.pings++
	case websocket.CloseMessage:
		reason := ""
		if len(data) > 2 {
			reason = string(data[2:])
		}
		f.closeFrames = append(f.closeFrames, reason)
	}
	return nil
}

func (f *fakeSocket) SetReadLimit(int64)                {}
func (f *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeSocket) SetPongHandler(func(string) error) {}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) closeReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closeFrames...)
}

func (f *fakeSocket) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.texts...)
}

type fakeGate struct {
	identity auth.Identity
	resource string
	err      error
}

func (g *fakeGate) Authenticate(context.Context, string, string) (auth.Identity, string, error) {
	return g.identity, g.resource, g.err
}

type releaseCall struct {
	resourceID string
	userID     int64
}

type broadcastCall struct {
	resourceID string
	payload    []byte
	exclude    int64
}

type fakeRooms struct {
	mu         sync.Mutex
	ensureErr  error
	members    []room.Member
	releases   []releaseCall
	broadcasts []broadcastCall
}

func (r *fakeRooms) EnsureRoom(_ context.Context, _ string, m room.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ensureErr != nil {
		return r.ensureErr
	}
	r.members = append(r.members, m)
	return nil
}

func (r *fakeRooms) Release(resourceID string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases = append(r.releases, releaseCall{resourceID: resourceID, userID: userID})
}

func (r *fakeRooms) Broadcast(resourceID string, payload []byte, excludeUserID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, broadcastCall{
		resourceID: resourceID, payload: payload, exclude: excludeUserID,
	})
}

func (r *fakeRooms) snapshot() ([]releaseCall, []broadcastCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]releaseCall(nil), r.releases...),
		append([]broadcastCall(nil), r.broadcasts...)
}

type fakeBus struct {
	mu        sync.Mutex
	err       error
	published [][]byte
}

func (b *fakeBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, payload)
	return nil
}

func (b *fakeBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func startConn(t *testing.T, ws *fakeSocket, gate Authenticator, rooms Rooms, bus Publisher,
	interval, timeout time.Duration,
) chan struct{} {
	t.Helper()
	conn := NewConn(ws, gate, rooms, bus, interval, timeout, zap.NewNop())
	finished := make(chan struct{})
	go func() {
		conn.Run(context.Background())
		close(finished)
	}()
	return finished
}

func authFrame(messageID int64) wsFrame {
	return wsFrame{
		mt:   websocket.TextMessage,
		data: []byte(fmt.Sprintf(`{"messageId":%d,"token":"tok","scriptId":42}`, messageID)),
	}
}

func TestAuthRoundTripToReady(t *testing.T) {
	ws := newFakeSocket()
	gate := &fakeGate{identity: auth.Identity{UserID: 9}, resource: "42"}
	rooms := &fakeRooms{}
	bus := &fakeBus{}
	finished := startConn(t, ws, gate, rooms, bus, 50*time.Millisecond, 10*time.Second)

	ws.in <- authFrame(1)
	require.Eventually(t, func() bool {
		rooms.mu.Lock()
		defer rooms.mu.Unlock()
		return len(rooms.members) == 1
	}, time.Second, 5*time.Millisecond, "expected admission")

	payload := []byte(`{"data":"hello"}`)
	ws.in <- wsFrame{mt: websocket.TextMessage, data: payload}

	require.Eventually(t, func() bool {
		_, broadcasts := rooms.snapshot()
		return len(broadcasts) == 1 && bus.publishedCount() == 1
	}, time.Second, 5*time.Millisecond, "expected fanout and bus publish")

	_, broadcasts := rooms.snapshot()
	assert.Equal(t, "42", broadcasts[0].resourceID)
	assert.Equal(t, payload, broadcasts[0].payload)
	assert.Equal(t, int64(9), broadcasts[0].exclude, "sender must be excluded from fanout")

	// Peer goes away: membership is released exactly once.
	close(ws.in)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("connection did not terminate")
	}
	releases, _ := rooms.snapshot()
	require.Len(t, releases, 1)
	assert.Equal(t, releaseCall{resourceID: "42", userID: 9}, releases[0])
}

func TestAuthDeniedClosesWithEchoedMessageID(t *testing.T) {
	ws := newFakeSocket()
	gate := &fakeGate{err: fmt.Errorf("%w: invalid token", auth.ErrDenied)}
	rooms := &fakeRooms{}
	finished := startConn(t, ws, gate, rooms, &fakeBus{}, 50*time.Millisecond, 10*time.Second)

	ws.in <- authFrame(7)

	require.Eventually(t, func() bool {
		return len(ws.closeReasons()) == 1 && len(ws.written()) == 1
	}, time.Second, 5*time.Millisecond, "expected error reply and close frame")

	assert.Contains(t, string(ws.written()[0]), `"messageId":7`)
	assert.Contains(t, string(ws.written()[0]), "invalid token")

	close(ws.in)
	<-finished
	releases, _ := rooms.snapshot()
	assert.Empty(t, releases, "never joined, nothing to release")
}

func TestAdmissionDeniedCloses(t *testing.T) {
	ws := newFakeSocket()
	gate := &fakeGate{identity: auth.Identity{UserID: 3}, resource: "42"}
	rooms := &fakeRooms{ensureErr: errors.New("room is closing")}
	finished := startConn(t, ws, gate, rooms, &fakeBus{}, 50*time.Millisecond, 10*time.Second)

	ws.in <- authFrame(5)
	require.Eventually(t, func() bool {
		return len(ws.closeReasons()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "room is closing", ws.closeReasons()[0])

	close(ws.in)
	<-finished
	releases, _ := rooms.snapshot()
	assert.Empty(t, releases)
}

func TestDataBeforeAuthIsDropped(t *testing.T) {
	ws := newFakeSocket()
	rooms := &fakeRooms{}
	bus := &fakeBus{}
	finished := startConn(t, ws, &fakeGate{}, rooms, bus, 50*time.Millisecond, 10*time.Second)

	ws.in <- wsFrame{mt: websocket.TextMessage, data: []byte(`{"data":"sneaky"}`)}
	time.Sleep(50 * time.Millisecond)

	_, broadcasts := rooms.snapshot()
	assert.Empty(t, broadcasts, "pre-auth data must not be fanned out")
	assert.Zero(t, bus.publishedCount())
	assert.Empty(t, ws.closeReasons(), "a dropped frame does not close the connection")

	close(ws.in)
	<-finished
}

func TestHeartbeatTimeoutCloses(t *testing.T) {
	ws := newFakeSocket()
	gate := &fakeGate{identity: auth.Identity{UserID: 1}, resource: "42"}
	rooms := &fakeRooms{}
	finished := startConn(t, ws, gate, rooms, &fakeBus{}, 10*time.Millisecond, 40*time.Millisecond)

	// One pong disarms the no-auth rule; then the peer goes silent.
	ws.in <- wsFrame{mt: websocket.PongMessage}
	ws.in <- authFrame(1)

	require.Eventually(t, func() bool {
		reasons := ws.closeReasons()
		return len(reasons) == 1 && reasons[0] == ReasonHeartbeatTimeout
	}, time.Second, 5*time.Millisecond, "expected heartbeat timeout close")

	close(ws.in)
	<-finished
	releases, _ := rooms.snapshot()
	require.Len(t, releases, 1, "timeout path must still release membership exactly once")
}

func TestNoAuthTimeoutCloses(t *testing.T) {
	ws := newFakeSocket()
	finished := startConn(t, ws, &fakeGate{}, &fakeRooms{}, &fakeBus{}, 10*time.Millisecond, 40*time.Millisecond)

	require.Eventually(t, func() bool {
		reasons := ws.closeReasons()
		return len(reasons) == 1 && reasons[0] == ReasonNoAuth
	}, time.Second, 5*time.Millisecond, "expected timeout_no_auth close")

	close(ws.in)
	<-finished
}

func TestReleaseOnceOnReadError(t *testing.T) {
	ws := newFakeSocket()
	gate := &fakeGate{identity: auth.Identity{UserID: 4}, resource: "42"}
	rooms := &fakeRooms{}
	finished := startConn(t, ws, gate, rooms, &fakeBus{}, 50*time.Millisecond, 10*time.Second)

	ws.in <- authFrame(2)
	require.Eventually(t, func() bool {
		rooms.mu.Lock()
		defer rooms.mu.Unlock()
		return len(rooms.members) == 1
	}, time.Second, 5*time.Millisecond)

	ws.in <- wsFrame{err: io.ErrUnexpectedEOF}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("connection did not terminate")
	}
	releases, _ := rooms.snapshot()
	require.Len(t, releases, 1)
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	ws := newFakeSocket()
	finished := startConn(t, ws, &fakeGate{}, &fakeRooms{}, &fakeBus{}, 50*time.Millisecond, 10*time.Second)

	ws.in <- wsFrame{mt: websocket.TextMessage, data: []byte(`not json at all`)}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ws.closeReasons())

	close(ws.in)
	<-finished
}
