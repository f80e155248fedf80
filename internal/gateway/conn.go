// Package gateway runs one state-machine goroutine per accepted WebSocket
// connection, multiplexing inbound frames, internal control signals and
// heartbeat ticks over a single select loop.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/script-gateway/internal/auth"
	"github.com/nmxmxh/script-gateway/internal/room"
	"github.com/nmxmxh/script-gateway/pkg/metrics"
)

// State is the connection lifecycle state.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Close reasons reported to the peer.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonNoAuth           = "timeout_no_auth"
	ReasonInternalError    = "internal_error"
	ReasonShutdown         = "server_shutdown"
)

const (
	writeWait     = 10 * time.Second
	drainWait     = 3 * time.Second
	admitTimeout  = 10 * time.Second
	readLimit     = 1 << 20
	sendQueueSize = 256
)

// Authenticator validates a bearer token and authorizes the resource.
type Authenticator interface {
	Authenticate(ctx context.Context, token, resourceID string) (auth.Identity, string, error)
}

// Rooms is the room manager surface the connection uses.
type Rooms interface {
	EnsureRoom(ctx context.Context, resourceID string, member room.Member) error
	Release(resourceID string, userID int64)
	Broadcast(resourceID string, payload []byte, excludeUserID int64)
}

// Publisher forwards data frames to the message bus.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// transport is the subset of *websocket.Conn the state machine needs.
// Narrowed for tests.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

type inboundFrame struct {
	messageType int
	data        []byte
}

type authResult struct {
	messageID int64
	identity  auth.Identity
	resource  string
	err       error
}

type admitResult struct {
	messageID int64
	err       error
}

// signal is an internal control message delivered to the connection loop.
type signal struct {
	auth      *authResult
	admit     *admitResult
	transport error // writePump or probe failure
	busErr    error
}

// Conn is one connection's state machine. All fields below the send channel
// are owned exclusively by the Run goroutine.
type Conn struct {
	ID string

	ws     transport
	rooms  Rooms
	bus    Publisher
	gate   Authenticator
	log    *zap.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc

	send    chan []byte
	closing chan []byte
	frames  chan inboundFrame
	control chan signal
	done    chan struct{}

	state       State
	hb          *Heartbeat
	identity    auth.Identity
	resourceID  string
	authPending bool
	joined      bool
	released    bool
	drain       <-chan time.Time
	closeReason string
}

// NewConn builds a connection state machine around an accepted transport.
func NewConn(ws transport, gate Authenticator, rooms Rooms, bus Publisher,
	interval, timeout time.Duration, log *zap.Logger,
) *Conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ID:      id,
		ws:      ws,
		rooms:   rooms,
		bus:     bus,
		gate:    gate,
		log:     log.With(zap.String("conn_id", id)),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendQueueSize),
		closing: make(chan []byte, 1),
		frames:  make(chan inboundFrame, 32),
		control: make(chan signal, 16),
		done:    make(chan struct{}),
		state:   StateConnected,
		hb:      NewHeartbeat(interval, timeout, time.Now()),
	}
}

// Mailbox is the outbound handle the room manager routes fanout through.
func (c *Conn) Mailbox() chan<- []byte { return c.send }

// State returns the current lifecycle state. Loop-goroutine use only.
func (c *Conn) State() State { return c.state }

// Run drives the connection to its terminal state. Exactly one membership
// release is issued on the way out, whichever path led here.
func (c *Conn) Run(ctx context.Context) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	c.ws.SetReadLimit(readLimit)
	go c.readPump()
	go c.writePump()

	ticker := time.NewTicker(c.hb.Interval())
	defer ticker.Stop()

	shutdown := ctx.Done()
	for c.state != StateClosed {
		select {
		case fr, ok := <-c.frames:
			if !ok {
				c.state = StateClosed
				continue
			}
			c.handleFrame(fr)
		case sig := <-c.control:
			c.handleSignal(sig)
		case now := <-ticker.C:
			c.tick(now)
		case <-c.drain:
			c.state = StateClosed
		case <-shutdown:
			shutdown = nil
			c.beginClose(ReasonShutdown)
		}
	}
	c.teardown()
}

// teardown runs exactly once, after the loop reaches Closed.
func (c *Conn) teardown() {
	if c.joined && !c.released {
		c.rooms.Release(c.resourceID, c.identity.UserID)
		c.released = true
	}
	c.cancel()
	close(c.done)
	c.ws.Close()
	c.log.Info("connection closed",
		zap.String("reason", c.closeReason),
		zap.String("resource_id", c.resourceID))
}

// deliver hands a control signal to the loop without leaking the sender if
// the loop has already exited.
func (c *Conn) deliver(s signal) {
	select {
	case c.control <- s:
	case <-c.done:
	}
}

// readPump forwards transport frames into the loop. Pongs travel the same
// path so that heartbeat state keeps a single writer.
func (c *Conn) readPump() {
	defer close(c.frames)
	c.ws.SetPongHandler(func(string) error {
		select {
		case c.frames <- inboundFrame{messageType: websocket.PongMessage}:
		case <-c.done:
		}
		return nil
	})
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		select {
		case c.frames <- inboundFrame{messageType: messageType, data: data}:
		case <-c.done:
			return
		}
	}
}

// writePump drains the outbound mailbox. A write failure is reported to the
// loop as a transport failure. The close frame travels this path too, after
// everything queued ahead of it, so an error reply always precedes the close.
func (c *Conn) writePump() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case payload := <-c.closing:
			c.flushAndClose(payload)
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(msg []byte) bool {
	c.ws.SetWriteDeadline(c.now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.deliver(signal{transport: err})
		return false
	}
	return true
}

func (c *Conn) flushAndClose(payload []byte) {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		default:
			if err := c.ws.WriteControl(websocket.CloseMessage, payload, c.now().Add(writeWait)); err != nil {
				c.deliver(signal{transport: err})
			}
			return
		}
	}
}

func (c *Conn) handleFrame(fr inboundFrame) {
	switch fr.messageType {
	case websocket.PongMessage:
		c.hb.Observe(c.now())
	case websocket.TextMessage:
		c.handleText(fr.data)
	case websocket.BinaryMessage:
		c.handleBinary(fr.data)
	}
}

func (c *Conn) handleText(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		c.log.Warn("dropping malformed frame", zap.String("state", c.state.String()))
		return
	}
	switch f := frame.(type) {
	case AuthFrame:
		c.handleAuth(f)
	case DataFrame:
		c.handleData(f.Raw)
	}
}

func (c *Conn) handleAuth(f AuthFrame) {
	if c.state != StateConnected || c.authPending {
		c.log.Warn("dropping auth frame in unexpected state", zap.String("state", c.state.String()))
		return
	}
	c.authPending = true
	go func() {
		identity, resolved, err := c.gate.Authenticate(c.ctx, f.Token, string(f.ResourceID))
		c.deliver(signal{auth: &authResult{
			messageID: f.MessageID,
			identity:  identity,
			resource:  resolved,
			err:       err,
		}})
	}()
}

func (c *Conn) handleData(raw []byte) {
	if c.state != StateReady {
		c.log.Warn("dropping data frame before admission", zap.String("state", c.state.String()))
		return
	}
	c.rooms.Broadcast(c.resourceID, raw, c.identity.UserID)
	c.publishAsync(raw)
}

func (c *Conn) handleBinary(data []byte) {
	if c.state != StateReady {
		c.log.Warn("dropping binary frame before admission", zap.String("state", c.state.String()))
		return
	}
	c.publishAsync(data)
}

// publishAsync forwards a payload to the bus without blocking the loop.
// Failures come back as control signals, not as backpressure.
func (c *Conn) publishAsync(payload []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, writeWait)
		defer cancel()
		if err := c.bus.Publish(ctx, payload); err != nil {
			metrics.BusPublishFailures.Inc()
			c.deliver(signal{busErr: err})
		}
	}()
}

func (c *Conn) handleSignal(sig signal) {
	switch {
	case sig.auth != nil:
		c.applyAuth(sig.auth)
	case sig.admit != nil:
		c.applyAdmission(sig.admit)
	case sig.transport != nil:
		c.state = StateClosed
	case sig.busErr != nil:
		c.log.Warn("bus publish failed", zap.Error(sig.busErr))
	}
}

// applyAuth applies the Auth Gate result. Results that arrive after the
// connection started closing are discarded.
func (c *Conn) applyAuth(res *authResult) {
	c.authPending = false
	if c.state != StateConnected {
		return
	}
	if res.err != nil {
		reason := ReasonInternalError
		if auth.IsDenied(res.err) {
			reason = res.err.Error()
		}
		c.reply(EncodeError(res.messageID, reason))
		c.beginClose(reason)
		return
	}

	c.identity = res.identity
	c.resourceID = res.resource
	c.state = StateAuthenticated
	c.log.Info("authenticated",
		zap.Int64("user_id", c.identity.UserID),
		zap.String("resource_id", c.resourceID))

	messageID := res.messageID
	member := room.Member{UserID: c.identity.UserID, Mailbox: c.send}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, admitTimeout)
		defer cancel()
		err := c.rooms.EnsureRoom(ctx, c.resourceID, member)
		c.deliver(signal{admit: &admitResult{messageID: messageID, err: err}})
	}()
}

// applyAdmission applies the room manager's verdict. Stale results after
// Closing are discarded; the teardown release handles membership, if any.
func (c *Conn) applyAdmission(res *admitResult) {
	if c.state != StateAuthenticated {
		if res.err == nil {
			// Admitted after we started closing: release immediately so
			// membership does not leak, and only once.
			if !c.released {
				c.rooms.Release(c.resourceID, c.identity.UserID)
				c.released = true
			}
		}
		return
	}
	if res.err != nil {
		c.reply(EncodeError(res.messageID, res.err.Error()))
		c.beginClose(res.err.Error())
		return
	}
	c.joined = true
	c.state = StateReady
	c.log.Info("admitted to room", zap.String("resource_id", c.resourceID))
}

// reply queues an envelope to the peer, best-effort.
func (c *Conn) reply(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.log.Warn("send queue full, reply dropped")
	}
}

func (c *Conn) tick(now time.Time) {
	if c.state == StateClosing || c.state == StateClosed {
		return
	}
	if c.state == StateConnected && c.hb.NoAuthExpired(now) {
		metrics.HeartbeatTimeouts.Inc()
		c.beginClose(ReasonNoAuth)
		return
	}
	if c.hb.Expired(now) {
		metrics.HeartbeatTimeouts.Inc()
		c.beginClose(ReasonHeartbeatTimeout)
		return
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, now.Add(writeWait)); err != nil {
		// Probe transmission failure reads as transport closure.
		c.state = StateClosed
	}
}

// beginClose initiates the Closing state: the close frame carries the reason
// and a drain window bounds the wait for the peer's close ack.
func (c *Conn) beginClose(reason string) {
	if c.state == StateClosing || c.state == StateClosed {
		return
	}
	c.state = StateClosing
	c.closeReason = reason
	payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	select {
	case c.closing <- payload:
	default:
	}
	c.drain = time.After(drainWait)
}
