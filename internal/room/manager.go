package room

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrRoomClosing is returned when admission raced with the room's
	// teardown. Recoverable: the caller may retry or treat it as a denial.
	ErrRoomClosing = errors.New("room is closing")
	// ErrManagerStopped is returned for requests after shutdown.
	ErrManagerStopped = errors.New("room manager stopped")
)

type ensureReq struct {
	resourceID string
	member     Member
	reply      chan error
}

type releaseReq struct {
	resourceID string
	userID     int64
}

type broadcastReq struct {
	resourceID string
	payload    []byte
	exclude    int64
}

type removeReq struct {
	resourceID string
	room       *room
	ack        chan struct{}
}

// Manager serializes room admission and routes fanout. The registry map is
// touched only by the manager's own goroutine; each room runs its own loop,
// so unrelated resources proceed in parallel.
type Manager struct {
	store    ProvenanceStore
	log      *zap.Logger
	requests chan interface{}
	removals chan removeReq
	done     chan struct{}
}

// NewManager builds a Manager backed by the given provenance store.
func NewManager(store ProvenanceStore, log *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		log:      log.With(zap.String("module", "room")),
		requests: make(chan interface{}, 128),
		removals: make(chan removeReq),
		done:     make(chan struct{}),
	}
}

// Run processes requests until ctx is cancelled. It never terminates because
// of a single caller's input; per-room failures stay in the room's goroutine.
func (m *Manager) Run(ctx context.Context) {
	rooms := make(map[string]*room)
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			return
		case rm := <-m.removals:
			if rooms[rm.resourceID] == rm.room {
				delete(rooms, rm.resourceID)
			}
			close(rm.ack)
		case req := <-m.requests:
			switch r := req.(type) {
			case ensureReq:
				h, ok := rooms[r.resourceID]
				if !ok {
					h = newRoom(r.resourceID, m.store, m, m.log)
					rooms[r.resourceID] = h
					go h.run()
				}
				m.forward(h, joinMsg{member: r.member, reply: r.reply}, func() {
					r.reply <- ErrRoomClosing
				})
			case releaseReq:
				if h, ok := rooms[r.resourceID]; ok {
					m.forward(h, leaveMsg{userID: r.userID}, nil)
				}
			case broadcastReq:
				if h, ok := rooms[r.resourceID]; ok {
					m.forward(h, broadcastMsg{payload: r.payload, exclude: r.exclude}, nil)
				}
			}
		}
	}
}

// forward hands a message to a room without ever blocking the manager on one
// room's backlog. onFull runs if the room mailbox is saturated.
func (m *Manager) forward(h *room, msg interface{}, onFull func()) {
	select {
	case h.mailbox <- msg:
	default:
		m.log.Warn("room mailbox saturated, message dropped",
			zap.String("resource_id", h.id))
		if onFull != nil {
			onFull()
		}
	}
}

// remove is called from a room goroutine; it blocks until the manager has
// unregistered the room, after which nothing new is routed to it.
func (m *Manager) remove(resourceID string, r *room) {
	req := removeReq{resourceID: resourceID, room: r, ack: make(chan struct{})}
	select {
	case m.removals <- req:
		<-req.ack
	case <-m.done:
	}
}

// EnsureRoom admits member to the room for resourceID, creating the room if
// it does not exist. Exactly one creator wins under concurrent admission;
// the rest join the winner's room. A failed provenance write rolls the
// creation back and surfaces a recoverable error.
func (m *Manager) EnsureRoom(ctx context.Context, resourceID string, member Member) error {
	reply := make(chan error, 1)
	select {
	case m.requests <- ensureReq{resourceID: resourceID, member: member, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerStopped
	}
}

// Release removes member from the room. Idempotent; releasing a non-member
// or an unknown resource is a no-op.
func (m *Manager) Release(resourceID string, userID int64) {
	select {
	case m.requests <- releaseReq{resourceID: resourceID, userID: userID}:
	case <-m.done:
	}
}

// Broadcast fans payload out to every current member except excludeUserID.
// Best-effort per member; delivery order across members is undefined.
func (m *Manager) Broadcast(resourceID string, payload []byte, excludeUserID int64) {
	select {
	case m.requests <- broadcastReq{resourceID: resourceID, payload: payload, exclude: excludeUserID}:
	case <-m.done:
	}
}
