// Package room owns the mapping from resource identifier to room membership.
// All room state is mutated inside per-room goroutines fed by the manager;
// nothing outside this package touches a room directly.
package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/script-gateway/pkg/metrics"
)

// Member is a room participant: an identity plus the outbound mailbox handle
// used to route fanout messages. The mailbox is a weak reference — the room
// never mutates connection state through it.
type Member struct {
	UserID  int64
	Mailbox chan<- []byte
}

// storeTimeout bounds the provenance write that is part of room creation.
const storeTimeout = 5 * time.Second

type joinMsg struct {
	member Member
	reply  chan error
}

type leaveMsg struct {
	userID int64
}

type broadcastMsg struct {
	payload []byte
	exclude int64
}

type room struct {
	id      string
	mailbox chan interface{}
	store   ProvenanceStore
	manager *Manager
	log     *zap.Logger

	members map[int64]chan<- []byte
	created time.Time
}

func newRoom(id string, store ProvenanceStore, m *Manager, log *zap.Logger) *room {
	return &room{
		id:      id,
		mailbox: make(chan interface{}, 256),
		store:   store,
		manager: m,
		log:     log.With(zap.String("resource_id", id)),
		members: make(map[int64]chan<- []byte),
	}
}

// run processes the room's mailbox. The first message is always the
// creator's join; the provenance write happens there, so a failed write
// rolls the whole creation back before any other member is admitted.
func (r *room) run() {
	first, ok := (<-r.mailbox).(joinMsg)
	if !ok {
		// The manager always routes the creator's join first.
		r.retire()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	err := r.store.RecordCreation(ctx, r.id, first.member.UserID)
	cancel()
	if err != nil {
		r.log.Warn("room creation rolled back, provenance write failed", zap.Error(err))
		first.reply <- err
		r.retire()
		return
	}

	r.created = time.Now()
	r.members[first.member.UserID] = first.member.Mailbox
	first.reply <- nil
	metrics.ActiveRooms.Inc()
	r.log.Info("room created", zap.Int64("creator", first.member.UserID))

	for msg := range r.mailbox {
		switch m := msg.(type) {
		case joinMsg:
			r.members[m.member.UserID] = m.member.Mailbox
			m.reply <- nil
		case leaveMsg:
			if _, ok := r.members[m.userID]; !ok {
				continue // releasing a non-member is a no-op
			}
			delete(r.members, m.userID)
			if len(r.members) == 0 {
				metrics.ActiveRooms.Dec()
				r.log.Info("room empty, retiring")
				r.retire()
				return
			}
		case broadcastMsg:
			r.broadcast(m)
		}
	}
}

// broadcast delivers to every member except the excluded sender. Delivery is
// best-effort per member: a full mailbox drops the message for that member
// only, never stalling the rest.
func (r *room) broadcast(m broadcastMsg) {
	for userID, mailbox := range r.members {
		if userID == m.exclude {
			continue
		}
		select {
		case mailbox <- m.payload:
		default:
			metrics.BroadcastsDropped.Inc()
			r.log.Warn("dropped fanout message, member mailbox full",
				zap.Int64("user_id", userID))
		}
	}
}

// retire unregisters the room and drains whatever the manager routed here
// before it processed the removal. Queued joins get a recoverable error.
func (r *room) retire() {
	r.manager.remove(r.id, r)
	for {
		select {
		case msg := <-r.mailbox:
			if j, ok := msg.(joinMsg); ok {
				j.reply <- ErrRoomClosing
			}
		default:
			return
		}
	}
}
