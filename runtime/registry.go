package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

type Set map[string]struct{}

// PrivateChannel names the per-user channel every connection is placed in
// on admission.
func PrivateChannel(userID string) string {
	return "user:" + userID
}

// Registry maps live connections to their private channel and to the
// conversation rooms they joined. It is created at server start and torn
// down with Close. Join does not check conversation membership: sending is
// where membership is enforced.
//
// sessions maps a connection id to its sink, users holds each user's
// private channel, roomMembers each conversation room, and memberships the
// rooms of each connection.
type Registry struct {
	mu          sync.RWMutex
	log         *slog.Logger
	sessions    map[string]contract.EventSink
	users       map[string]Set
	roomMembers map[domain.ConversationID]Set
	memberships map[string]map[domain.ConversationID]struct{}
	closed      bool
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:         log,
		sessions:    make(map[string]contract.EventSink),
		users:       make(map[string]Set),
		roomMembers: make(map[domain.ConversationID]Set),
		memberships: make(map[string]map[domain.ConversationID]struct{}),
	}
}

// Attach registers an admitted connection and places it in its user's
// private channel. Several connections of the same user coexist.
func (r *Registry) Attach(sink contract.EventSink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[sink.ID()] = sink
	if _, ok := r.users[sink.UserID()]; !ok {
		r.users[sink.UserID()] = make(Set)
	}
	r.users[sink.UserID()][sink.ID()] = struct{}{}
	r.memberships[sink.ID()] = make(map[domain.ConversationID]struct{})
	return true
}

// Detach removes the connection from every channel it was in.
func (r *Registry) Detach(sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(sink.ID())
}

// Join adds an attached connection to a conversation room.
func (r *Registry) Join(conversationID domain.ConversationID, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sink.ID()]; !ok {
		return
	}
	if _, ok := r.roomMembers[conversationID]; !ok {
		r.roomMembers[conversationID] = make(Set)
	}
	r.roomMembers[conversationID][sink.ID()] = struct{}{}
	r.memberships[sink.ID()][conversationID] = struct{}{}
}

func (r *Registry) Leave(conversationID domain.ConversationID, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conversationID, sink.ID())
}

// Broadcast delivers e to every connection of the room except those owned
// by excludeUserID. Membership is copied under the read lock and delivery
// happens after releasing it, so a connection leaving mid-broadcast only
// misses the event. It returns how many sinks accepted the event.
func (r *Registry) Broadcast(ctx context.Context, conversationID domain.ConversationID, e event.DomainEvent, excludeUserID string) int {
	r.mu.RLock()
	targets := r.sinksLocked(r.roomMembers[conversationID])
	r.mu.RUnlock()

	if excludeUserID != "" {
		targets = lo.Filter(targets, func(s contract.EventSink, _ int) bool {
			return s.UserID() != excludeUserID
		})
	}
	return r.deliver(ctx, targets, e)
}

// NotifyUser delivers e on the user's private channel, to all their devices.
func (r *Registry) NotifyUser(ctx context.Context, userID string, e event.DomainEvent) int {
	r.mu.RLock()
	targets := r.sinksLocked(r.users[userID])
	r.mu.RUnlock()
	return r.deliver(ctx, targets, e)
}

// Rooms lists the channels a connection is in, private channel first.
func (r *Registry) Rooms(sink contract.EventSink) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	memberships, ok := r.memberships[sink.ID()]
	if !ok {
		return nil
	}
	rooms := []string{PrivateChannel(sink.UserID())}
	for conversationID := range memberships {
		rooms = append(rooms, string(conversationID))
	}
	return rooms
}

// ConnectionCount returns the number of attached connections and of
// non-empty conversation rooms.
func (r *Registry) ConnectionCount() (connections int, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.roomMembers)
}

// Close detaches everything and closes the sinks that support it.
// Attach is refused afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	sinks := lo.Values(r.sessions)
	r.sessions = make(map[string]contract.EventSink)
	r.users = make(map[string]Set)
	r.roomMembers = make(map[domain.ConversationID]Set)
	r.memberships = make(map[string]map[domain.ConversationID]struct{})
	r.closed = true
	r.mu.Unlock()

	for _, sink := range sinks {
		if c, ok := sink.(interface{ Close() }); ok {
			c.Close()
		}
	}
	r.log.Info("Registry closed", "connections", len(sinks))
}

func (r *Registry) deliver(ctx context.Context, targets []contract.EventSink, e event.DomainEvent) int {
	delivered := 0
	for _, sink := range targets {
		if err := sink.Consume(ctx, e); err != nil {
			r.log.Debug("Event dropped",
				"connection_id", sink.ID(),
				"user_id", sink.UserID(),
				"type", e.EventType(),
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) sinksLocked(members Set) []contract.EventSink {
	sinks := make([]contract.EventSink, 0, len(members))
	for connectionID := range members {
		if sink, ok := r.sessions[connectionID]; ok {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

func (r *Registry) detachLocked(connectionID string) {
	sink, ok := r.sessions[connectionID]
	if !ok {
		return
	}
	delete(r.sessions, connectionID)
	if devices, ok := r.users[sink.UserID()]; ok {
		delete(devices, connectionID)
		if len(devices) == 0 {
			delete(r.users, sink.UserID())
		}
	}
	for conversationID := range r.memberships[connectionID] {
		r.leaveLocked(conversationID, connectionID)
	}
	delete(r.memberships, connectionID)
}

func (r *Registry) leaveLocked(conversationID domain.ConversationID, connectionID string) {
	if members, ok := r.roomMembers[conversationID]; ok {
		delete(members, connectionID)
		// If no one is left in the room, remove the room entry entirely
		if len(members) == 0 {
			delete(r.roomMembers, conversationID)
		}
	}
	if memberships, ok := r.memberships[connectionID]; ok {
		delete(memberships, conversationID)
	}
}
