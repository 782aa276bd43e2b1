package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/domain"
)

// SessionID identifies one signaling connection.
type SessionID string

// Registry is the process-wide room map and the only cross-connection
// shared mutable structure. It also tracks every bound signaling connection
// so room-list changes reach clients that have not joined anything yet.
type Registry struct {
	engine Engine

	mu    sync.RWMutex
	rooms map[domain.RoomName]*Room
	conns map[SessionID]EventSink
}

func NewRegistry(engine Engine) *Registry {
	return &Registry{
		engine: engine,
		rooms:  make(map[domain.RoomName]*Room),
		conns:  make(map[SessionID]EventSink),
	}
}

// Bind registers a connection for rooms broadcasts and pushes the current
// room list to it.
func (r *Registry) Bind(sid SessionID, sink EventSink) {
	r.mu.Lock()
	r.conns[sid] = sink
	r.mu.Unlock()
	log.Info().Str("module", "core.registry").Str("sid", string(sid)).Msg("connection bound")

	sink.Event(EventRooms, r.ListNames())
}

func (r *Registry) Unbind(sid SessionID) {
	r.mu.Lock()
	delete(r.conns, sid)
	r.mu.Unlock()
	log.Info().Str("module", "core.registry").Str("sid", string(sid)).Msg("connection unbound")
}

// CreateOrJoin resolves a join request to a room. With createRoom set, an
// existing name is an error. A missing room is created either way, matching
// the join semantics clients expect. Check and insert happen under one
// lock, so two concurrent creators cannot both succeed.
func (r *Registry) CreateOrJoin(name domain.RoomName, createRoom bool) (*Room, error) {
	r.mu.Lock()
	room, exists := r.rooms[name]
	if exists && createRoom {
		r.mu.Unlock()
		return nil, ErrRoomExists
	}
	created := false
	if !exists {
		room = NewRoom(name, r.engine)
		r.rooms[name] = room
		created = true
	}
	r.mu.Unlock()

	if created {
		log.Info().Str("module", "core.registry").Str("room", string(name)).Msg("room created")
		r.BroadcastRooms()
	}
	return room, nil
}

func (r *Registry) Room(name domain.RoomName) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[name]
	return room, ok
}

// RemoveIfEmpty collects the room once its last peer is gone. Callers
// invoke it after every peer removal. Collection marks the room closed
// first, so a join holding a stale handle fails admission instead of ending
// up in a room the registry no longer knows.
func (r *Registry) RemoveIfEmpty(name domain.RoomName) {
	r.mu.Lock()
	room, ok := r.rooms[name]
	if !ok || !room.closeIfEmpty() {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, name)
	r.mu.Unlock()

	room.Close()
	log.Info().Str("module", "core.registry").Str("room", string(name)).Msg("empty room removed")
	r.BroadcastRooms()
}

// ListNames returns a sorted snapshot of room names.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		out = append(out, string(name))
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// BroadcastRooms pushes the room list to every bound connection.
func (r *Registry) BroadcastRooms() {
	names := r.ListNames()

	r.mu.RLock()
	sinks := make([]EventSink, 0, len(r.conns))
	for _, s := range r.conns {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	for _, s := range sinks {
		s.Event(EventRooms, names)
	}
}
