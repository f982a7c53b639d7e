package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Huddle/internal/app/room"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RoomManager owns the live rooms of the process. A room leaves the manager
// as soon as it closes.
type RoomManager struct {
	opts room.Options
	deps room.Deps

	mu    sync.RWMutex
	rooms map[domain.RoomID]*room.Room
}

func NewRoomManager(opts room.Options, deps room.Deps) *RoomManager {
	return &RoomManager{opts: opts, deps: deps, rooms: make(map[domain.RoomID]*room.Room)}
}

func (m *RoomManager) Get(id domain.RoomID) (*room.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// GetOrCreate returns the open room with id, opening it if needed.
func (m *RoomManager) GetOrCreate(id domain.RoomID) *room.Room {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return r
	}
	m.mu.Lock()
	if r, ok = m.rooms[id]; ok {
		m.mu.Unlock()
		return r
	}
	r = m.openLocked(id, "")
	m.mu.Unlock()
	return m.track(r)
}

// Create opens a room with a fresh id owned by ownerSubject.
func (m *RoomManager) Create(ownerSubject string) *room.Room {
	m.mu.Lock()
	r := m.openLocked(domain.RoomID(uuid.NewString()), ownerSubject)
	m.mu.Unlock()
	return m.track(r)
}

func (m *RoomManager) openLocked(id domain.RoomID, owner string) *room.Room {
	opts := m.opts
	opts.Owner = owner
	r := room.New(id, opts, m.deps)
	m.rooms[id] = r
	log.Info().Str("module", "app.rooms").Str("room_id", string(id)).Msg("room registered")
	return r
}

// track unregisters r once it closes. Must be called without m.mu held.
func (m *RoomManager) track(r *room.Room) *room.Room {
	r.OnClose(func() { m.remove(r) })
	return r
}

func (m *RoomManager) remove(r *room.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.ID()] == r {
		delete(m.rooms, r.ID())
		log.Info().Str("module", "app.rooms").Str("room_id", string(r.ID())).Msg("room unregistered")
	}
}

// List returns the open rooms, oldest first.
func (m *RoomManager) List() []room.Info {
	m.mu.RLock()
	rooms := make([]*room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]room.Info, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *RoomManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// CloseAll closes every room. Used on shutdown.
func (m *RoomManager) CloseAll() {
	m.mu.RLock()
	rooms := make([]*room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()
	for _, r := range rooms {
		r.Close()
	}
}
