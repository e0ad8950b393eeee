// Package state holds the client-side chat state built from canonical actions.
package state

import (
	"cmp"
	"slices"
	"sync"

	"github.com/vovakirdan/chatsync/internal/core"
)

// Room is a room with its messages in arrival order.
type Room struct {
	ID       string
	Name     string
	Messages []core.Message
}

// Store is the reducer. It is safe for concurrent use; readers get copies.
type Store struct {
	mu     sync.RWMutex
	users  map[string]core.User
	online map[string]struct{}
	rooms  map[string]*Room
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.users = make(map[string]core.User)
	s.online = make(map[string]struct{})
	s.rooms = make(map[string]*Room)
}

// Dispatch applies one action.
func (s *Store) Dispatch(a core.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch a.Kind {
	case core.ActionSetUser:
		s.users[a.User.ID] = a.User
		if a.User.Online() {
			s.online[a.User.ID] = struct{}{}
		} else {
			delete(s.online, a.User.ID)
		}
	case core.ActionAppendMessage:
		room := s.roomLocked(a.RoomID)
		room.Messages = append(room.Messages, a.Message)
	case core.ActionAddRoom:
		room := s.roomLocked(a.Room.ID)
		room.Name = a.Room.Name
	case core.ActionMakeUserOnline:
		id := s.resolveLocked(a.Username)
		s.online[id] = struct{}{}
		if u, ok := s.users[id]; ok {
			u.Status = core.StatusOnline
			s.users[id] = u
		}
	case core.ActionClear:
		s.reset()
	}
}

func (s *Store) roomLocked(id string) *Room {
	r, ok := s.rooms[id]
	if !ok {
		r = &Room{ID: id}
		s.rooms[id] = r
	}
	return r
}

// resolveLocked maps a username to its user id. Message senders arrive as ids,
// so unknown keys are taken as ids.
func (s *Store) resolveLocked(key string) string {
	if _, ok := s.users[key]; ok {
		return key
	}
	for id, u := range s.users {
		if u.Username == key {
			return id
		}
	}
	return key
}

// User returns the user with id.
func (s *Store) User(id string) (core.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// Users returns all known users ordered by id.
func (s *Store) Users() []core.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b core.User) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Online reports whether the user with id is marked online.
func (s *Store) Online(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[id]
	return ok
}

// DisplayName returns the username for id, or id itself when unknown.
func (s *Store) DisplayName(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[id]; ok && u.Username != "" {
		return u.Username
	}
	return id
}

// Room returns a copy of the room with id.
func (s *Store) Room(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return copyRoom(r), true
}

// Rooms returns copies of all rooms ordered by id.
func (s *Store) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, copyRoom(r))
	}
	slices.SortFunc(out, func(a, b Room) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func copyRoom(r *Room) Room {
	return Room{ID: r.ID, Name: r.Name, Messages: slices.Clone(r.Messages)}
}
