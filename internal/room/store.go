package room

import (
	"sync"

	"github.com/bken/collabhub/internal/mediaworker"
)

// Store is the narrow RoomStore capability of spec.md §9: lookup,
// create-on-demand, and remove. Gateways depend on this interface, not
// on each other.
type Store interface {
	GetOrCreate(roomID, ownerID, password string) (r *Room, created bool)
	Get(roomID string) (*Room, bool)
	Remove(roomID string)
}

// InMemoryStore is the process-local room registry. Rooms are
// conceptually single-writer per spec.md §5; this map's mutex only
// protects membership, not a room's own state.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*Room
	pool  *mediaworker.Pool
}

// NewInMemoryStore builds an empty room registry.
func NewInMemoryStore(pool *mediaworker.Pool) *InMemoryStore {
	return &InMemoryStore{rooms: make(map[string]*Room), pool: pool}
}

// GetOrCreate returns the existing room for roomID, or creates one with
// ownerID as owner and password as its join guard.
func (s *InMemoryStore) GetOrCreate(roomID, ownerID, password string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r, false
	}
	r := New(roomID, ownerID, password)
	s.rooms[roomID] = r
	return r, true
}

// Get looks up a room without creating it.
func (s *InMemoryStore) Get(roomID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// Remove closes and drops the room identified by roomID.
func (s *InMemoryStore) Remove(roomID string) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if ok {
		r.Close(s.pool)
	}
}
