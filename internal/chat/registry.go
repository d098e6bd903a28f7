package chat

import (
	"slices"
	"sync"
)

// Registry holds the open sessions of a process, one per room.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	newFn    func(room string) *Session
}

// NewRegistry creates a registry building sessions with newFn.
func NewRegistry(newFn func(room string) *Session) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		newFn:    newFn,
	}
}

// Open returns the session of room, creating and opening it if needed.
func (r *Registry) Open(room string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[room]
	if !ok || s.Closed() {
		s = r.newFn(room)
		r.sessions[room] = s
	}
	r.mu.Unlock()

	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the open session of room.
func (r *Registry) Get(room string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[room]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// Close closes and forgets the session of room. It reports whether one was open.
func (r *Registry) Close(room string) bool {
	r.mu.Lock()
	s, ok := r.sessions[room]
	delete(r.sessions, room)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	return true
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for room, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, room)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

// Rooms lists the rooms with an open session, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.sessions))
	for room, s := range r.sessions {
		if !s.Closed() {
			rooms = append(rooms, room)
		}
	}
	slices.Sort(rooms)
	return rooms
}
