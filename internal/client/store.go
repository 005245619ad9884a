package client

import (
	"sync"

	"github.com/dagz55/gotryke-auth/internal/identity"
	"github.com/dagz55/gotryke-auth/internal/profile"
)

// State is the session view shared with UI components.
type State struct {
	User    *identity.User
	Profile *profile.Profile
	Session *identity.Session
	Loading bool
}

// Authenticated reports whether a user is signed in.
func (s State) Authenticated() bool { return s.User != nil }

// Store holds State. Only Client writes to it; readers take snapshots or
// subscribe to changes.
type Store struct {
	mu     sync.RWMutex
	state  State
	nextID int
	subs   map[int]func(State)
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{subs: make(map[int]func(State))}
}

// State returns a snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn for every change and returns a function that removes it.
// fn runs synchronously after the change and must not call back into the Client.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	snapshot := s.state
	subs := make([]func(State), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(snapshot)
	}
}
