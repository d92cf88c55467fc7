package store

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore implements Store using in-memory maps.
// This is useful for testing and single-process deployments; records are
// lost on restart.
type MemorySessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]*Session        // sessionID -> Session
	byIdentity map[string]map[string]bool // identityID -> set of sessionIDs

	locks keyedMutex
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]bool),
		locks:      keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// Get returns a session by ID.
func (s *MemorySessionStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// GetActive returns the active sessions of an identity, newest first.
func (s *MemorySessionStore) GetActive(_ context.Context, identityID string) ([]*Session, error) {
	s.mu.RLock()
	active := s.activeLocked(identityID)
	s.mu.RUnlock()

	sortNewestFirst(active)
	return active, nil
}

// activeLocked copies the identity's active sessions. Caller holds s.mu.
func (s *MemorySessionStore) activeLocked(identityID string) []*Session {
	active := []*Session{}
	for sessionID := range s.byIdentity[identityID] {
		session := s.sessions[sessionID]
		if session != nil && session.Status == StatusActive {
			active = append(active, session.Clone())
		}
	}
	return active
}

// Update runs fn while holding the identity's lock and applies the staged
// writes in a single critical section, so readers see all of them or none.
func (s *MemorySessionStore) Update(ctx context.Context, identityID string, fn func(tx Tx) error) error {
	unlock := s.locks.Lock(identityID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	active := s.activeLocked(identityID)
	s.mu.RUnlock()

	tx := newStagedTx(identityID, active, func(id string) (*Session, error) {
		return s.Get(ctx, id)
	})
	if err := fn(tx); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range tx.creates {
		if _, exists := s.sessions[c.SessionID]; exists {
			return ErrDuplicateSession
		}
	}

	// Touch does not take the identity lock, so activity may have moved
	// since the snapshot.
	for _, change := range tx.statuses {
		session := s.sessions[change.sessionID]
		if change.conditional() && !session.LastActivityAt.Before(change.lapsedBefore) {
			return ErrActivityAdvanced
		}
	}

	for _, change := range tx.statuses {
		session := s.sessions[change.sessionID]
		// Status only changes under the identity lock, which we hold.
		at := change.at
		session.Status = change.status
		session.EndedAt = &at
	}

	for _, c := range tx.creates {
		s.sessions[c.SessionID] = c
		if s.byIdentity[identityID] == nil {
			s.byIdentity[identityID] = make(map[string]bool)
		}
		s.byIdentity[identityID][c.SessionID] = true
	}

	return nil
}

// Touch advances the last activity timestamp of an active session.
func (s *MemorySessionStore) Touch(_ context.Context, sessionID string, at, staleBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.Status != StatusActive {
		return ErrAlreadyTerminal
	}
	if session.LastActivityAt.Before(staleBefore) {
		return ErrLapsed
	}
	if at.After(session.LastActivityAt) {
		session.LastActivityAt = at
	}
	return nil
}

// StaleIdentities returns identities with an active session idle since before.
func (s *MemorySessionStore) StaleIdentities(_ context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var identities []string
	for _, session := range s.sessions {
		if session.Status != StatusActive || !session.LastActivityAt.Before(before) {
			continue
		}
		if !seen[session.IdentityID] {
			seen[session.IdentityID] = true
			identities = append(identities, session.IdentityID)
		}
	}
	return identities, nil
}

// Ping always succeeds for the memory store.
func (s *MemorySessionStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the memory store.
func (s *MemorySessionStore) Close() error {
	return nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until the key's mutex is held and returns the unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
