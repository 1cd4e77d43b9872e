package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development runs without Redis and
// for tests. Expiry follows the same sliding TTL policy as the Redis store,
// enforced lazily on Get.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	expiry   map[string]time.Time
	ttl      time.Duration
}

// NewMemoryStore creates an empty MemoryStore with the standard TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		expiry:   make(map[string]time.Time),
		ttl:      SessionTTL,
	}
}

// Get returns a copy of the stored session, or (nil, nil) if the id is
// unknown or the record has expired.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	deadline := m.expiry[id]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(deadline) {
		m.mu.Lock()
		delete(m.sessions, id)
		delete(m.expiry, id)
		m.mu.Unlock()
		return nil, nil
	}

	cp := *s
	return &cp, nil
}

// Put stores a copy of the session and resets its TTL.
func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	cp := *s
	m.mu.Lock()
	m.sessions[s.ID] = &cp
	m.expiry[s.ID] = time.Now().Add(m.ttl)
	m.mu.Unlock()
	return nil
}

// Touch refreshes last-seen and the TTL for an existing session. Touching an
// unknown id is a no-op.
func (m *MemoryStore) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.LastSeen = time.Now().UnixMilli()
		m.expiry[id] = time.Now().Add(m.ttl)
	}
	m.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// SetTTL overrides the store TTL; used by expiry tests.
func (m *MemoryStore) SetTTL(d time.Duration) {
	m.mu.Lock()
	m.ttl = d
	m.mu.Unlock()
}
