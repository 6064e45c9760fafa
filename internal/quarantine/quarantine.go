// Package quarantine tracks agents that have been placed into the
// terminal QUARANTINED state, so every subsequent proxy call for
// that agent short-circuits to a forced-100 decision without
// re-running rule or baseline scoring.
package quarantine

import (
	"context"
	"sync"
)

// Store is the quarantine-set interface. A single process-local
// instance is the default; a Redis-backed instance lets multiple
// broker/gateway instances share the same set.
type Store interface {
	Add(ctx context.Context, agentID string) error
	Contains(ctx context.Context, agentID string) (bool, error)
	Remove(ctx context.Context, agentID string) error
}

// MemoryStore is a process-local, mutex-guarded quarantine set. This
// is the default — per design, baselines and quarantine state are
// explicitly process-local, not a durable store.
type MemoryStore struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewMemoryStore builds an empty in-memory quarantine set.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{set: make(map[string]struct{})}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[agentID] = struct{}{}
	return nil
}

// Contains implements Store.
func (s *MemoryStore) Contains(_ context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[agentID]
	return ok, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.set, agentID)
	return nil
}

// List returns every agent currently in the set. Used by the
// compliance evidence pack; not part of the Store interface since the
// Redis-backed variant would need a separate SCAN-based version.
func (s *MemoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]string, 0, len(s.set))
	for a := range s.set {
		agents = append(agents, a)
	}
	return agents
}
