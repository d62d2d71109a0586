package token

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (s *MemoryStore) Insert(_ context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[t.ID]; exists {
		return fmt.Errorf("token: duplicate id %s", t.ID)
	}
	s.tokens[t.ID] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.State != StateIssued {
		return false, nil
	}
	t.State = StateUsed
	t.UsedAt = at
	s.tokens[id] = t
	return true, nil
}

// MemoryThrottle is an in-process ThrottleStore.
type MemoryThrottle struct {
	mu     sync.Mutex
	states map[ThrottleKey]ThrottleState
}

func NewMemoryThrottle() *MemoryThrottle {
	return &MemoryThrottle{states: make(map[ThrottleKey]ThrottleState)}
}

func (m *MemoryThrottle) Reserve(_ context.Context, key ThrottleKey, limits Limits, now time.Time) (ThrottleState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		st = ThrottleState{PrincipalID: key.PrincipalID, Purpose: key.Purpose}
	}
	next, admitted := limits.Advance(st, now)
	m.states[key] = next
	return next, admitted, nil
}
