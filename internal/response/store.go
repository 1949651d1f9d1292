// Package response reads per-user question responses. The engine only ever
// reads responses; writing them belongs to the intake surface that collects
// answers.
package response

import (
	"context"
	"sync"
)

// Store reads a user's stored response for a question. The boolean result
// distinguishes "answered null" from "never answered".
type Store interface {
	GetResponse(ctx context.Context, userID string, questionID int64) (any, bool, error)
}

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu        sync.RWMutex
	responses map[string]map[int64]any
}

// NewMemoryStore creates an empty in-memory response store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		responses: make(map[string]map[int64]any),
	}
}

// Set records a response value for a user and question.
func (s *MemoryStore) Set(userID string, questionID int64, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byQuestion, ok := s.responses[userID]
	if !ok {
		byQuestion = make(map[int64]any)
		s.responses[userID] = byQuestion
	}
	byQuestion[questionID] = value
}

func (s *MemoryStore) GetResponse(ctx context.Context, userID string, questionID int64) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byQuestion, ok := s.responses[userID]
	if !ok {
		return nil, false, nil
	}
	v, ok := byQuestion[questionID]
	return v, ok, nil
}
