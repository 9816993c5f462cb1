// Package storage provides the generic key-value service the cache's
// durable tier and provider-preference persistence are built on.
// It supports both in-memory (tests, single process) and Redis backends.
package storage

import (
	"context"
	"sync"
)

// Service is a minimal bulk key-value store. Values are opaque bytes;
// callers own serialization.
type Service interface {
	Get(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys []string) error
}

type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values: make(map[string][]byte),
	}
}

func (s *InMemoryStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			cp := make([]byte, len(v))
			copy(cp, v)
			result[k] = cp
		}
	}
	return result, nil
}

func (s *InMemoryStore) Set(ctx context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		cp := make([]byte, len(v))
		copy(cp, v)
		s.values[k] = cp
	}
	return nil
}

func (s *InMemoryStore) Remove(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// Len reports the number of stored keys. Used by tests.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
