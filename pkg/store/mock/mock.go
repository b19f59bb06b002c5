// Package mock provides an in-memory [store.Store] that records calls.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is a map-backed store. The zero value is ready to use.
type Store struct {
	mu sync.Mutex

	// PutError, if set, is returned by every Put.
	PutError error

	// CallCountPut and CallCountClose count calls.
	CallCountPut   int
	CallCountClose int

	data map[string]string
}

// Put records value under key unless PutError is set.
func (s *Store) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPut++
	if s.PutError != nil {
		return s.PutError
	}
	if s.data == nil {
		s.data = make(map[string]string)
	}
	s.data[key] = value
	return nil
}

// Get returns the stored value or [store.ErrNotFound].
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

// Close counts the call.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Snapshot returns a copy of all stored entries.
func (s *Store) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}
