// Package credstore holds the device's secrets: bearer token, token metadata and device password.
package credstore

import (
	"fmt"
	"sync"

	"github.com/agentworkforce/nexussync/internal/errs"
)

const Namespace = "nexussync"

const (
	KeyBearerToken    = "bearer_token"
	KeyTokenMetadata  = "token_metadata"
	KeyDevicePassword = "device_password"
)

// Store is a keyed secret store. Get returns errs.ErrNotFound for a missing key;
// Delete of a missing key succeeds.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string][]byte{}}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: credential %s", errs.ErrNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	if key == "" {
		return errs.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
