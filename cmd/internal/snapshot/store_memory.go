package snapshot

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore is a process-local Store. It does not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	flag    string
	payload []byte
	writes  int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Read(_ context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolvePair(s.flag, bytes.Clone(s.payload))
}

func (s *MemoryStore) Write(_ context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flag = flagTrue
	s.payload = bytes.Clone(payload)
	s.writes++
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flag = ""
	s.payload = nil
	return nil
}

// Writes returns how many successful writes the store has seen.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SetRaw stores an arbitrary pair, bypassing validation.
// Used to simulate torn or foreign state.
func (s *MemoryStore) SetRaw(flag string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flag = flag
	s.payload = bytes.Clone(payload)
}
