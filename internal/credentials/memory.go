package credentials

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // sessionID -> category\x00key -> payload
}

// NewMemoryStore builds an in-memory credential store for testing.
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string]map[string][]byte)}
}

func entryKey(category, key string) string {
	return category + "\x00" + key
}

func (s *memoryStore) Read(_ context.Context, sessionID, category, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data[sessionID]
	if !ok {
		return nil, nil
	}
	payload, ok := session[entryKey(category, key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (s *memoryStore) Write(_ context.Context, sessionID, category, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data[sessionID]
	if !ok {
		session = make(map[string][]byte)
		s.data[sessionID] = session
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	session[entryKey(category, key)] = stored
	return nil
}

func (s *memoryStore) Delete(_ context.Context, sessionID, category, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.data[sessionID]; ok {
		delete(session, entryKey(category, key))
	}
	return nil
}

func (s *memoryStore) List(_ context.Context, sessionID, category string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	session, ok := s.data[sessionID]
	if !ok {
		return out, nil
	}
	prefix := category + "\x00"
	for k, payload := range session {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			out[k[len(prefix):]] = cp
		}
	}
	return out, nil
}

func (s *memoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}
