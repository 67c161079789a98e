package websocket

import "sync"

// MemoryTokenStore keeps tokens for the lifetime of the process.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemoryTokenStore returns an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]string)}
}

// SaveToken stores signed under name, replacing any previous token.
func (s *MemoryTokenStore) SaveToken(name, signed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[name] = signed
	return nil
}

// LoadToken returns "" when no token is stored.
func (s *MemoryTokenStore) LoadToken(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[name], nil
}

// RemoveToken forgets the token stored under name.
func (s *MemoryTokenStore) RemoveToken(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, name)
	return nil
}
