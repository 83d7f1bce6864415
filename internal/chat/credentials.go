package chat

import "sync"

// CredentialStore maps usernames to shared secrets. It is safe for concurrent
// use by every connection worker. Secrets are held in memory as-is; durable
// account storage sits behind whatever seeds this map.
type CredentialStore struct {
	mu    sync.RWMutex
	users map[string]string
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{users: make(map[string]string)}
}

// SeededCredentialStore returns a store preloaded with the development users.
func SeededCredentialStore() *CredentialStore {
	s := NewCredentialStore()
	s.users["admin"] = "admin123"
	s.users["alice"] = "password"
	s.users["bob"] = "password"
	s.users["charlie"] = "password"
	return s
}

// Authenticate reports whether username exists with exactly the given secret.
// It never mutates the store.
func (s *CredentialStore) Authenticate(username, secret string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.users[username]
	return ok && stored == secret
}

// Register inserts username if absent. The check and insert run under one
// lock so two concurrent registrations of the same name cannot both succeed.
func (s *CredentialStore) Register(username, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return ErrDuplicateUsername
	}
	s.users[username] = secret
	return nil
}
