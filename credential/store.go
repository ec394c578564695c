package credential

import (
	"path/filepath"
	"sync"
)

// Store is the single-credential-per-provider map, persisted as one
// JSON file (credentials.json).
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a Store rooted at <espritHome>/credentials.json.
func NewStore(espritHome string) *Store {
	return &Store{path: filepath.Join(espritHome, "credentials.json")}
}

func (s *Store) load() map[string]credentialJSON {
	m := make(map[string]credentialJSON)
	readJSON(s.path, &m)
	return m
}

// Get returns the stored credential for a provider, if any.
func (s *Store) Get(providerID string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load()
	d, ok := m[providerID]
	if !ok {
		return Credential{}, false
	}
	return credentialFromJSON(d), true
}

// Set stores (replacing) the credential for a provider.
func (s *Store) Set(providerID string, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load()
	m[providerID] = c.toJSON()
	return writeAtomic(s.path, m)
}

// Delete removes a provider's credential, if present.
func (s *Store) Delete(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load()
	if _, ok := m[providerID]; !ok {
		return nil
	}
	delete(m, providerID)
	return writeAtomic(s.path, m)
}

// HasCredentials reports whether a provider has a stored credential.
func (s *Store) HasCredentials(providerID string) bool {
	_, ok := s.Get(providerID)
	return ok
}
