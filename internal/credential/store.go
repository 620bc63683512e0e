package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is an atomically-written, file-backed persistence layer for OAuth
// refresh tokens: a single flat JSON file rather than a database row, since
// this proxy has no multi-tenant store to lean on but still needs refresh
// tokens to survive a restart.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]CredentialState
}

// OpenStore loads (or initializes) the credential store at path.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]CredentialState{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("credential: open store: %w", err)
	}
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, fmt.Errorf("credential: decode store: %w", err)
	}
	return s, nil
}

// DefaultStorePath returns the per-user default location for the
// credential store.
func DefaultStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("credential: resolve config dir: %w", err)
	}
	return filepath.Join(dir, "prism", "credentials.json"), nil
}

// Load returns the persisted state for identity, or nil if none exists.
func (s *Store) Load(identity string) *CredentialState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[identity]
	if !ok {
		return nil
	}
	return &st
}

// Save persists state, replacing any prior entry for the same identity.
// The write is atomic: a temp file in the same directory is written and
// renamed over the target, so a crash mid-write cannot corrupt the store.
func (s *Store) Save(state CredentialState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[state.Identity] = state

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("credential: create store dir: %w", err)
	}
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: encode store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("credential: write temp store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("credential: commit store: %w", err)
	}
	return nil
}
