package portal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultTokenPath is where the restore token lives unless configured
func DefaultTokenPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}
	return filepath.Join(configDir, "castkeeper", "portal_token")
}

// restoreStore persists the portal restore token between runs
type restoreStore struct {
	path string

	mu    sync.Mutex
	token string
	read  bool
}

func newRestoreStore(path string) *restoreStore {
	return &restoreStore{path: path}
}

type restoreFile struct {
	Token string `json:"token"`
}

// Load returns the saved token, or "" if there is none
func (s *restoreStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.read {
		return s.token
	}
	s.read = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	var f restoreFile
	if err := json.Unmarshal(data, &f); err != nil {
		return ""
	}
	s.token = f.Token
	return s.token
}

// Save replaces the saved token. Tokens are single use, so every Start
// response carries a new one.
func (s *restoreStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.read = true

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.Marshal(restoreFile{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}
