// Package secretstore persists long-lived credentials (the remote service
// API key, SMTP/SSH passwords) outside the plain settings JSON/YAML file
// config loads and saves, per spec §10.3. Grounded on
// original_source/kajovo/core/secret_store.py's get_secret/set_secret, whose
// OS-keyring-with-env-var-fallback shape has no keyring-equivalent among the
// retrieved examples' dependencies (see DESIGN.md) — ported here as a
// restrictive-permission file store with the same environment-variable
// override escape hatch the original falls back to.
package secretstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const envPrefix = "KAJOVO_SECRET_"

func envName(key string) string {
	return envPrefix + strings.ToUpper(key)
}

// Store is a small file-backed secret table. Each instance owns one file;
// callers typically keep one process-wide Store per user profile.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store backed by path, creating neither the file nor its
// parent directory until the first Set.
func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("secretstore: parsing %s: %w", s.path, err)
	}
	return out, nil
}

// Get returns key's value: the file store if present, else the
// KAJOVO_SECRET_<KEY> environment variable, else ("", false).
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secrets, err := s.load()
	if err == nil {
		if v, ok := secrets[key]; ok && v != "" {
			return v, true
		}
	}
	if v := os.Getenv(envName(key)); v != "" {
		return v, true
	}
	return "", false
}

// Set stores key=value in the file, creating its parent directory and
// writing with 0600 permissions. An empty value deletes the key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secrets, err := s.load()
	if err != nil {
		secrets = map[string]string{}
	}
	if value == "" {
		delete(secrets, key)
	} else {
		secrets[key] = value
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Keys for the credentials config.AppSettings leaves unset in plain text.
const (
	KeyAPIKey       = "api_key"
	KeySMTPPassword = "smtp_password"
	KeySSHPassword  = "ssh_password"
)
