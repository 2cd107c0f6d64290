package secretstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetThenGetRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s := Open(path)
	if err := s.Set(KeyAPIKey, "sk-test-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := s.Get(KeyAPIKey)
	if !ok || got != "sk-test-123" {
		t.Fatalf("Get: got (%q, %v), want (sk-test-123, true)", got, ok)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", info.Mode().Perm())
	}
}

func TestGetFallsBackToEnvironmentVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s := Open(path)
	t.Setenv("KAJOVO_SECRET_API_KEY", "sk-from-env")
	got, ok := s.Get(KeyAPIKey)
	if !ok || got != "sk-from-env" {
		t.Fatalf("Get: got (%q, %v), want (sk-from-env, true)", got, ok)
	}
}

func TestSetEmptyValueDeletesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s := Open(path)
	if err := s.Set(KeyAPIKey, "sk-test-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(KeyAPIKey, ""); err != nil {
		t.Fatalf("Set empty: %v", err)
	}
	if _, ok := s.Get(KeyAPIKey); ok {
		t.Fatal("expected key to be deleted")
	}
}
