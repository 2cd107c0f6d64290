package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DefaultTemperature != 0.2 {
		t.Fatalf("expected default temperature 0.2, got %v", got.DefaultTemperature)
	}
}

func TestSaveLoadRoundTripJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := Defaults()
	s.DefaultModel = "gpt-4o-mini"
	if err := Save(path, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.DefaultModel != "gpt-4o-mini" {
		t.Fatalf("expected round-tripped model, got %v", got.DefaultModel)
	}
}

func TestSaveLoadRoundTripYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s := Defaults()
	s.Security.AllowUploadSensitive = true
	if err := Save(path, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !got.Security.AllowUploadSensitive {
		t.Fatal("expected round-tripped yaml setting")
	}
	if len(got.Security.DenyExtensionsIn) != len(DefaultDenyExtensions) {
		t.Fatalf("expected deny extensions preserved, got %v", got.Security.DenyExtensionsIn)
	}
}
