package capcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/capcache/capflag"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.json")
	c := NewCache(path, 0)
	rec := Record{
		Model:                "gpt-5",
		TestedAt:             float64(time.Now().Unix()),
		OkBasic:              true,
		SupportsContinuation: capflag.NewYes(),
		SupportsTemperature:  capflag.NewInconclusive("timeout probing temperature"),
		SupportsTools:        capflag.NewNo("unknown parameter: tools"),
		SupportsFileSearch:   capflag.NewNo("unknown parameter: tools"),
		SupportsVectorStore:  capflag.NewNo("unknown parameter: tools"),
		Errors:               map[string]string{},
	}
	if err := c.Put(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reloaded := NewCache(path, 0)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := reloaded.Get("gpt-5")
	if !ok {
		t.Fatal("expected record to be present after reload")
	}
	if got.SupportsContinuation.Kind != capflag.Yes {
		t.Fatalf("expected continuation=Yes, got %v", got.SupportsContinuation.Kind)
	}
	if got.SupportsTemperature.Kind != capflag.Inconclusive {
		t.Fatalf("expected temperature=Inconclusive, got %v", got.SupportsTemperature.Kind)
	}
	if got.SupportsTools.Kind != capflag.No {
		t.Fatalf("expected tools=No, got %v", got.SupportsTools.Kind)
	}
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "nope.json"), 0)
	if err := c.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.Get("anything"); ok {
		t.Fatal("expected empty cache")
	}
}

func TestForceRefreshMarkerClearsCacheAndRemovesItself(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caps.json")
	c := NewCache(path, 0)
	c.Put(Record{Model: "gpt-5", SupportsContinuation: capflag.NewYes()})

	markerPath := path + ".force_refresh"
	writeMarker(t, markerPath)

	c2 := NewCache(path, 0)
	if err := c2.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c2.Get("gpt-5"); ok {
		t.Fatal("expected cache cleared by force_refresh marker")
	}
	if _, err := os.Stat(markerPath); err == nil {
		t.Fatal("expected force_refresh marker removed after load")
	}
}

func TestGetRespectsTTL(t *testing.T) {
	c := NewCache(":memory-unused:", 10*time.Millisecond)
	old := Record{Model: "m", TestedAt: float64(time.Now().Add(-time.Hour).Unix())}
	c.records = map[string]Record{"m": old}
	if _, ok := c.Get("m"); ok {
		t.Fatal("expected stale record to report not-ok under TTL")
	}
}

func TestMissingReturnsUnseenModels(t *testing.T) {
	c := NewCache(":memory-unused:", 0)
	c.records = map[string]Record{"known": {Model: "known"}}
	missing := c.Missing([]string{"known", "unknown-1", "unknown-2"})
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing models, got %v", missing)
	}
}

func TestIsExplicitRejectionRequiresParamNameAndPhrase(t *testing.T) {
	if !IsExplicitRejection("Error: unknown parameter: previous_response_id", "previous_response_id") {
		t.Fatal("expected explicit rejection to match")
	}
	if IsExplicitRejection("Error: service unavailable, try again", "previous_response_id") {
		t.Fatal("expected transient error to not match")
	}
	if IsExplicitRejection("Error: unknown parameter: temperature", "previous_response_id") {
		t.Fatal("expected mismatched param name to not match")
	}
}

func TestApplyErrorOverrideNormalizationDowngradesStaleYes(t *testing.T) {
	r := Record{
		Model:                "m",
		SupportsContinuation: capflag.NewYes(),
		Errors:               map[string]string{"continuation": "unknown parameter: previous_response_id"},
	}
	fixed := applyErrorOverrideNormalization(r)
	if fixed.SupportsContinuation.Kind != capflag.No {
		t.Fatalf("expected stale Yes with rejection error to downgrade to No, got %v", fixed.SupportsContinuation.Kind)
	}
}

func writeMarker(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
}
