package pricing

import (
	"path/filepath"
	"testing"
)

func TestUpdateFromRowsAlwaysIncludesBaseline(t *testing.T) {
	table := NewTable(filepath.Join(t.TempDir(), "cache.json"))
	err := table.UpdateFromRows(map[string]Row{"gpt-5": {Model: "gpt-5", InputPer1K: 1, OutputPer1K: 2}}, true, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := table.Rows["gpt-4o-mini"]; !ok {
		t.Fatal("expected baseline model gpt-4o-mini to remain available")
	}
	if _, ok := table.Rows["gpt-5"]; !ok {
		t.Fatal("expected new row to be present")
	}
}

func TestUpdateFromRowsPreservesTimestampWhenUnchanged(t *testing.T) {
	table := NewTable(":memory:")
	rows := map[string]Row{"gpt-5": {Model: "gpt-5", InputPer1K: 1, OutputPer1K: 2}}
	table.UpdateFromRows(rows, true, "first")
	first := *table.LastUpdated
	table.UpdateFromRows(rows, true, "second")
	if *table.LastUpdated != first {
		t.Fatal("expected last_updated to stay the same when nothing changed")
	}
}

func TestUpdateFromRowsBumpsTimestampWhenChanged(t *testing.T) {
	table := NewTable(":memory:")
	table.UpdateFromRows(map[string]Row{"gpt-5": {Model: "gpt-5", InputPer1K: 1, OutputPer1K: 2}}, true, "first")
	first := *table.LastUpdated
	table.UpdateFromRows(map[string]Row{"gpt-5": {Model: "gpt-5", InputPer1K: 3, OutputPer1K: 2}}, true, "second")
	if *table.LastUpdated == first {
		t.Fatal("expected last_updated to bump when a row value changed")
	}
}

func TestSaveLoadCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	table := NewTable(path)
	table.UpdateFromRows(map[string]Row{"gpt-5": {Model: "gpt-5", InputPer1K: 1, OutputPer1K: 2}}, true, "test")

	loaded := NewTable(path)
	if err := loaded.LoadCache(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Rows["gpt-5"].InputPer1K != 1 {
		t.Fatalf("expected round-tripped row, got %+v", loaded.Rows["gpt-5"])
	}
}

func TestComputeCostUsesBatchRatesWhenBatch(t *testing.T) {
	bi, bo := 0.5, 1.0
	row := &Row{Model: "m", InputPer1K: 1, OutputPer1K: 2, BatchInputPer1K: &bi, BatchOutputPer1K: &bo}
	total, _, _ := ComputeCost(row, 1000, 1000, true, false, 0)
	if total != 1.5 {
		t.Fatalf("expected batch rates applied, got %v", total)
	}
}

func TestComputeCostAddsFileSearchAndStorage(t *testing.T) {
	fs, storage := 0.1, 2.0
	row := &Row{Model: "m", InputPer1K: 1, OutputPer1K: 1, FileSearchPer1K: &fs, StoragePerGBDay: &storage}
	total, toolCost, storageCost := ComputeCost(row, 1000, 1000, false, true, 3)
	if toolCost != 0.1 {
		t.Fatalf("expected tool cost 0.1, got %v", toolCost)
	}
	if storageCost != 6.0 {
		t.Fatalf("expected storage cost 6.0, got %v", storageCost)
	}
	if total != 2+0.1+6.0 {
		t.Fatalf("expected total to include base+tool+storage, got %v", total)
	}
}

func TestComputeCostNilRowReturnsZero(t *testing.T) {
	total, tool, storage := ComputeCost(nil, 100, 100, false, false, 0)
	if total != 0 || tool != 0 || storage != 0 {
		t.Fatal("expected all zeros for nil row")
	}
}
