package pricingaudit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/karelmartinek-a11y/kajovo/internal/pricing"
	"github.com/karelmartinek-a11y/kajovo/internal/receiptstore"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newAuditor(t *testing.T, logDir string) *Auditor {
	t.Helper()
	db, err := receiptstore.Open(filepath.Join(t.TempDir(), "receipts.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	table := pricing.NewTable(":memory:")
	table.UpdateFromRows(pricing.BuiltinFallback(), true, "test-seed")
	return &Auditor{LogDir: logDir, PriceTable: table, Receipts: db}
}

func TestAuditInsertsReceiptForResponse(t *testing.T) {
	logDir := t.TempDir()
	runDir := filepath.Join(logDir, "RUN_010120260000_abcd")
	writeJSON(t, filepath.Join(runDir, "run_state.json"), map[string]any{"project": "demo", "model": "gpt-4o-mini", "mode": "GENERATE"})
	writeJSON(t, filepath.Join(runDir, "responses", "A1_response.json"), map[string]any{
		"id": "resp_1", "model": "gpt-4o-mini", "usage": map[string]any{"input_tokens": 100, "output_tokens": 50},
	})

	a := newAuditor(t, logDir)
	summary := a.Audit(context.Background())
	if summary.Inserted != 1 {
		t.Fatalf("expected 1 insert, got %+v", summary)
	}
	if summary.RunsScanned != 1 {
		t.Fatalf("expected 1 run scanned, got %+v", summary)
	}

	rows, err := a.Receipts.Query(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ResponseID != "resp_1" || rows[0].Mode != "GENERATE" {
		t.Fatalf("unexpected receipt rows: %+v", rows)
	}
}

func TestAuditSkipsReInsertWhenUnchanged(t *testing.T) {
	logDir := t.TempDir()
	runDir := filepath.Join(logDir, "RUN_010120260000_abcd")
	writeJSON(t, filepath.Join(runDir, "run_state.json"), map[string]any{"project": "demo", "model": "gpt-4o-mini"})
	writeJSON(t, filepath.Join(runDir, "responses", "A1_response.json"), map[string]any{
		"id": "resp_1", "model": "gpt-4o-mini", "usage": map[string]any{"input_tokens": 100, "output_tokens": 50},
	})

	a := newAuditor(t, logDir)
	a.Audit(context.Background())
	summary := a.Audit(context.Background())
	if summary.Inserted != 0 || summary.Updated != 0 {
		t.Fatalf("expected no changes on second pass, got %+v", summary)
	}
}

func TestAuditInsertsFallbackForRunWithNoResponses(t *testing.T) {
	logDir := t.TempDir()
	runDir := filepath.Join(logDir, "RUN_010120260000_empty")
	writeJSON(t, filepath.Join(runDir, "run_state.json"), map[string]any{"project": "demo", "status": "failed"})
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}

	a := newAuditor(t, logDir)
	summary := a.Audit(context.Background())
	if summary.MissingRuns != 1 {
		t.Fatalf("expected 1 missing/fallback run, got %+v", summary)
	}
	rows, _ := a.Receipts.Query(context.Background())
	if len(rows) != 1 || rows[0].FlowType != receiptstore.FlowFallback {
		t.Fatalf("expected fallback receipt, got %+v", rows)
	}
}

func TestMatchRequestToolsPicksLatestWithinWindow(t *testing.T) {
	meta := []requestMeta{
		{label: "A1", useFileSrc: false, mtime: 100},
		{label: "A1", useFileSrc: true, mtime: 105},
		{label: "A1", useFileSrc: false, mtime: 200},
	}
	if !matchRequestTools("A1", 105.5, meta) {
		t.Fatal("expected the mtime=105 request (use_fs=true) to match")
	}
}

func TestNeedsUpdateDetectsMeaningfulDelta(t *testing.T) {
	if !needsUpdate(0, 1.5) {
		t.Fatal("expected zero->nonzero to need update")
	}
	if needsUpdate(1.0, 1.0000001) {
		t.Fatal("expected negligible delta to not need update")
	}
	if !needsUpdate(1.0, 2.0) {
		t.Fatal("expected meaningful delta to need update")
	}
}

func TestInferLabelAndModeFlow(t *testing.T) {
	if got := inferLabel("A2_structure_response.json"); got != "A2" {
		t.Fatalf("expected A2, got %s", got)
	}
	mode, flow := inferModeFlow("B1")
	if mode != "MODIFY" || flow != "B1" {
		t.Fatalf("unexpected mode/flow: %s/%s", mode, flow)
	}
}
