package receiptstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "receipts.sqlite"))
	if err != nil {
		t.Fatalf("unexpected error opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAssignsExternalIDAndQueryReturnsIt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id, err := db.Insert(ctx, Receipt{
		RunID: "RUN_010120260000_abcd", CreatedAt: 1000, Project: "demo", Model: "gpt-5",
		Mode: "GENERATE", FlowType: FlowA, ResponseID: "resp_1", InputTokens: 10, OutputTokens: 20,
		TotalCost: 0.5, LogPaths: map[string]any{"req": "r.json"}, Usage: map[string]any{"input_tokens": 10.0},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero row id")
	}
	rows, err := db.Query(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].ExternalID == "" {
		t.Fatal("expected external id to be assigned")
	}
	if rows[0].Usage["input_tokens"] != 10.0 {
		t.Fatalf("expected usage to round-trip, got %+v", rows[0].Usage)
	}
}

func TestExistingIndexDeduplicatesByResponseAndBatchID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.Insert(ctx, Receipt{RunID: "run-1", CreatedAt: 1, ResponseID: "resp_1", TotalCost: 1})
	db.Insert(ctx, Receipt{RunID: "run-2", CreatedAt: 2, BatchID: "batch_1", TotalCost: 2})

	idx, err := db.ExistingIndex(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := idx.ByResponseID["resp_1"]; !ok {
		t.Fatal("expected resp_1 indexed")
	}
	if _, ok := idx.ByBatchID["batch_1"]; !ok {
		t.Fatal("expected batch_1 indexed")
	}
	if !idx.RunIDs["run-1"] || !idx.RunIDs["run-2"] {
		t.Fatal("expected both run ids tracked")
	}
}

func TestUpdateRowOverwritesExistingReceipt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id, _ := db.Insert(ctx, Receipt{RunID: "run-1", CreatedAt: 1, ResponseID: "resp_1", TotalCost: 1})

	if err := db.UpdateRow(ctx, id, Receipt{RunID: "run-1", CreatedAt: 1, ResponseID: "resp_1", TotalCost: 99}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, _ := db.Query(ctx)
	if rows[0].TotalCost != 99 {
		t.Fatalf("expected updated total cost, got %v", rows[0].TotalCost)
	}
}

func TestDeleteIDsRemovesRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id, _ := db.Insert(ctx, Receipt{RunID: "run-1", CreatedAt: 1})
	if err := db.DeleteIDs(ctx, []int64{id}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, _ := db.Query(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected no rows after delete, got %d", len(rows))
	}
}
