// Package receiptstore is the durable, concurrency-safe receipt index
// (spec §4.5), backed by SQLite through the pure-Go modernc.org/sqlite
// driver the same way arkeep-io-arkeep's internal/db/db.go opens it —
// raw database/sql rather than an ORM, since the receipt schema's fixed,
// narrow index set doesn't benefit from a mapper. Grounded on
// original_source/kajovo/core/receipt.py for schema and operations.
package receiptstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS receipts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  external_id TEXT NOT NULL,
  run_id TEXT NOT NULL,
  created_at REAL NOT NULL,
  project TEXT,
  model TEXT,
  mode TEXT,
  flow_type TEXT,
  response_id TEXT,
  batch_id TEXT,
  input_tokens INTEGER,
  output_tokens INTEGER,
  tool_cost REAL,
  storage_cost REAL,
  total_cost REAL,
  pricing_verified INTEGER,
  notes TEXT,
  log_paths_json TEXT,
  usage_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_receipts_created_at ON receipts(created_at);
CREATE INDEX IF NOT EXISTS idx_receipts_project ON receipts(project);
CREATE INDEX IF NOT EXISTS idx_receipts_run_id ON receipts(run_id);
CREATE INDEX IF NOT EXISTS idx_receipts_response_id ON receipts(response_id);
CREATE INDEX IF NOT EXISTS idx_receipts_batch_id ON receipts(batch_id);
`

// Receipt is one billed unit of work (spec §3).
type Receipt struct {
	ID              int64
	ExternalID      string
	RunID           string
	CreatedAt       float64
	Project         string
	Model           string
	Mode            string
	FlowType        string
	ResponseID      string
	BatchID         string
	InputTokens     int
	OutputTokens    int
	ToolCost        float64
	StorageCost     float64
	TotalCost       float64
	PricingVerified bool
	Notes           string
	LogPaths        map[string]any
	Usage           map[string]any
}

// FlowType values named by spec §4.9 examples.
const (
	FlowA        = "A"
	FlowB        = "B"
	FlowFallback = "FALLBACK"
)

// DB is a single-writer-disciplined sqlite-backed receipt store.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the receipt database at path, applying
// the WAL/NORMAL pragmas and the single-writer connection cap spec §4.5/§5
// require of sqlite's one-writer model.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("receiptstore: open: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("receiptstore: schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Insert adds a new receipt row, assigning an external sortable ulid if
// the caller hasn't already set one (§10.2).
func (db *DB) Insert(ctx context.Context, r Receipt) (int64, error) {
	if r.ExternalID == "" {
		r.ExternalID = ulid.Make().String()
	}
	logPaths, err := json.Marshal(r.LogPaths)
	if err != nil {
		return 0, err
	}
	usage, err := json.Marshal(r.Usage)
	if err != nil {
		return 0, err
	}
	res, err := db.conn.ExecContext(ctx, `INSERT INTO receipts
		(external_id, run_id, created_at, project, model, mode, flow_type, response_id, batch_id,
		 input_tokens, output_tokens, tool_cost, storage_cost, total_cost, pricing_verified, notes,
		 log_paths_json, usage_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ExternalID, r.RunID, r.CreatedAt, r.Project, r.Model, r.Mode, r.FlowType, r.ResponseID, r.BatchID,
		r.InputTokens, r.OutputTokens, r.ToolCost, r.StorageCost, r.TotalCost, boolToInt(r.PricingVerified), r.Notes,
		string(logPaths), string(usage))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateRow overwrites an existing receipt by row id.
func (db *DB) UpdateRow(ctx context.Context, id int64, r Receipt) error {
	logPaths, err := json.Marshal(r.LogPaths)
	if err != nil {
		return err
	}
	usage, err := json.Marshal(r.Usage)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `UPDATE receipts SET
		run_id=?, created_at=?, project=?, model=?, mode=?, flow_type=?, response_id=?, batch_id=?,
		input_tokens=?, output_tokens=?, tool_cost=?, storage_cost=?, total_cost=?,
		pricing_verified=?, notes=?, log_paths_json=?, usage_json=?
		WHERE id=?`,
		r.RunID, r.CreatedAt, r.Project, r.Model, r.Mode, r.FlowType, r.ResponseID, r.BatchID,
		r.InputTokens, r.OutputTokens, r.ToolCost, r.StorageCost, r.TotalCost, boolToInt(r.PricingVerified), r.Notes,
		string(logPaths), string(usage), id)
	return err
}

func (db *DB) DeleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	_, err := db.conn.ExecContext(ctx, "DELETE FROM receipts WHERE id IN ("+placeholders+")", args...)
	return err
}

// Query returns the 1000 most recent receipts, newest first.
func (db *DB) Query(ctx context.Context) ([]Receipt, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, external_id, run_id, created_at, project, model, mode,
		flow_type, response_id, batch_id, input_tokens, output_tokens, tool_cost, storage_cost, total_cost,
		pricing_verified, notes, log_paths_json, usage_json
		FROM receipts ORDER BY created_at DESC LIMIT 1000`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Receipt
	for rows.Next() {
		var r Receipt
		var verified int
		var logPaths, usage string
		if err := rows.Scan(&r.ID, &r.ExternalID, &r.RunID, &r.CreatedAt, &r.Project, &r.Model, &r.Mode,
			&r.FlowType, &r.ResponseID, &r.BatchID, &r.InputTokens, &r.OutputTokens, &r.ToolCost,
			&r.StorageCost, &r.TotalCost, &verified, &r.Notes, &logPaths, &usage); err != nil {
			return nil, err
		}
		r.PricingVerified = verified != 0
		_ = json.Unmarshal([]byte(logPaths), &r.LogPaths)
		_ = json.Unmarshal([]byte(usage), &r.Usage)
		out = append(out, r)
	}
	return out, rows.Err()
}

// IndexEntry is one de-duplication lookup row (spec §4.6 "existing index").
type IndexEntry struct {
	ID        int64
	RunID     string
	TotalCost float64
}

// Index is the fast de-duplication structure the pricing auditor needs:
// response_id -> row, batch_id -> row, and the set of run ids already seen.
type Index struct {
	ByResponseID map[string]IndexEntry
	ByBatchID    map[string]IndexEntry
	RunIDs       map[string]bool
}

func (db *DB) ExistingIndex(ctx context.Context) (*Index, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, run_id, response_id, batch_id, total_cost FROM receipts")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	idx := &Index{ByResponseID: map[string]IndexEntry{}, ByBatchID: map[string]IndexEntry{}, RunIDs: map[string]bool{}}
	for rows.Next() {
		var id int64
		var runID string
		var respID, batchID sql.NullString
		var totalCost sql.NullFloat64
		if err := rows.Scan(&id, &runID, &respID, &batchID, &totalCost); err != nil {
			return nil, err
		}
		idx.RunIDs[runID] = true
		entry := IndexEntry{ID: id, RunID: runID, TotalCost: totalCost.Float64}
		if respID.Valid && respID.String != "" {
			idx.ByResponseID[respID.String] = entry
		}
		if batchID.Valid && batchID.String != "" {
			idx.ByBatchID[batchID.String] = entry
		}
	}
	return idx, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
