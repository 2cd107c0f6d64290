// Package pricing implements the cached price table and cost computation
// (spec §4.4), ported from original_source/kajovo/core/pricing.py.
package pricing

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Row mirrors PriceRow, with the batch/file-search/storage fields optional
// (nil means "use the base rate / not applicable").
type Row struct {
	Model              string   `json:"model"`
	InputPer1K         float64  `json:"input_per_1k"`
	OutputPer1K        float64  `json:"output_per_1k"`
	BatchInputPer1K    *float64 `json:"batch_input_per_1k,omitempty"`
	BatchOutputPer1K   *float64 `json:"batch_output_per_1k,omitempty"`
	FileSearchPer1K    *float64 `json:"file_search_per_1k,omitempty"`
	StoragePerGBDay    *float64 `json:"storage_per_gb_day,omitempty"`
}

// RowFromMap ports PriceRow.from_dict's multi-key aliasing: each field may
// arrive under a short or long key name, and optional fields are only set
// when their raw key is actually present.
func RowFromMap(raw map[string]any) Row {
	get := func(keys ...string) (float64, bool) {
		for _, k := range keys {
			if v, ok := raw[k]; ok && v != nil {
				if f, ok := toFloat(v); ok {
					return f, true
				}
			}
		}
		return 0, false
	}
	r := Row{}
	if m, ok := raw["model"].(string); ok {
		r.Model = m
	}
	if v, ok := get("input_per_1k", "input"); ok {
		r.InputPer1K = v
	}
	if v, ok := get("output_per_1k", "output"); ok {
		r.OutputPer1K = v
	}
	if v, ok := get("batch_input_per_1k", "batch_input"); ok {
		r.BatchInputPer1K = &v
	}
	if v, ok := get("batch_output_per_1k", "batch_output"); ok {
		r.BatchOutputPer1K = &v
	}
	if v, ok := get("file_search_per_1k", "file_search"); ok {
		r.FileSearchPer1K = &v
	}
	if v, ok := get("storage_per_gb_day", "storage_gb_day"); ok {
		r.StoragePerGBDay = &v
	}
	return r
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func rowsEqual(a, b Row) bool {
	eq := func(a, b *float64) bool {
		av, bv := 0.0, 0.0
		if a != nil {
			av = *a
		}
		if b != nil {
			bv = *b
		}
		return av == bv
	}
	return a.Model == b.Model && a.InputPer1K == b.InputPer1K && a.OutputPer1K == b.OutputPer1K &&
		eq(a.BatchInputPer1K, b.BatchInputPer1K) && eq(a.BatchOutputPer1K, b.BatchOutputPer1K) &&
		eq(a.FileSearchPer1K, b.FileSearchPer1K) && eq(a.StoragePerGBDay, b.StoragePerGBDay)
}

// Table is the cached, mergeable price table.
type Table struct {
	CachePath       string
	Rows            map[string]Row
	LastUpdated     *float64
	Verified        bool
	LastFetchSource string
}

func NewTable(cachePath string) *Table {
	return &Table{CachePath: cachePath, Rows: map[string]Row{}}
}

type cacheFile struct {
	LastUpdated     *float64 `json:"last_updated"`
	Verified        bool     `json:"verified"`
	LastFetchSource string   `json:"last_fetch_source"`
	Rows            []Row    `json:"rows"`
}

// LoadCache loads the on-disk cache file if present; a missing file is not an error.
func (t *Table) LoadCache() error {
	data, err := os.ReadFile(t.CachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var raw cacheFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.LastUpdated = raw.LastUpdated
	t.Verified = raw.Verified
	t.LastFetchSource = raw.LastFetchSource
	t.Rows = map[string]Row{}
	for _, r := range raw.Rows {
		if r.Model != "" {
			t.Rows[r.Model] = r
		}
	}
	return nil
}

// SaveCache persists the table, unless CachePath is the in-memory sentinel.
func (t *Table) SaveCache() error {
	if t.CachePath == "" || t.CachePath == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(t.CachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	rows := make([]Row, 0, len(t.Rows))
	for _, r := range t.Rows {
		rows = append(rows, r)
	}
	data, err := json.MarshalIndent(cacheFile{
		LastUpdated: t.LastUpdated, Verified: t.Verified, LastFetchSource: t.LastFetchSource, Rows: rows,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.CachePath, data, 0o644)
}

// BuiltinFallback returns the in-memory baseline rows (always present after
// any merge, per spec §3's invariant).
func BuiltinFallback() map[string]Row {
	return map[string]Row{
		"gpt-4o-mini": {Model: "gpt-4o-mini", InputPer1K: 0.15, OutputPer1K: 0.60},
		"gpt-4o":      {Model: "gpt-4o", InputPer1K: 5.00, OutputPer1K: 15.00},
	}
}

func (t *Table) mergeWithFallback(rows map[string]Row) map[string]Row {
	merged := make(map[string]Row, len(t.Rows)+len(rows))
	for k, v := range t.Rows {
		merged[k] = v
	}
	for k, v := range rows {
		merged[k] = v
	}
	for k, v := range BuiltinFallback() {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged
}

// UpdateFromRows merges rows into the table, bumping LastUpdated only if
// something actually changed (spec §4.4).
func (t *Table) UpdateFromRows(rows map[string]Row, verified bool, source string) error {
	if len(rows) == 0 {
		return nil
	}
	merged := t.mergeWithFallback(rows)
	changed := len(merged) != len(t.Rows)
	if !changed {
		for id, nr := range merged {
			or, ok := t.Rows[id]
			if !ok || !rowsEqual(or, nr) {
				changed = true
				break
			}
		}
	}
	if changed {
		now := float64(time.Now().UnixNano()) / 1e9
		t.LastUpdated = &now
		t.Rows = merged
	} else {
		t.Rows = t.mergeWithFallback(t.Rows)
	}
	t.Verified = verified
	t.LastFetchSource = source
	return t.SaveCache()
}

// Get returns the price row for model, or nil if unknown.
func (t *Table) Get(model string) *Row {
	if r, ok := t.Rows[model]; ok {
		return &r
	}
	return nil
}

type ratesDoc struct {
	Rows []map[string]any `json:"rows"`
}

// RefreshFromURL fetches {rows:[...]} from url and merges it in, marking
// verified=true on success. On any failure, it falls back to the builtin
// baseline (verified=false) so the app remains usable, returning a short
// human-readable reason.
func (t *Table) RefreshFromURL(url string, timeout time.Duration) (bool, string) {
	if url == "" {
		t.Verified = false
		return false, "pricing URL is empty"
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return t.fallbackOnError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return t.fallbackOnError(fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return t.fallbackOnError(err)
	}
	var doc ratesDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return t.fallbackOnError(err)
	}
	rows := map[string]Row{}
	for _, raw := range doc.Rows {
		r := RowFromMap(raw)
		if r.Model != "" {
			rows[r.Model] = r
		}
	}
	if len(rows) == 0 {
		return t.fallbackOnError(fmt.Errorf("price_table: empty rows"))
	}
	if err := t.UpdateFromRows(rows, true, "URL "+url); err != nil {
		return t.fallbackOnError(err)
	}
	return true, "OK"
}

func (t *Table) fallbackOnError(cause error) (bool, string) {
	t.Verified = false
	fallback := BuiltinFallback()
	_ = t.UpdateFromRows(fallback, false, "builtin fallback")
	return false, fmt.Sprintf("pricing URL unavailable (fallback): %s", cause.Error())
}

// ComputeCost ports compute_cost: uses batch rates when present and
// isBatch, adds file-search tool cost, adds storage cost.
func ComputeCost(row *Row, inputTokens, outputTokens int, isBatch, useFileSearch bool, storageGBDays float64) (total, toolCost, storageCost float64) {
	if row == nil {
		return 0, 0, 0
	}
	inRate := row.InputPer1K
	if isBatch && row.BatchInputPer1K != nil {
		inRate = *row.BatchInputPer1K
	}
	outRate := row.OutputPer1K
	if isBatch && row.BatchOutputPer1K != nil {
		outRate = *row.BatchOutputPer1K
	}
	base := float64(inputTokens)/1000.0*inRate + float64(outputTokens)/1000.0*outRate
	if useFileSearch && row.FileSearchPer1K != nil {
		toolCost += float64(inputTokens) / 1000.0 * (*row.FileSearchPer1K)
	}
	if storageGBDays > 0 && row.StoragePerGBDay != nil {
		storageCost = storageGBDays * (*row.StoragePerGBDay)
	}
	total = base + toolCost + storageCost
	return total, toolCost, storageCost
}
