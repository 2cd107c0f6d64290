// Package pricingaudit deterministically scans LOG/* run directories and
// reconciles them against the receipt store (spec §4.6), grounded on
// original_source/kajovo/core/pricing_audit.py.
package pricingaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/pricing"
	"github.com/karelmartinek-a11y/kajovo/internal/receiptstore"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
)

// Summary mirrors AuditSummary.
type Summary struct {
	RunsScanned     int      `json:"runs_scanned"`
	ResponsesSeen   int      `json:"responses_seen"`
	Inserted        int      `json:"inserted"`
	Updated         int      `json:"updated"`
	ZeroUsage       int      `json:"zero_usage"`
	MissingRuns     int      `json:"missing_runs"`
	PricingRefresh  string   `json:"pricing_refresh"`
	Errors          []string `json:"errors"`
}

// Auditor wires a price table, receipt store, and log directory together.
type Auditor struct {
	LogDir      string
	PriceTable  *pricing.Table
	Receipts    *receiptstore.DB
	PriceURL    string
	PriceTTL    time.Duration
	RemoteClient *remoteclient.Client // optional: used for the model-based pricing fallback
}

// Audit runs one full reconciliation pass.
func (a *Auditor) Audit(ctx context.Context) Summary {
	summary := Summary{Errors: []string{}}
	a.refreshPricingIfNeeded(ctx, &summary)

	idx, err := a.Receipts.ExistingIndex(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("existing index: %v", err))
		return summary
	}
	info, err := os.Stat(a.LogDir)
	if err != nil || !info.IsDir() {
		summary.Errors = append(summary.Errors, fmt.Sprintf("log dir not found: %s", a.LogDir))
		return summary
	}

	for _, runDir := range a.iterRunDirs() {
		summary.RunsScanned++
		runState := a.loadRunState(runDir)
		reqMeta := a.loadRequestMeta(runDir)
		res := a.auditRun(ctx, runDir, runState, reqMeta, idx)
		summary.ResponsesSeen += res.responses
		summary.Inserted += res.inserted
		summary.Updated += res.updated
		summary.ZeroUsage += res.zeroUsage
		summary.MissingRuns += res.missing
		if res.err != "" {
			summary.Errors = append(summary.Errors, res.err)
		}
	}
	return summary
}

func (a *Auditor) iterRunDirs() []string {
	entries, err := os.ReadDir(a.LogDir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "RUN_") || strings.HasPrefix(e.Name(), "TEST_") {
			dirs = append(dirs, filepath.Join(a.LogDir, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs
}

func (a *Auditor) loadRunState(runDir string) map[string]any {
	data, err := os.ReadFile(filepath.Join(runDir, "run_state.json"))
	if err != nil {
		return map[string]any{}
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return map[string]any{}
	}
	return state
}

type requestMeta struct {
	label      string
	useFileSrc bool
	mtime      float64
}

func (a *Auditor) loadRequestMeta(runDir string) []requestMeta {
	reqDir := filepath.Join(runDir, "requests")
	entries, err := os.ReadDir(reqDir)
	if err != nil {
		return nil
	}
	var out []requestMeta
	for _, e := range entries {
		name := e.Name()
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".json") && !strings.HasSuffix(lower, ".jsonl") {
			continue
		}
		path := filepath.Join(reqDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		payload, _ := doc["payload"].(map[string]any)
		if payload == nil {
			payload, _ = doc["body"].(map[string]any)
		}
		if payload == nil {
			payload = doc
		}
		useFS := false
		if tools, ok := payload["tools"].([]any); ok {
			for _, t := range tools {
				if tm, ok := t.(map[string]any); ok {
					if tm["type"] == "file_search" {
						useFS = true
						break
					}
				}
			}
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, requestMeta{label: inferLabel(name), useFileSrc: useFS, mtime: float64(info.ModTime().Unix())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mtime < out[j].mtime })
	return out
}

type auditRunResult struct {
	responses, inserted, updated, zeroUsage, missing int
	err                                              string
}

func (a *Auditor) auditRun(ctx context.Context, runDir string, runState map[string]any, reqMeta []requestMeta, idx *receiptstore.Index) auditRunResult {
	var res auditRunResult
	respDir := filepath.Join(runDir, "responses")
	entries, err := os.ReadDir(respDir)
	if err != nil || len(entries) == 0 {
		res.missing += a.maybeInsertFallback(ctx, runDir, runState, idx)
		return res
	}

	type respFile struct {
		path  string
		mtime time.Time
	}
	var files []respFile
	for _, e := range entries {
		if !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, respFile{path: filepath.Join(respDir, e.Name()), mtime: info.ModTime()})
	}
	if len(files) == 0 {
		res.missing += a.maybeInsertFallback(ctx, runDir, runState, idx)
		return res
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			res.err = fmt.Sprintf("%s: failed to read %s: %v", runDir, filepath.Base(f.path), err)
			continue
		}
		var resp map[string]any
		if err := json.Unmarshal(data, &resp); err != nil {
			res.err = fmt.Sprintf("%s: failed to parse %s: %v", runDir, filepath.Base(f.path), err)
			continue
		}
		receipt, responseID, batchID, zeroUsage, ok := a.buildReceipt(runDir, runState, f.path, f.mtime, resp, reqMeta)
		if !ok {
			continue
		}
		res.responses++
		if zeroUsage {
			res.zeroUsage++
		}
		switch a.insertOrUpdate(ctx, receipt, responseID, batchID, idx) {
		case "inserted":
			res.inserted++
		case "updated":
			res.updated++
		}
	}
	return res
}

func (a *Auditor) maybeInsertFallback(ctx context.Context, runDir string, runState map[string]any, idx *receiptstore.Index) int {
	runID := filepath.Base(runDir)
	if idx.RunIDs[runID] {
		return 0
	}
	project, _ := runState["project"].(string)
	if project == "" {
		project = "UNKNOWN"
	}
	status, _ := runState["status"].(string)
	if status == "" {
		status = "unknown"
	}
	model, _ := runState["model"].(string)
	mode, _ := runState["mode"].(string)
	if mode == "" {
		mode = "UNKNOWN"
	}
	receipt := receiptstore.Receipt{
		RunID: runID, CreatedAt: float64(time.Now().Unix()), Project: project, Model: model, Mode: mode,
		FlowType: receiptstore.FlowFallback, Notes: fmt.Sprintf("Audit fallback (no responses; status=%s)", status),
		LogPaths: map[string]any{"run_dir": runDir}, Usage: map[string]any{"status": status},
	}
	rowID, err := a.Receipts.Insert(ctx, receipt)
	if err != nil {
		return 0
	}
	idx.RunIDs[runID] = true
	idx.ByResponseID[fmt.Sprintf("fallback-%d", rowID)] = receiptstore.IndexEntry{ID: rowID, RunID: runID}
	return 1
}

func needsUpdate(existingTotal, newTotal float64) bool {
	if existingTotal == 0.0 && newTotal != 0.0 {
		return true
	}
	return math.Abs(existingTotal-newTotal) > 1e-6
}

func (a *Auditor) insertOrUpdate(ctx context.Context, receipt receiptstore.Receipt, responseID, batchID string, idx *receiptstore.Index) string {
	if responseID != "" {
		if existing, ok := idx.ByResponseID[responseID]; ok {
			if needsUpdate(existing.TotalCost, receipt.TotalCost) {
				a.Receipts.UpdateRow(ctx, existing.ID, receipt)
				existing.TotalCost = receipt.TotalCost
				idx.ByResponseID[responseID] = existing
				return "updated"
			}
			return "skipped"
		}
	}
	if batchID != "" {
		if existing, ok := idx.ByBatchID[batchID]; ok {
			if needsUpdate(existing.TotalCost, receipt.TotalCost) {
				a.Receipts.UpdateRow(ctx, existing.ID, receipt)
				existing.TotalCost = receipt.TotalCost
				idx.ByBatchID[batchID] = existing
				return "updated"
			}
			return "skipped"
		}
	}
	rowID, err := a.Receipts.Insert(ctx, receipt)
	if err != nil {
		return ""
	}
	entry := receiptstore.IndexEntry{ID: rowID, RunID: receipt.RunID, TotalCost: receipt.TotalCost}
	if responseID != "" {
		idx.ByResponseID[responseID] = entry
	}
	if batchID != "" {
		idx.ByBatchID[batchID] = entry
	}
	idx.RunIDs[receipt.RunID] = true
	return "inserted"
}

func (a *Auditor) buildReceipt(runDir string, runState map[string]any, respPath string, mtime time.Time, resp map[string]any, reqMeta []requestMeta) (receiptstore.Receipt, string, string, bool, bool) {
	runID := filepath.Base(runDir)
	fname := filepath.Base(respPath)
	label := inferLabel(fname)
	mode, flow := inferModeFlow(label)
	responseID := extractString(resp, "id")
	if responseID == "" {
		if nested, ok := resp["response"].(map[string]any); ok {
			responseID = extractString(nested, "id")
		}
	}
	batchID, _ := resp["batch_id"].(string)
	model, _ := resp["model"].(string)
	if model == "" {
		if nested, ok := resp["response"].(map[string]any); ok {
			model, _ = nested["model"].(string)
		}
	}
	if model == "" {
		model, _ = runState["model"].(string)
	}
	usage, inp, outp := extractUsage(resp)
	zeroUsage := inp == 0 && outp == 0
	useFS := matchRequestTools(label, float64(mtime.Unix()), reqMeta)

	row := a.PriceTable.Get(model)
	if row == nil {
		fallback := pricing.BuiltinFallback()
		if r, ok := fallback[model]; ok {
			row = &r
		} else if r, ok := fallback["gpt-4o-mini"]; ok {
			row = &r
		}
	}
	total, toolCost, storageCost := pricing.ComputeCost(row, inp, outp, mode == "C", useFS, 0)
	notes := flow
	if notes == "" {
		notes = "UNKNOWN"
	}
	if zeroUsage && len(usage) > 0 {
		notes += " (usage present but zero tokens)"
	} else if zeroUsage {
		notes += " (usage missing)"
	}
	receiptMode := mode
	if receiptMode == "" {
		if m, ok := runState["mode"].(string); ok {
			receiptMode = m
		} else {
			receiptMode = "UNKNOWN"
		}
	}
	project, _ := runState["project"].(string)
	if project == "" {
		project = "UNKNOWN"
	}
	receipt := receiptstore.Receipt{
		RunID: runID, CreatedAt: float64(mtime.Unix()), Project: project, Model: model,
		Mode: receiptMode, FlowType: orDefault(flow, "UNKNOWN"), ResponseID: responseID, BatchID: batchID,
		InputTokens: inp, OutputTokens: outp, ToolCost: toolCost, StorageCost: storageCost, TotalCost: total,
		PricingVerified: a.PriceTable.Verified && row != nil, Notes: notes,
		LogPaths: map[string]any{"run_dir": runDir, "response_file": respPath}, Usage: usage,
	}
	return receipt, responseID, batchID, zeroUsage, true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func extractString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func extractUsage(resp map[string]any) (map[string]any, int, int) {
	usage, _ := resp["usage"].(map[string]any)
	if usage == nil {
		if nested, ok := resp["response"].(map[string]any); ok {
			usage, _ = nested["usage"].(map[string]any)
		}
	}
	if usage == nil {
		if nested, ok := resp["body"].(map[string]any); ok {
			usage, _ = nested["usage"].(map[string]any)
		}
	}
	if usage == nil {
		usage = map[string]any{}
	}
	inp := firstInt(usage, "input_tokens", "prompt_tokens")
	outp := firstInt(usage, "output_tokens", "completion_tokens")
	return usage, inp, outp
}

func firstInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return int(n)
			case int:
				return n
			case json.Number:
				i, _ := n.Int64()
				return int(i)
			case string:
				i, err := strconv.Atoi(n)
				if err == nil {
					return i
				}
			}
		}
	}
	return 0
}

var labelTokens = []string{"A3", "A2", "A1", "B3", "B2", "B1", "QA", "QFILE", "C_BATCH", "C"}

func inferLabel(name string) string {
	upper := strings.ToUpper(name)
	for _, token := range labelTokens {
		if strings.Contains(upper, token) {
			return token
		}
	}
	if strings.Contains(upper, "BATCH") {
		return "C"
	}
	return "UNKNOWN"
}

func inferModeFlow(label string) (string, string) {
	switch label {
	case "A1":
		return "GENERATE", "A1"
	case "A2":
		return "GENERATE", "A2"
	case "A3":
		return "GENERATE", "A3"
	case "B1":
		return "MODIFY", "B1"
	case "B2":
		return "MODIFY", "B2"
	case "B3":
		return "MODIFY", "B3"
	case "QA":
		return "QA", "QA"
	case "QFILE":
		return "QFILE", "QFILE"
	case "C_BATCH":
		return "C", "C_BATCH"
	case "C":
		return "C", "C"
	default:
		if label == "" {
			label = "UNKNOWN"
		}
		return "UNKNOWN", label
	}
}

// matchRequestTools picks the latest request with the same label whose
// mtime is at most 1s after the response's mtime.
func matchRequestTools(label string, respMtime float64, reqMeta []requestMeta) bool {
	var best *requestMeta
	for i := range reqMeta {
		m := reqMeta[i]
		if m.label != label {
			continue
		}
		if m.mtime > respMtime+1 {
			continue
		}
		best = &reqMeta[i]
	}
	if best == nil {
		return false
	}
	return best.useFileSrc
}

func (a *Auditor) refreshPricingIfNeeded(ctx context.Context, summary *Summary) {
	ttl := a.PriceTTL
	now := time.Now()
	stale := len(a.PriceTable.Rows) == 0 || a.PriceTable.LastUpdated == nil ||
		(ttl > 0 && now.Sub(time.Unix(int64(*a.PriceTable.LastUpdated), 0)) > ttl)
	if !stale {
		return
	}
	ok, msg := a.PriceTable.RefreshFromURL(a.PriceURL, 15*time.Second)
	if ok {
		summary.PricingRefresh = "url"
		return
	}
	if a.RemoteClient == nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("pricing refresh failed (no remote client): %s", msg))
		return
	}
	rows, err := a.fetchPricingFromModel(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("pricing refresh via model failed: %v", err))
		return
	}
	if len(rows) == 0 {
		summary.Errors = append(summary.Errors, "pricing refresh via model returned empty rows")
		return
	}
	if err := a.PriceTable.UpdateFromRows(rows, false, "GPT fallback"); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("pricing refresh via model failed to save: %v", err))
		return
	}
	summary.PricingRefresh = "model"
}

const pricingFetcherModel = "gpt-4.1"
const pricingFetcherInstructions = `Return ONLY valid JSON with field 'rows' (list). ` +
	`Each row: {"model":"string","input_per_1k":float,"output_per_1k":float,` +
	`"batch_input_per_1k":float|null,"batch_output_per_1k":float|null,` +
	`"file_search_per_1k":float|null,"storage_per_gb_day":float|null}. ` +
	`Use USD prices for current production models. No commentary.`

// fetchPricingFromModel asks the configured model for a pricing table when
// the URL source is unavailable, grounded on pricing_fetcher.py's payload
// shape and parse_response's lenient text-to-rows extraction.
func (a *Auditor) fetchPricingFromModel(ctx context.Context) (map[string]pricing.Row, error) {
	resp, err := a.RemoteClient.CreateResponse(ctx, remoteclient.CreateResponseRequest{
		Model:        pricingFetcherModel,
		Instructions: pricingFetcherInstructions,
		Input:        []remoteclient.InputMessage{remoteclient.NewTextMessage("user", "Give me the current production model pricing table.")},
	})
	if err != nil {
		return nil, err
	}
	rows := map[string]pricing.Row{}
	if resp.OutputText == nil {
		return rows, nil
	}
	var parsed struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal([]byte(*resp.OutputText), &parsed); err != nil {
		return rows, nil
	}
	for _, raw := range parsed.Rows {
		r := pricing.RowFromMap(raw)
		if r.Model != "" {
			rows[r.Model] = r
		}
	}
	return rows, nil
}
