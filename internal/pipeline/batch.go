package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/karelmartinek-a11y/kajovo/internal/contracts"
	"github.com/karelmartinek-a11y/kajovo/internal/runlog"
)

const batchCompletionWindow = "24h"

// batchLine is one JSONL line of a create_response batch input file.
type batchLine struct {
	CustomID string `json:"custom_id"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Body     any    `json:"body"`
}

// runBatchBuild implements spec §4.9.5: build a one-line JSONL request,
// upload it with purpose=batch, create the batch, record its id in
// run_state.json, and return it to the caller. It does not wait for the
// batch to complete — that is ApplyBatchOutput's job, invoked later once
// the caller observes the batch has finished.
func (o *Orchestrator) runBatchBuild(ctx context.Context, rs *runState) (*Result, error) {
	if err := checkStop(ctx); err != nil {
		return nil, err
	}
	instructions := fmt.Sprintf(
		"Return only a single JSON object matching contract %q. No prose, no markdown fences, no extra keys.", contractA1Plan)
	body := map[string]any{
		"model": rs.cfg.Model, "instructions": instructions,
	}
	var input []map[string]any
	for _, chunk := range splitLongPrompt(rs.cfg.Prompt) {
		input = append(input, map[string]any{
			"type": "message", "role": "user",
			"content": []map[string]any{{"type": "input_text", "text": chunk}},
		})
	}
	body["input"] = input
	if rs.cfg.Temperature != 0 {
		body["temperature"] = rs.cfg.Temperature
	}
	if rs.cfg.BaseResponseID != "" {
		body["previous_response_id"] = rs.cfg.BaseResponseID
	}

	line := batchLine{CustomID: "run-" + rs.logger.RunID, Method: "POST", URL: "/v1/responses", Body: body}
	data, err := json.Marshal(line)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	rs.logger.SaveJSON("requests", "C_BATCH", line)

	fileInfo, err := o.Client.UploadBytes(ctx, "batch_input.jsonl", "batch", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("uploading batch input: %w", err)
	}
	batch, err := o.Client.CreateBatch(ctx, fileInfo.ID, "/v1/responses", batchCompletionWindow)
	if err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	rs.logger.Event("batch.created", map[string]any{"batch_id": batch.ID, "input_file_id": fileInfo.ID})
	rs.logger.UpdateState(map[string]any{"batch_id": batch.ID, "status": "batch_pending"})
	return &Result{Mode: ModeBatch, BatchID: batch.ID}, nil
}

// chunkAccumEntry is one observed A3_FILE/B3_FILE chunk awaiting ordering.
type chunkAccumEntry struct {
	chunkIndex int
	chunkCount int
	content    string
}

// ApplyBatchOutput parses a completed batch's output lines (spec §4.9.5):
// a C_FILES_ALL bundle writes its files directly; A3_FILE/B3_FILE chunks are
// grouped by path, ordered by chunk_index, and concatenated, warning (not
// failing) on a chunk_count mismatch.
func ApplyBatchOutput(logger *runlog.Logger, outDir string, lines []string) ([]string, error) {
	direct := map[string]string{}
	chunked := map[string][]chunkAccumEntry{}

	for _, line := range lines {
		if line == "" {
			continue
		}
		var outer struct {
			CustomID string `json:"custom_id"`
			Response struct {
				Body json.RawMessage `json:"body"`
			} `json:"response"`
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &outer); err != nil {
			logger.Event("batch.line_parse_error", map[string]any{"error": err.Error()})
			continue
		}
		if len(outer.Error) > 0 && string(outer.Error) != "null" {
			logger.Event("batch.line_error", map[string]any{"custom_id": outer.CustomID, "error": string(outer.Error)})
			continue
		}
		var body struct {
			ID         string          `json:"id"`
			OutputText *string         `json:"output_text,omitempty"`
			Output     json.RawMessage `json:"output,omitempty"`
		}
		if err := json.Unmarshal(outer.Response.Body, &body); err != nil {
			logger.Event("batch.body_parse_error", map[string]any{"custom_id": outer.CustomID, "error": err.Error()})
			continue
		}
		cr := &contracts.Response{OutputText: body.OutputText, Raw: outer.Response.Body}
		if len(body.Output) > 0 {
			var items []contracts.OutputItem
			if err := json.Unmarshal(body.Output, &items); err == nil {
				cr.Output = items
			}
		}
		text := contracts.ExtractText(cr)
		obj, perr := contracts.ParseJSONStrict(text)
		if perr != nil {
			logger.Event("batch.contract_parse_error", map[string]any{"custom_id": outer.CustomID, "error": perr.Error()})
			continue
		}
		contract, _ := obj["contract"].(string)
		switch contract {
		case "C_FILES_ALL":
			files, _ := obj["files"].([]any)
			for _, f := range files {
				m, ok := f.(map[string]any)
				if !ok {
					continue
				}
				path, _ := m["path"].(string)
				content, _ := m["content"].(string)
				if path != "" {
					direct[path] = content
				}
			}
		case contractA3File, contractB3File:
			path, _ := obj["path"].(string)
			content, _ := obj["content"].(string)
			idx, count := 0, 1
			if chunking, ok := obj["chunking"].(map[string]any); ok {
				if v, ok := chunking["chunk_index"].(float64); ok {
					idx = int(v)
				}
				if v, ok := chunking["chunk_count"].(float64); ok {
					count = int(v)
				}
			}
			if path != "" {
				chunked[path] = append(chunked[path], chunkAccumEntry{chunkIndex: idx, chunkCount: count, content: content})
			}
		default:
			logger.Event("batch.unknown_contract", map[string]any{"custom_id": outer.CustomID, "contract": contract})
		}
	}

	var written []string
	for path, content := range direct {
		abs, err := writeOutputFile(logger, outDir, path, content)
		if err != nil {
			return written, err
		}
		written = append(written, abs)
	}
	for path, entries := range chunked {
		sort.Slice(entries, func(i, j int) bool { return entries[i].chunkIndex < entries[j].chunkIndex })
		var content string
		for _, e := range entries {
			content += e.content
		}
		if declared := entries[0].chunkCount; declared != len(entries) {
			logger.Event("batch.chunk_count_mismatch", map[string]any{
				"path": path, "declared": declared, "observed": len(entries),
			})
		}
		abs, err := writeOutputFile(logger, outDir, path, content)
		if err != nil {
			return written, err
		}
		written = append(written, abs)
	}
	return written, nil
}
