package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/karelmartinek-a11y/kajovo/internal/contracts"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
)

const (
	contractA1Plan      = "A1_PLAN"
	contractA2Structure = "A2_STRUCTURE"
	contractB1Plan      = "B1_PLAN"
	contractB2Structure = "B2_STRUCTURE"
)

// callPlan issues the *1_PLAN stage: a single call instructing the model to
// return only JSON matching the given contract.
func (o *Orchestrator) callPlan(ctx context.Context, rs *runState, prevID, contract, userText, stageLabel string, tools []any) (respID string, err error) {
	if err := checkStop(ctx); err != nil {
		return "", err
	}
	instructions := fmt.Sprintf(
		"Return only a single JSON object matching contract %q. No prose, no markdown fences, no extra keys.", contract)
	req := remoteclient.CreateResponseRequest{
		Model: rs.cfg.Model, Instructions: instructions,
		Input:              []remoteclient.InputMessage{remoteclient.NewTextMessage("user", userText)},
		PreviousResponseID: prevID,
		Tools:              tools,
	}
	if rs.cfg.Temperature != 0 {
		t := rs.cfg.Temperature
		req.Temperature = &t
	}
	rs.logger.SaveJSON("requests", stageLabel, req)
	var resp *remoteclient.ResponseEnvelope
	err = retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier, rs.logger.RunID+":"+stageLabel,
		func(ctx context.Context) error {
			r, rerr := o.Client.CreateResponse(ctx, req)
			if rerr != nil {
				return rerr
			}
			resp = r
			return nil
		})
	if err != nil {
		if remoteclient.IsContinuationInvalid(err) {
			return "", fmt.Errorf("%w: %v", ErrContinuationInvalid, err)
		}
		return "", fmt.Errorf("%s failed: %w", stageLabel, err)
	}
	rs.logger.SaveJSON("responses", stageLabel, resp)
	if resp.Usage != nil {
		rs.tokensIn += resp.Usage.InputTokens
		rs.tokensOut += resp.Usage.OutputTokens
	}
	text := extractResponseText(resp)
	obj, perr := contracts.ParseJSONStrict(text)
	if perr != nil {
		return "", fmt.Errorf("%s: %w", stageLabel, perr)
	}
	if got, _ := obj["contract"].(string); got != contract {
		return "", fmt.Errorf("%s: expected contract %s, got %v", stageLabel, contract, obj["contract"])
	}
	return resp.ID, nil
}

// structureResult is the parsed A2_STRUCTURE/B2_STRUCTURE payload.
type structureResult struct {
	RespID string
	Root   string
	Files  []FileSpec
}

func (o *Orchestrator) callStructure(ctx context.Context, rs *runState, prevID, contract, stageLabel string, tools []any) (*structureResult, error) {
	if err := checkStop(ctx); err != nil {
		return nil, err
	}
	instructions := fmt.Sprintf(
		"Return only a single JSON object matching contract %q, listing the files to produce.", contract)
	req := remoteclient.CreateResponseRequest{
		Model: rs.cfg.Model, Instructions: instructions, PreviousResponseID: prevID,
		Tools: tools,
	}
	if rs.cfg.Temperature != 0 {
		t := rs.cfg.Temperature
		req.Temperature = &t
	}
	rs.logger.SaveJSON("requests", stageLabel, req)
	var resp *remoteclient.ResponseEnvelope
	err := retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier, rs.logger.RunID+":"+stageLabel,
		func(ctx context.Context) error {
			r, rerr := o.Client.CreateResponse(ctx, req)
			if rerr != nil {
				return rerr
			}
			resp = r
			return nil
		})
	if err != nil {
		if remoteclient.IsContinuationInvalid(err) {
			return nil, fmt.Errorf("%w: %v", ErrContinuationInvalid, err)
		}
		return nil, fmt.Errorf("%s failed: %w", stageLabel, err)
	}
	rs.logger.SaveJSON("responses", stageLabel, resp)
	if resp.Usage != nil {
		rs.tokensIn += resp.Usage.InputTokens
		rs.tokensOut += resp.Usage.OutputTokens
	}
	text := extractResponseText(resp)
	obj, perr := contracts.ParseJSONStrict(text)
	if perr != nil {
		return nil, fmt.Errorf("%s: %w", stageLabel, perr)
	}
	if got, _ := obj["contract"].(string); got != contract {
		return nil, fmt.Errorf("%s: expected contract %s, got %v", stageLabel, contract, obj["contract"])
	}
	result := &structureResult{RespID: resp.ID}
	if root, ok := obj["root"].(string); ok {
		result.Root = root
	}
	filesKey := "files"
	if contract == contractB2Structure {
		filesKey = "touched_files"
	}
	if raw, ok := obj[filesKey].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			fs := FileSpec{}
			if v, ok := m["path"].(string); ok {
				fs.Path = v
			}
			if v, ok := m["purpose"].(string); ok {
				fs.Purpose = v
			}
			if v, ok := m["language"].(string); ok {
				fs.Language = v
			}
			if v, ok := m["action"].(string); ok {
				fs.Action = v
			}
			if v, ok := m["intent"].(string); ok {
				fs.Intent = v
			}
			if fs.Path != "" {
				result.Files = append(result.Files, fs)
			}
		}
	}
	if err := contracts.ValidatePaths(pathsOf(result.Files)); err != nil {
		return nil, fmt.Errorf("%s: %w", stageLabel, err)
	}
	return result, nil
}

func pathsOf(files []FileSpec) []contracts.FileRef {
	out := make([]contracts.FileRef, 0, len(files))
	for _, f := range files {
		out = append(out, contracts.FileRef{Path: f.Path})
	}
	return out
}

// skipFile reports whether path matches any of the skip extension/glob
// filters the caller configured.
func skipFile(path string, skipExts, skipPaths []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range skipExts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	for _, g := range skipPaths {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

// runGenerate implements spec §4.9.1: A1 PLAN -> A2 STRUCTURE -> A3 FILE
// (chunked, per file), or a resume shortcut straight into A3 when the
// caller supplied a previously persisted structure.
func (o *Orchestrator) runGenerate(ctx context.Context, rs *runState, basePrevID string) (*Result, error) {
	var structPrevID string
	var files []FileSpec

	if len(rs.cfg.ResumeFiles) > 0 {
		files = rs.cfg.ResumeFiles
		structPrevID = rs.cfg.ResumePrevID
	} else {
		a1ID, err := o.callPlan(ctx, rs, basePrevID, contractA1Plan, rs.cfg.Prompt, "A1_PLAN", nil)
		if err != nil {
			return nil, err
		}
		structure, err := o.callStructure(ctx, rs, a1ID, contractA2Structure, "A2_STRUCTURE", nil)
		if err != nil {
			return nil, err
		}
		files = structure.Files
		structPrevID = structure.RespID
		rs.logger.SaveJSON("manifests", "resume_structure_"+rs.logger.RunID, map[string]any{
			"prev_id": structPrevID, "files": files,
		})
	}

	if rs.cfg.Versing && len(files) > 0 {
		if dir, err := createSnapshot(rs.cfg.OutDir); err == nil && dir != "" {
			rs.logger.Event("fs.snapshot", map[string]any{"dir": dir})
		}
	}

	var written []string
	for _, file := range files {
		if err := checkStop(ctx); err != nil {
			return nil, err
		}
		if skipFile(file.Path, rs.cfg.SkipExts, rs.cfg.SkipPaths) {
			rs.logger.Event("file.skipped", map[string]any{"path": file.Path})
			continue
		}
		result, err := o.generateFileChunked(ctx, rs.logger, structPrevID, contractA3File, rs.cfg.Model, temperaturePtr(rs.cfg.Temperature), file,
			func(chunkIndex int) string {
				return fmt.Sprintf(
					"Produce file %q (purpose: %s, language: %s) as contract %q. "+
						"Chunk index %d, at most %d lines per chunk. Set has_more=true if more chunks follow.",
					file.Path, file.Purpose, file.Language, contractA3File, chunkIndex, chunkMaxLines)
			})
		if err != nil {
			return nil, err
		}
		rs.tokensIn += result.TokensIn
		rs.tokensOut += result.TokensOut
		abs, err := writeOutputFile(rs.logger, rs.cfg.OutDir, file.Path, result.Content)
		if err != nil {
			return nil, err
		}
		written = append(written, abs)
	}

	return &Result{Mode: ModeGenerate, ResponseID: structPrevID, FilesWritten: written}, nil
}

func temperaturePtr(t float64) *float64 {
	if t == 0 {
		return nil
	}
	return &t
}
