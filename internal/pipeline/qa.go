package pipeline

import (
	"context"
	"fmt"

	"github.com/karelmartinek-a11y/kajovo/internal/contracts"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
	"github.com/karelmartinek-a11y/kajovo/internal/textutil"
)

// runQA implements spec §4.9.3: a single call returning plain text, with a
// redundant "return only text" instruction.
func (o *Orchestrator) runQA(ctx context.Context, rs *runState) (*Result, error) {
	if err := checkStop(ctx); err != nil {
		return nil, err
	}
	instructions := "Answer the question directly. Return only plain text; no JSON, no markdown fences."
	req := remoteclient.CreateResponseRequest{
		Model: rs.cfg.Model, Instructions: instructions,
		PreviousResponseID: rs.cfg.BaseResponseID,
	}
	for _, chunk := range splitLongPrompt(rs.cfg.Prompt) {
		req.Input = append(req.Input, remoteclient.NewTextMessage("user", chunk))
	}
	if rs.cfg.Temperature != 0 {
		t := rs.cfg.Temperature
		req.Temperature = &t
	}
	rs.logger.SaveJSON("requests", "QA", req)
	var resp *remoteclient.ResponseEnvelope
	err := retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier, rs.logger.RunID+":QA",
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
		return nil, fmt.Errorf("QA failed: %w", err)
	}
	rs.logger.SaveJSON("responses", "QA", resp)
	if resp.Usage != nil {
		rs.tokensIn += resp.Usage.InputTokens
		rs.tokensOut += resp.Usage.OutputTokens
	}
	text := extractResponseText(resp)
	rs.logger.SaveJSON("misc", "QA_answer", map[string]any{"text": text})
	return &Result{Mode: ModeQA, ResponseID: resp.ID}, nil
}

// runQFile implements spec §4.9.4: a single call that must return exactly
// one A3_FILE chunk with has_more=false, written into out_dir.
func (o *Orchestrator) runQFile(ctx context.Context, rs *runState) (*Result, error) {
	if err := checkStop(ctx); err != nil {
		return nil, err
	}
	instructions := fmt.Sprintf(
		"Return only a single JSON object matching contract %q with chunking.has_more=false — the whole file in one chunk.",
		contractA3File)
	req := remoteclient.CreateResponseRequest{
		Model: rs.cfg.Model, Instructions: instructions,
		PreviousResponseID: rs.cfg.BaseResponseID,
	}
	for _, chunk := range splitLongPrompt(rs.cfg.Prompt) {
		req.Input = append(req.Input, remoteclient.NewTextMessage("user", chunk))
	}
	if rs.cfg.Temperature != 0 {
		t := rs.cfg.Temperature
		req.Temperature = &t
	}
	rs.logger.SaveJSON("requests", "QFILE", req)
	var resp *remoteclient.ResponseEnvelope
	err := retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier, rs.logger.RunID+":QFILE",
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
		return nil, fmt.Errorf("QFILE failed: %w", err)
	}
	rs.logger.SaveJSON("responses", "QFILE", resp)
	if resp.Usage != nil {
		rs.tokensIn += resp.Usage.InputTokens
		rs.tokensOut += resp.Usage.OutputTokens
	}
	text := extractResponseText(resp)
	obj, perr := contracts.ParseJSONStrict(text)
	if perr != nil {
		return nil, fmt.Errorf("QFILE: %w", perr)
	}
	if got, _ := obj["contract"].(string); got != contractA3File {
		return nil, fmt.Errorf("QFILE: expected contract %s, got %v", contractA3File, obj["contract"])
	}
	path, _ := obj["path"].(string)
	content, _ := obj["content"].(string)
	if chunking, ok := obj["chunking"].(map[string]any); ok {
		if hasMore, _ := chunking["has_more"].(bool); hasMore {
			return nil, fmt.Errorf("QFILE: response declared has_more=true, expected a single chunk")
		}
	}
	if err := contracts.ValidatePaths([]contracts.FileRef{{Path: path}}); err != nil {
		return nil, fmt.Errorf("QFILE: %w", err)
	}
	abs, err := writeOutputFile(rs.logger, rs.cfg.OutDir, path, content)
	if err != nil {
		return nil, err
	}
	return &Result{Mode: ModeQFile, ResponseID: resp.ID, FilesWritten: []string{abs}}, nil
}

const qaBatchChunkSize = 20000

// splitLongPrompt implements spec §4.9's "long prompts in QA/batch are not
// ingested; they are split into multiple input_text parts within a single
// call" rule.
func splitLongPrompt(prompt string) []string {
	return textutil.SplitText(prompt, qaBatchChunkSize)
}
