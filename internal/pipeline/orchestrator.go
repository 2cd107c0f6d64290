package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/capcache/capflag"
	"github.com/karelmartinek-a11y/kajovo/internal/config"
	"github.com/karelmartinek-a11y/kajovo/internal/pricing"
	"github.com/karelmartinek-a11y/kajovo/internal/receiptstore"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
	"github.com/karelmartinek-a11y/kajovo/internal/runlog"
	"github.com/karelmartinek-a11y/kajovo/internal/textutil"
)

const a0IngestAckContract = "A0_INGEST_ACK"
const longPromptThreshold = 150_000
const a0ChunkSize = 20_000

// Orchestrator executes a single pipeline run end to end. Collaborators are
// passed in explicitly (spec §5/§9's REDESIGN FLAG) so tests can construct
// hermetic instances.
type Orchestrator struct {
	Client     *remoteclient.Client
	Settings   config.AppSettings
	Receipts   *receiptstore.DB
	PriceTable *pricing.Table
	LogDir     string
	Policy     retry.Policy
	Breaker    *retry.Breaker
	Progress   chan<- ProgressEvent
}

func (o *Orchestrator) emit(ev ProgressEvent) {
	if o.Progress == nil {
		return
	}
	select {
	case o.Progress <- ev:
	default:
	}
}

// runState carries the mutable bookkeeping threaded through one run,
// standing in for RunWorker's instance fields.
type runState struct {
	logger       *runlog.Logger
	cfg          RunConfig
	tokensIn     int
	tokensOut    int
	usedFileSearch bool
	finalResponseID string
}

// Run dispatches cfg to the handler for cfg.Mode, recording a receipt (real
// or fallback) no matter how the run terminates (spec §4.9.7).
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if cfg.Mode == ModeQFile && cfg.SendAsBatch {
		return nil, ErrQFileForbidsBatch
	}
	if !cfg.SendAsBatch && (cfg.Mode == ModeGenerate || cfg.Mode == ModeModify) {
		if cfg.ModelCaps.RejectsContinuation() {
			return nil, ErrContinuationRejected
		}
	}

	runID := runlog.NewRunID()
	logger, err := runlog.New(o.LogDir, runID, cfg.Project)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to start run logger: %w", err)
	}
	logger.UpdateState(map[string]any{
		"status": "running", "started_at": float64(time.Now().Unix()), "mode": string(cfg.Mode),
		"project": cfg.Project, "model": cfg.Model, "send_as_batch": cfg.SendAsBatch,
	})
	o.emit(ProgressEvent{Percent: 1, Status: fmt.Sprintf("%s start", cfg.Mode)})

	rs := &runState{logger: logger, cfg: cfg}

	basePrevID := cfg.BaseResponseID
	if !cfg.SendAsBatch && (cfg.Mode == ModeGenerate || cfg.Mode == ModeModify) && len(cfg.Prompt) > longPromptThreshold {
		if cfg.ModelCaps.SupportsContinuation.Kind == capflag.No {
			return o.fail(rs, fmt.Errorf("long-prompt ingest requires continuation support, which this model explicitly rejects"))
		}
		ackID, err := o.ingestLongPrompt(ctx, rs)
		if err != nil {
			return o.fail(rs, err)
		}
		basePrevID = ackID
	}

	var result *Result
	switch cfg.Mode {
	case ModeGenerate:
		result, err = o.runGenerate(ctx, rs, basePrevID)
	case ModeModify:
		result, err = o.runModify(ctx, rs, basePrevID)
	case ModeQA:
		result, err = o.runQA(ctx, rs)
	case ModeQFile:
		result, err = o.runQFile(ctx, rs)
	case ModeBatch:
		result, err = o.runBatchBuild(ctx, rs)
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil {
		return o.fail(rs, err)
	}
	result.RunID = runID
	result.InputTokens = rs.tokensIn
	result.OutputTokens = rs.tokensOut

	logger.UpdateState(map[string]any{
		"status": "completed", "finished_at": float64(time.Now().Unix()),
		"response_id": result.ResponseID, "batch_id": result.BatchID,
		"input_tokens": float64(rs.tokensIn), "output_tokens": float64(rs.tokensOut),
	})
	o.recordReceipt(ctx, rs, result, "")
	o.emit(ProgressEvent{Percent: 100, Status: "completed"})
	return result, nil
}

// fail records the failed/stopped terminal state and a fallback receipt
// with whatever tokens were already spent, per spec §4.9.7.
func (o *Orchestrator) fail(rs *runState, err error) (*Result, error) {
	status := "failed"
	reason := "failed: " + err.Error()
	if err == ErrStopRequested {
		status = "stopped_by_user"
		reason = "stopped_by_user"
	}
	rs.logger.Event("run.failed", map[string]any{"status": status, "error": err.Error()})
	rs.logger.UpdateState(map[string]any{
		"status": status, "finished_at": float64(time.Now().Unix()), "error": err.Error(),
		"input_tokens": float64(rs.tokensIn), "output_tokens": float64(rs.tokensOut),
	})
	fallback := &Result{RunID: rs.logger.RunID, Mode: rs.cfg.Mode, InputTokens: rs.tokensIn, OutputTokens: rs.tokensOut}
	o.recordReceipt(context.Background(), rs, fallback, reason)
	return nil, err
}

// recordReceipt inserts a real or fallback receipt (spec §4.6/§4.9.7). The
// pricing auditor is the bulk reconciliation path; this is the inline path
// that guarantees a run never silently escapes billing.
func (o *Orchestrator) recordReceipt(ctx context.Context, rs *runState, result *Result, fallbackReason string) {
	if o.Receipts == nil {
		return
	}
	row := o.priceRowOrNil(rs.cfg.Model)
	total, toolCost, storageCost := 0.0, 0.0, 0.0
	if row != nil {
		total, toolCost, storageCost = pricing.ComputeCost(row, rs.tokensIn, rs.tokensOut, rs.cfg.SendAsBatch, rs.usedFileSearch, 0)
	}
	flow := flowForMode(rs.cfg.Mode)
	if fallbackReason != "" {
		flow = receiptstore.FlowFallback
	}
	receipt := receiptstore.Receipt{
		RunID: rs.logger.RunID, CreatedAt: float64(time.Now().Unix()), Project: rs.cfg.Project,
		Model: rs.cfg.Model, Mode: string(rs.cfg.Mode), FlowType: flow,
		ResponseID: result.ResponseID, BatchID: result.BatchID,
		InputTokens: rs.tokensIn, OutputTokens: rs.tokensOut,
		ToolCost: toolCost, StorageCost: storageCost, TotalCost: total,
		PricingVerified: row != nil, Notes: fallbackReason,
	}
	if _, err := o.Receipts.Insert(ctx, receipt); err != nil {
		rs.logger.Exception("record_receipt", err)
	}
}

func (o *Orchestrator) priceRowOrNil(model string) *pricing.Row {
	if o.PriceTable == nil {
		return nil
	}
	return o.PriceTable.Get(model)
}

func flowForMode(m Mode) string {
	switch m {
	case ModeModify:
		return receiptstore.FlowB
	default:
		return receiptstore.FlowA
	}
}

// ingestLongPrompt ports A0 (spec §4.9's common preamble step 3): chunk the
// prompt into 20000-char pieces and chain acked responses, returning the
// final response id to use as the base previous_response_id for the stage
// that follows.
func (o *Orchestrator) ingestLongPrompt(ctx context.Context, rs *runState) (string, error) {
	chunks := textutil.SplitText(rs.cfg.Prompt, a0ChunkSize)
	prevID := rs.cfg.BaseResponseID
	for i, chunk := range chunks {
		if err := checkStop(ctx); err != nil {
			return "", err
		}
		instructions := fmt.Sprintf(
			"This is part %d of %d of a long prompt being ingested in chunks. Acknowledge receipt only. "+
				"Respond with exactly this JSON object and nothing else: {\"contract\": %q}.",
			i+1, len(chunks), a0IngestAckContract)
		req := remoteclient.CreateResponseRequest{
			Model: rs.cfg.Model, Instructions: instructions,
			Input:              []remoteclient.InputMessage{remoteclient.NewTextMessage("user", chunk)},
			PreviousResponseID: prevID,
		}
		rs.logger.SaveJSON("requests", fmt.Sprintf("A0_ingest_%03d", i), req)
		var resp *remoteclient.ResponseEnvelope
		err := retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier,
			fmt.Sprintf("%s:a0:%d", rs.logger.RunID, i),
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
			return "", fmt.Errorf("A0 ingest chunk %d/%d failed: %w", i+1, len(chunks), err)
		}
		rs.logger.SaveJSON("responses", fmt.Sprintf("A0_ingest_%03d", i), resp)
		if resp.Usage != nil {
			rs.tokensIn += resp.Usage.InputTokens
			rs.tokensOut += resp.Usage.OutputTokens
		}
		prevID = resp.ID
		o.emit(ProgressEvent{SubPercent: (i + 1) * 100 / len(chunks), Status: fmt.Sprintf("ingesting long prompt %d/%d", i+1, len(chunks))})
	}
	return prevID, nil
}
