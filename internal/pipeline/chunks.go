package pipeline

import (
	"context"
	"fmt"

	"github.com/karelmartinek-a11y/kajovo/internal/contracts"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
	"github.com/karelmartinek-a11y/kajovo/internal/runlog"
)

const (
	maxChunksPerFile  = 5000
	maxChunkRetries   = 3
	chunkMaxLines     = 500
	contractA3File    = "A3_FILE"
	contractB3File    = "B3_FILE"
)

// fileChunkResult accumulates one file's generated content across chunks.
type fileChunkResult struct {
	Content     string
	TokensIn    int
	TokensOut   int
	Mismatched  bool
	ChunksSeen  int
}

// generateFileChunked drives the repeated chunk_index=0,1,... protocol
// shared by A3_FILE and B3_FILE (spec §4.9.1/§4.9.2): chained from a fixed
// previous_response_id for the whole file, up to maxChunkRetries validation
// retries per chunk, stopping (without aborting the run) on a persistent
// mismatch.
func (o *Orchestrator) generateFileChunked(
	ctx context.Context,
	logger *runlog.Logger,
	stagePrevID string,
	contract string,
	model string,
	temperature *float64,
	file FileSpec,
	buildInstructions func(chunkIndex int) string,
) (fileChunkResult, error) {
	var result fileChunkResult
	for chunkIndex := 0; chunkIndex < maxChunksPerFile; chunkIndex++ {
		if err := checkStop(ctx); err != nil {
			return result, err
		}
		var parsed map[string]any
		var lastErr error
		for attempt := 0; attempt < maxChunkRetries; attempt++ {
			req := remoteclient.CreateResponseRequest{
				Model:              model,
				Instructions:       buildInstructions(chunkIndex),
				PreviousResponseID: stagePrevID,
				Temperature:        temperature,
			}
			var resp *remoteclient.ResponseEnvelope
			err := retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier,
				fmt.Sprintf("%s:file:%s:chunk%d", logger.RunID, file.Path, chunkIndex),
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
					return result, fmt.Errorf("%w: %v", ErrContinuationInvalid, err)
				}
				return result, err
			}
			logger.SaveJSON("responses", fmt.Sprintf("%s_chunk%02d", sanitizeStage(file.Path), chunkIndex), resp)
			if resp.Usage != nil {
				result.TokensIn += resp.Usage.InputTokens
				result.TokensOut += resp.Usage.OutputTokens
			}
			text := extractResponseText(resp)
			obj, perr := contracts.ParseJSONStrict(text)
			if perr != nil {
				lastErr = perr
				continue
			}
			if gotContract, _ := obj["contract"].(string); gotContract != contract {
				lastErr = fmt.Errorf("expected contract %s, got %v", contract, obj["contract"])
				continue
			}
			if gotPath, _ := obj["path"].(string); gotPath != file.Path {
				lastErr = fmt.Errorf("chunk path %q does not match expected %q", gotPath, file.Path)
				continue
			}
			parsed = obj
			lastErr = nil
			break
		}
		result.ChunksSeen++
		if parsed == nil {
			logger.Event("contract.mismatch", map[string]any{
				"path": file.Path, "chunk_index": chunkIndex, "error": errString(lastErr),
			})
			result.Mismatched = true
			return result, nil
		}
		content, _ := parsed["content"].(string)
		result.Content += content
		hasMore := false
		if chunking, ok := parsed["chunking"].(map[string]any); ok {
			if v, ok := chunking["has_more"].(bool); ok {
				hasMore = v
			}
		}
		if !hasMore {
			return result, nil
		}
	}
	logger.Event("contract.mismatch", map[string]any{
		"path": file.Path, "reason": "exceeded max chunk count",
	})
	result.Mismatched = true
	return result, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
