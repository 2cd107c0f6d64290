package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/karelmartinek-a11y/kajovo/internal/config"
	"github.com/karelmartinek-a11y/kajovo/internal/filescan"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
)

const maxUploadableFiles = 2000

// scanInDir walks cfg.InDir applying spec §6's default deny lists plus any
// project-level security overrides, per spec §4.9.2 step 1.
func (o *Orchestrator) scanInDir(rs *runState) ([]filescan.Item, filescan.Manifest, error) {
	sec := o.Settings.Security
	opts := filescan.Options{
		DenyDirs:  []string{"venv", ".venv", "LOG"},
		DenyExts:  firstNonEmpty(sec.DenyExtensionsIn, config.DefaultDenyExtensions),
		AllowExts: sec.AllowExtensionsIn,
		DenyGlobs: firstNonEmpty(sec.DenyGlobsIn, config.DefaultDenyGlobs),
		AllowGlobs: sec.AllowGlobsIn,
	}
	items, err := filescan.ScanTree(rs.cfg.InDir, "IN", opts)
	if err != nil {
		return nil, filescan.Manifest{}, err
	}
	manifest := filescan.BuildManifest(rs.cfg.InDir, items, nil)
	return items, manifest, nil
}

func firstNonEmpty(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

// uploadInTree uploads the manifest JSON and every uploadable file (capped
// at maxUploadableFiles, per spec §4.9.2 step 1), returning the manifest's
// file id and the uploaded content file ids.
func (o *Orchestrator) uploadInTree(ctx context.Context, rs *runState, items []filescan.Item, manifest filescan.Manifest) (string, []string, error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", nil, err
	}
	manifestInfo, err := o.Client.UploadBytes(ctx, "manifest.json", "user_data", bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("uploading manifest: %w", err)
	}
	rs.logger.Event("upload.manifest", map[string]any{"file_id": manifestInfo.ID, "files": len(manifest.Files)})

	var fileIDs []string
	uploaded := 0
	for _, it := range items {
		if err := checkStop(ctx); err != nil {
			return "", nil, err
		}
		if !it.Uploadable || it.Sensitive && !o.Settings.Security.AllowUploadSensitive {
			continue
		}
		if uploaded >= maxUploadableFiles {
			rs.logger.Event("upload.capped", map[string]any{"limit": maxUploadableFiles})
			break
		}
		info, err := o.Client.UploadFile(ctx, it.AbsPath, "user_data")
		if err != nil {
			return "", nil, fmt.Errorf("uploading %s: %w", it.RelPath, err)
		}
		fileIDs = append(fileIDs, info.ID)
		uploaded++
	}
	return manifestInfo.ID, fileIDs, nil
}

// attachVectorStore creates a vector store and indexes the manifest + every
// uploaded file, polling until indexed. Per spec §4.9.2 step 2 and §7's
// VectorStoreFailed handling, failure here is non-fatal: the caller falls
// back to no tools.
func (o *Orchestrator) attachVectorStore(ctx context.Context, rs *runState, manifestFileID string, fileIDs []string) (string, bool) {
	vs, err := o.Client.CreateVectorStore(ctx, "modify-"+rs.logger.RunID, 1)
	if err != nil {
		rs.logger.Event("vector_store.failed", map[string]any{"stage": "create", "error": err.Error()})
		return "", false
	}
	all := append([]string{manifestFileID}, fileIDs...)
	for _, fid := range all {
		if err := checkStop(ctx); err != nil {
			return "", false
		}
		vsf, err := o.Client.AddFileToVectorStore(ctx, vs.ID, fid, nil)
		if err != nil {
			rs.logger.Event("vector_store.failed", map[string]any{"stage": "attach", "file_id": fid, "error": err.Error()})
			return "", false
		}
		if err := remoteclient.WaitForVectorStoreFile(ctx, o.Client, vs.ID, vsf.ID); err != nil {
			rs.logger.Event("vector_store.failed", map[string]any{"stage": "index", "file_id": fid, "error": err.Error()})
			return "", false
		}
	}
	rs.usedFileSearch = true
	return vs.ID, true
}

// runModify implements spec §4.9.2: scan + upload + (best-effort) vector
// store attach, then B1 PLAN -> B2 STRUCTURE -> B3 FILE (chunked, per file).
func (o *Orchestrator) runModify(ctx context.Context, rs *runState, basePrevID string) (*Result, error) {
	items, manifest, err := o.scanInDir(rs)
	if err != nil {
		return nil, fmt.Errorf("scanning IN directory: %w", err)
	}
	manifestFileID, fileIDs, err := o.uploadInTree(ctx, rs, items, manifest)
	if err != nil {
		return nil, err
	}

	var tools []any
	if rs.cfg.UseFileSearch {
		if vsID, ok := o.attachVectorStore(ctx, rs, manifestFileID, fileIDs); ok {
			tools = []any{remoteclient.NewFileSearchTool([]string{vsID})}
		}
	}

	b1ID, err := o.callPlan(ctx, rs, basePrevID, contractB1Plan, rs.cfg.Prompt, "B1_PLAN", tools)
	if err != nil {
		return nil, err
	}
	structure, err := o.callStructure(ctx, rs, b1ID, contractB2Structure, "B2_STRUCTURE", tools)
	if err != nil {
		return nil, err
	}

	if rs.cfg.Versing && len(structure.Files) > 0 {
		if dir, err := createSnapshot(rs.cfg.OutDir); err == nil && dir != "" {
			rs.logger.Event("fs.snapshot", map[string]any{"dir": dir})
		}
	}

	var written []string
	for _, file := range structure.Files {
		if err := checkStop(ctx); err != nil {
			return nil, err
		}
		if skipFile(file.Path, rs.cfg.SkipExts, rs.cfg.SkipPaths) {
			rs.logger.Event("file.skipped", map[string]any{"path": file.Path})
			continue
		}
		result, err := o.generateFileChunked(ctx, rs.logger, structure.RespID, contractB3File, rs.cfg.Model, temperaturePtr(rs.cfg.Temperature), file,
			func(chunkIndex int) string {
				return fmt.Sprintf(
					"Produce the %s for file %q (intent: %s) as contract %q. "+
						"Chunk index %d, at most %d lines per chunk. Set has_more=true if more chunks follow.",
					file.Action, file.Path, file.Intent, contractB3File, chunkIndex, chunkMaxLines)
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

	return &Result{Mode: ModeModify, ResponseID: structure.RespID, FilesWritten: written}, nil
}
