package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/contracts"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
	"github.com/karelmartinek-a11y/kajovo/internal/runlog"
	"github.com/karelmartinek-a11y/kajovo/internal/textutil"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RunConfig is one cascade invocation (spec §3's CascadeRunConfig). OutDir
// is the run's requested OUT directory; if empty, Run falls back to
// Cascade.DefaultOutDir as the effective OUT directory (spec §4.10's
// "effective OUT directory resolution").
type RunConfig struct {
	Project string
	Cascade Definition
	InDir   string
	OutDir  string
}

// Result is the terminal payload a cascade run reports on success.
type Result struct {
	RunID            string            `json:"run_id"`
	ResponseID       string            `json:"response_id"`
	StepResponseIDs  map[string]string `json:"step_response_ids"`
	StepJSONOutputs  map[string]any    `json:"step_json_outputs"`
}

// ProgressEvent is one typed update emitted on Orchestrator.Progress, the Go
// channel standing in for the Qt progress/subprogress/status/logline signals
// (spec §5: "a Go channel of typed progress events").
type ProgressEvent struct {
	Percent    int
	SubPercent int
	Status     string
	LogLine    string
}

// Orchestrator runs a single cascade definition end to end.
type Orchestrator struct {
	Client   *remoteclient.Client
	LogDir   string
	Policy   retry.Policy
	Breaker  *retry.Breaker
	Progress chan<- ProgressEvent
}

var placeholderRe = regexp.MustCompile(`\{\{\s*step\.(\d+)\.(response_id|json|out_file_path:[^\s}]+|out_file_id:[^\s}]+)\s*\}\}`)

func (o *Orchestrator) emit(ev ProgressEvent) {
	if o.Progress == nil {
		return
	}
	select {
	case o.Progress <- ev:
	default:
	}
}

// Run executes cfg.Cascade's steps in order, resolving placeholders against
// prior steps' results, and returns the terminal result. Cancelling ctx
// implements the cooperative stop the original raised STOP_REQUESTED for.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	runID := runlog.NewRunID()
	logger, err := runlog.New(o.LogDir, runID, cfg.Project)
	if err != nil {
		return nil, fmt.Errorf("cascade: failed to start run logger: %w", err)
	}
	logger.UpdateState(map[string]any{
		"status": "running", "started_at": float64(time.Now().Unix()), "mode": "CASCADE",
		"project": cfg.Project, "out_dir": cfg.OutDir, "in_dir": cfg.InDir,
		"cascade_name": cfg.Cascade.Name, "steps": len(cfg.Cascade.Steps),
	})
	o.emit(ProgressEvent{Percent: 1, Status: fmt.Sprintf("cascade start: %s", cfg.Cascade.Name)})

	context_ := map[string]any{}
	stepResponseIDs := map[string]string{}
	stepJSON := map[string]any{}
	lastResponseID := ""
	store := newContentStore()

	total := len(cfg.Cascade.Steps)
	if total == 0 {
		total = 1
	}

	fail := func(err error) (*Result, error) {
		logger.Event("cascade.failed", map[string]any{"error": err.Error()})
		logger.UpdateState(map[string]any{"status": "failed", "finished_at": float64(time.Now().Unix()), "error": err.Error()})
		return nil, err
	}

	effectiveOutDir := cfg.OutDir
	if effectiveOutDir == "" {
		effectiveOutDir = cfg.Cascade.DefaultOutDir
	}
	for idx, step := range cfg.Cascade.Steps {
		if len(step.ExpectedOutFiles) > 0 && effectiveOutDir == "" {
			return fail(fmt.Errorf("step %d: expected_out_files is set but no OUT directory is configured (neither the run config nor cascade.default_out_dir)", idx+1))
		}
	}

	for idx, step := range cfg.Cascade.Steps {
		n := idx + 1
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		stepLabel := step.Title
		if stepLabel == "" {
			stepLabel = fmt.Sprintf("Step %d", n)
		}
		baseP := (idx) * 100 / total
		o.emit(ProgressEvent{Percent: baseP, Status: fmt.Sprintf("step %d/%d: %s", n, total, stepLabel)})
		logger.Event("cascade.step.start", map[string]any{"idx": n, "title": stepLabel, "model": step.Model})

		fileIDs := append([]string{}, step.FilesExistingIDs...)
		for _, localPath := range step.FilesLocalPaths {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
			resolved := resolveText(localPath, context_)
			if resolved == "" {
				continue
			}
			if _, err := os.Stat(resolved); err != nil {
				return fail(fmt.Errorf("step %d: local file does not exist: %s", n, resolved))
			}
			o.emit(ProgressEvent{Percent: baseP, SubPercent: 20, Status: fmt.Sprintf("uploading file for step %d: %s", n, resolved)})
			logger.Event("cascade.step.file_upload.start", map[string]any{"idx": n, "path": resolved})
			var uploaded *remoteclient.FileInfo
			err := retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier, fmt.Sprintf("%s:step%d:upload", runID, n), func(ctx context.Context) error {
				f, ferr := o.Client.UploadFile(ctx, resolved, "user_data")
				if ferr != nil {
					return ferr
				}
				uploaded = f
				return nil
			})
			if err != nil {
				return fail(fmt.Errorf("step %d: upload failed for %s: %w", n, resolved, err))
			}
			if uploaded == nil || uploaded.ID == "" {
				return fail(fmt.Errorf("step %d: upload did not return a file id: %s", n, resolved))
			}
			fileIDs = append(fileIDs, uploaded.ID)
			logger.Event("cascade.step.file_upload.ok", map[string]any{"idx": n, "path": resolved, "file_id": uploaded.ID})
		}

		resolvedInstructions := resolveText(step.Instructions, context_)
		resolvedInputText := resolveText(step.InputText, context_)
		resolvedPrevExpr := resolveText(step.PreviousResponseIDExpr, context_)
		var resolvedContentJSON any
		if step.InputContentJSON != nil {
			resolvedContentJSON = resolveJSON(step.InputContentJSON, context_)
		}

		var contentParts []any
		for _, chunk := range textutil.SplitText(resolvedInputText, 20000) {
			if chunk != "" {
				contentParts = append(contentParts, remoteclient.InputTextPart{Type: "input_text", Text: chunk})
			}
		}
		for _, fid := range fileIDs {
			if fid != "" {
				contentParts = append(contentParts, remoteclient.InputFilePart{Type: "input_file", FileID: fid})
			}
		}
		if resolvedContentJSON != nil {
			switch v := resolvedContentJSON.(type) {
			case []any:
				for _, part := range v {
					m, ok := part.(map[string]any)
					if !ok {
						return fail(fmt.Errorf("step %d: input_content_json list must contain object parts", n))
					}
					contentParts = append(contentParts, m)
				}
			case map[string]any:
				contentParts = append(contentParts, v)
			default:
				return fail(fmt.Errorf("step %d: input_content_json must be an object or a list", n))
			}
		}

		req := remoteclient.CreateResponseRequest{
			Model:        step.Model,
			Instructions: resolvedInstructions,
			Input: []remoteclient.InputMessage{{
				Type: "message", Role: "user", Content: contentParts,
			}},
		}
		if step.Temperature != nil {
			t := *step.Temperature
			req.Temperature = &t
		}
		if resolvedPrevExpr != "" {
			req.PreviousResponseID = resolvedPrevExpr
		}

		schemaMap := SchemaForStep(step)
		var compiled *jsonschema.Schema
		if step.OutputType == "json" {
			if schemaMap == nil {
				return fail(fmt.Errorf("step %d: output_type=json but no schema resolved", n))
			}
			c, err := compileSchema(schemaMap)
			if err != nil {
				return fail(fmt.Errorf("step %d: invalid schema: %w", n, err))
			}
			compiled = c
			req.Text = &remoteclient.TextFormat{Format: remoteclient.JSONSchemaFormat{
				Type: "json_schema", Name: StepSchemaName(n), Strict: true, Schema: schemaMap,
			}}
		}

		logger.SaveJSON("requests", fmt.Sprintf("cascade_step_%02d", n), req)
		o.emit(ProgressEvent{Percent: baseP, SubPercent: 55, Status: fmt.Sprintf("request for step %d", n)})

		var resp *remoteclient.ResponseEnvelope
		err := retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier, fmt.Sprintf("%s:step%d:create", runID, n), func(ctx context.Context) error {
			r, rerr := o.Client.CreateResponse(ctx, req)
			if rerr != nil {
				return rerr
			}
			resp = r
			return nil
		})
		if err != nil {
			return fail(fmt.Errorf("step %d: request failed: %w", n, err))
		}
		logger.SaveJSON("responses", fmt.Sprintf("cascade_step_%02d", n), resp)

		responseID := resp.ID
		if responseID != "" {
			context_[fmt.Sprintf("step.%d.response_id", n)] = responseID
			stepResponseIDs[strconv.Itoa(n)] = responseID
			lastResponseID = responseID
		}

		if step.OutputType == "json" {
			text := extractText(resp)
			parsed, perr := contracts.ParseJSONStrict(text)
			if perr != nil {
				return fail(fmt.Errorf("step %d: %w", n, perr))
			}
			if compiled != nil {
				if verr := compiled.Validate(parsed); verr != nil {
					return fail(fmt.Errorf("step %d: schema validation failed: %w", n, verr))
				}
			}
			context_[fmt.Sprintf("step.%d.json", n)] = parsed
			stepJSON[strconv.Itoa(n)] = parsed
			logger.SaveJSON("misc", fmt.Sprintf("cascade_step_%02d_json", n), parsed)

			if len(step.ExpectedOutFiles) > 0 {
				manifestFiles, err := manifestContentsByPath(parsed)
				if err != nil {
					return fail(fmt.Errorf("step %d: %w", n, err))
				}
				for _, rel := range step.ExpectedOutFiles {
					content, ok := manifestFiles[rel]
					if !ok {
						return fail(fmt.Errorf("step %d: expected output file %q missing from the returned manifest", n, rel))
					}
					abs, werr := writeExpectedOutFile(effectiveOutDir, rel, content)
					if werr != nil {
						return fail(fmt.Errorf("step %d: writing expected output file %q: %w", n, rel, werr))
					}
					if _, serr := os.Stat(abs); serr != nil {
						return fail(fmt.Errorf("step %d: expected output file %q not found on disk after write: %w", n, rel, serr))
					}
					if hash, isNew := store.put(content); isNew {
						logger.Event("cascade.context.stored", map[string]any{"idx": n, "path": rel, "content_hash": hash})
					}
					o.emit(ProgressEvent{Percent: baseP, SubPercent: 80, Status: fmt.Sprintf("uploading output file for step %d: %s", n, rel)})
					var uploaded *remoteclient.FileInfo
					uerr := retry.Do(ctx, o.Policy, o.Breaker, retry.DefaultTransientClassifier,
						fmt.Sprintf("%s:step%d:outupload:%s", runID, n, rel), func(ctx context.Context) error {
							f, ferr := o.Client.UploadFile(ctx, abs, "user_data")
							if ferr != nil {
								return ferr
							}
							uploaded = f
							return nil
						})
					if uerr != nil {
						return fail(fmt.Errorf("step %d: uploading expected output file %q: %w", n, rel, uerr))
					}
					if uploaded == nil || uploaded.ID == "" {
						return fail(fmt.Errorf("step %d: upload of expected output file %q did not return a file id", n, rel))
					}
					context_[fmt.Sprintf("step.%d.out_file_path:%s", n, rel)] = abs
					context_[fmt.Sprintf("step.%d.out_file_id:%s", n, rel)] = uploaded.ID
					logger.Event("cascade.step.out_file.ok", map[string]any{"idx": n, "path": rel, "abs_path": abs, "file_id": uploaded.ID})
				}
			}
		}

		logger.Event("cascade.step.ok", map[string]any{
			"idx": n, "title": stepLabel, "response_id": responseID,
			"json_output": step.OutputType == "json", "file_ids": fileIDs,
		})
		o.emit(ProgressEvent{Percent: n * 100 / total, SubPercent: 100, Status: fmt.Sprintf("step %d complete", n)})
	}

	result := &Result{
		RunID: runID, ResponseID: lastResponseID,
		StepResponseIDs: stepResponseIDs, StepJSONOutputs: stepJSON,
	}
	logger.UpdateState(map[string]any{
		"status": "completed", "finished_at": float64(time.Now().Unix()), "last_response_id": lastResponseID,
		"steps_done": len(cfg.Cascade.Steps),
		"result":     map[string]any{"step_response_ids": stepResponseIDs, "step_json_outputs": stepJSON},
	})
	logger.Event("cascade.completed", map[string]any{
		"run_id": runID, "response_id": lastResponseID,
		"step_response_ids": stepResponseIDs, "step_json_outputs": stepJSON,
	})
	return result, nil
}

func resolveText(text string, ctx map[string]any) string {
	if text == "" {
		return ""
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		idx := groups[1]
		key := groups[2]
		switch {
		case key == "response_id":
			if v, ok := ctx["step."+idx+".response_id"]; ok {
				if s, ok := v.(string); ok {
					return s
				}
			}
			return ""
		case key == "json":
			v, ok := ctx["step."+idx+".json"]
			if !ok || v == nil {
				return ""
			}
			if s, ok := v.(string); ok {
				return s
			}
			data, _ := json.Marshal(v)
			return string(data)
		case strings.HasPrefix(key, "out_file_path:"):
			if v, ok := ctx["step."+idx+".out_file_path:"+strings.TrimPrefix(key, "out_file_path:")]; ok {
				if s, ok := v.(string); ok {
					return s
				}
			}
			return ""
		case strings.HasPrefix(key, "out_file_id:"):
			if v, ok := ctx["step."+idx+".out_file_id:"+strings.TrimPrefix(key, "out_file_id:")]; ok {
				if s, ok := v.(string); ok {
					return s
				}
			}
			return ""
		default:
			return ""
		}
	})
}

func resolveJSON(obj any, ctx map[string]any) any {
	switch v := obj.(type) {
	case string:
		return resolveText(v, ctx)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = resolveJSON(x, ctx)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, x := range v {
			out[k] = resolveJSON(x, ctx)
		}
		return out
	default:
		return obj
	}
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(data))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func extractText(resp *remoteclient.ResponseEnvelope) string {
	cr := &contracts.Response{Raw: resp.Raw, OutputText: resp.OutputText}
	if len(resp.Output) > 0 {
		var items []contracts.OutputItem
		if err := json.Unmarshal(resp.Output, &items); err == nil {
			cr.Output = items
		}
	}
	return contracts.ExtractText(cr)
}
