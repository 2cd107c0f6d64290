// Package cascade implements the generic, placeholder-resolving N-step
// cascade (spec §3/§4.10), grounded on
// original_source/kajovo/core/cascade_types.py (step/definition shape) and
// cascade_pipeline.py (orchestrator), but implementing the spec's superset:
// all four placeholder forms and text.format rather than the stale
// response_format.
package cascade

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Step is one cascade stage (spec §3's CascadeStep).
type Step struct {
	Title                  string
	Model                  string
	Temperature            *float64
	Instructions           string
	InputText              string
	InputContentJSON       any
	FilesExistingIDs       []string
	FilesLocalPaths        []string
	PreviousResponseIDExpr string
	OutputType             string // "text" | "json"
	OutputSchemaKind       string // "manifest" | "prompts" | "custom" | ""
	OutputSchemaCustom     map[string]any
	ExpectedOutFiles       []string
}

// ToMap mirrors CascadeStep.to_dict for serialization/round-tripping.
func (s Step) ToMap() map[string]any {
	return map[string]any{
		"title":                     s.Title,
		"model":                     s.Model,
		"temperature":               s.Temperature,
		"instructions":              s.Instructions,
		"input_text":                s.InputText,
		"input_content_json":        s.InputContentJSON,
		"files_existing_ids":        nonNilStrings(s.FilesExistingIDs),
		"files_local_paths":         nonNilStrings(s.FilesLocalPaths),
		"previous_response_id_expr": s.PreviousResponseIDExpr,
		"output_type":               s.OutputType,
		"output_schema_kind":        s.OutputSchemaKind,
		"output_schema_custom":      s.OutputSchemaCustom,
		"expected_out_files":        nonNilStrings(s.ExpectedOutFiles),
	}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// StepFromMap mirrors CascadeStep.from_dict's coercion: unknown
// output_type/output_schema_kind values fall back to a safe default
// instead of erroring.
func StepFromMap(data map[string]any) Step {
	if data == nil {
		data = map[string]any{}
	}
	outputType := asString(data["output_type"])
	if outputType != "text" && outputType != "json" {
		outputType = "text"
	}
	kind := asString(data["output_schema_kind"])
	if kind != "manifest" && kind != "prompts" && kind != "custom" {
		kind = ""
	}
	var contentJSON any
	switch v := data["input_content_json"].(type) {
	case map[string]any, []any:
		contentJSON = v
	}
	var customSchema map[string]any
	if v, ok := data["output_schema_custom"].(map[string]any); ok {
		customSchema = v
	}
	var temperature *float64
	if v, ok := data["temperature"]; ok && v != nil {
		if f, ok := asFloat(v); ok {
			temperature = &f
		}
	}
	return Step{
		Title:                  asString(data["title"]),
		Model:                  asString(data["model"]),
		Temperature:            temperature,
		Instructions:           asString(data["instructions"]),
		InputText:              asString(data["input_text"]),
		InputContentJSON:       contentJSON,
		FilesExistingIDs:       asNonEmptyStrings(data["files_existing_ids"]),
		FilesLocalPaths:        asNonEmptyStrings(data["files_local_paths"]),
		PreviousResponseIDExpr: asString(data["previous_response_id_expr"]),
		OutputType:             outputType,
		OutputSchemaKind:       kind,
		OutputSchemaCustom:     customSchema,
		ExpectedOutFiles:       asNonEmptyStrings(data["expected_out_files"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asNonEmptyStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Definition is a named, ordered sequence of Steps (spec §3's CascadeDefinition).
type Definition struct {
	Name          string
	Steps         []Step
	DefaultOutDir string
	CreatedAt     float64
	UpdatedAt     float64
	Version       int
}

func (d Definition) ToMap() map[string]any {
	version := d.Version
	if version <= 0 {
		version = 1
	}
	steps := make([]map[string]any, 0, len(d.Steps))
	for _, s := range d.Steps {
		steps = append(steps, s.ToMap())
	}
	return map[string]any{
		"version":         version,
		"name":            d.Name,
		"created_at":      d.CreatedAt,
		"updated_at":      d.UpdatedAt,
		"steps":           steps,
		"default_out_dir": d.DefaultOutDir,
	}
}

func DefinitionFromMap(data map[string]any) Definition {
	if data == nil {
		data = map[string]any{}
	}
	now := float64(time.Now().Unix())
	var steps []Step
	if rawSteps, ok := data["steps"].([]any); ok {
		for _, raw := range rawSteps {
			if m, ok := raw.(map[string]any); ok {
				steps = append(steps, StepFromMap(m))
			}
		}
	}
	createdAt, ok := asFloat(data["created_at"])
	if !ok {
		createdAt = now
	}
	updatedAt, ok := asFloat(data["updated_at"])
	if !ok {
		updatedAt = now
	}
	version := 1
	if v, ok := asFloat(data["version"]); ok && int(v) > 0 {
		version = int(v)
	}
	name := asString(data["name"])
	if name == "" {
		name = "Unnamed Cascade"
	}
	return Definition{
		Name:          name,
		Steps:         steps,
		DefaultOutDir: asString(data["default_out_dir"]),
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
		Version:       version,
	}
}

// LoadDefinitionFile reads a cascade definition document (spec §6), tolerant
// of missing optional fields via DefinitionFromMap's defaulting.
func LoadDefinitionFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Definition{}, fmt.Errorf("cascade: parsing %s: %w", path, err)
	}
	return DefinitionFromMap(raw), nil
}

// SaveDefinitionFile writes d's round-trip-preserving map form as indented JSON.
func SaveDefinitionFile(path string, d Definition) error {
	data, err := json.MarshalIndent(d.ToMap(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// StepSchemaName names the text.format schema for step idx (1-based), matching
// the original's "cascade_step_%02d_schema" convention.
func StepSchemaName(idx int) string {
	return fmt.Sprintf("cascade_step_%02d_schema", idx)
}
