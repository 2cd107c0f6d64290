package cascade

// PresetManifestSchema mirrors PRESET_MANIFEST_SCHEMA: a files[] array
// of {path, file_id?, notes?} objects.
var PresetManifestSchema = map[string]any{
	"type":                 "object",
	"required":             []any{"files"},
	"additionalProperties":  false,
	"properties": map[string]any{
		"files": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"required":             []any{"path"},
				"additionalProperties": true,
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"file_id": map[string]any{"type": "string"},
					"notes":   map[string]any{"type": "string"},
				},
			},
		},
	},
}

// PresetPromptsSchema mirrors PRESET_PROMPTS_SCHEMA: a prompts[] array of
// {name, text} objects.
var PresetPromptsSchema = map[string]any{
	"type":                 "object",
	"required":             []any{"prompts"},
	"additionalProperties":  false,
	"properties": map[string]any{
		"prompts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"required":             []any{"name", "text"},
				"additionalProperties": true,
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"text": map[string]any{"type": "string"},
				},
			},
		},
	},
}

// SchemaForStep resolves the step's preset/custom schema, or nil for a
// text-output step.
func SchemaForStep(s Step) map[string]any {
	if s.OutputType != "json" {
		return nil
	}
	switch s.OutputSchemaKind {
	case "manifest":
		return PresetManifestSchema
	case "prompts":
		return PresetPromptsSchema
	case "custom":
		if s.OutputSchemaCustom != nil {
			return s.OutputSchemaCustom
		}
	}
	return nil
}
