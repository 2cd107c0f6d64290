package runlog

import "strings"

// redactedPlaceholder replaces any secret-shaped value before it reaches disk.
const redactedPlaceholder = "***REDACTED***"

// secretKeys is the denylist of field names (lowercased) whose value is
// always replaced regardless of content, per spec §8's redaction invariant.
var secretKeys = map[string]bool{
	"authorization":     true,
	"api_key":           true,
	"openai_api_key":    true,
	"password":          true,
	"ssh_password":      true,
	"smtp_password":     true,
	"token":             true,
	"bearer":            true,
}

// redactValue walks an arbitrary JSON-ish value (maps, slices, scalars)
// produced by encoding/json unmarshaling or ordinary map[string]any
// construction, replacing secret-keyed fields and any string containing a
// "Bearer " marker. This has no analogue in original_source/runlog.py,
// which performs no redaction at all; it exists solely to satisfy the
// spec's §3/§8 invariants.
func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if secretKeys[strings.ToLower(k)] {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = redactValue(vv)
		}
		return out
	case string:
		if containsBearer(val) {
			return redactedPlaceholder
		}
		return val
	default:
		return v
	}
}

func containsBearer(s string) bool {
	return strings.Contains(strings.ToLower(s), "bearer ")
}
