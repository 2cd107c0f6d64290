// Package contracts extracts text from a remote response envelope, parses
// and validates the JSON contracts every pipeline stage exchanges, and
// validates the path-safety rules every declared output path must satisfy.
package contracts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Error is raised whenever a response violates the declared contract for a
// stage: missing JSON, non-object JSON, or a contract-specific invariant.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func NewError(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// ContentPart mirrors one entry of a response's output[].content[] array.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OutputItem mirrors one entry of a response's output[] array.
type OutputItem struct {
	Content []ContentPart `json:"content"`
}

// Response is the minimal shape of a remote create_response envelope this
// package needs to extract text from.
type Response struct {
	OutputText *string      `json:"output_text,omitempty"`
	Output     []OutputItem `json:"output,omitempty"`
	Text       *string      `json:"text,omitempty"`
	Content    *string      `json:"content,omitempty"`
	Message    *string      `json:"message,omitempty"`
	Raw        json.RawMessage
}

// ExtractText ports original_source/kajovo/core/contracts.py's
// extract_text_from_response fallback chain exactly: prefer output_text,
// else concatenate output_text/text parts, else fall back to a top-level
// text/content/message string, else serialize the whole envelope.
func ExtractText(resp *Response) string {
	if resp == nil {
		return ""
	}
	if resp.OutputText != nil {
		return *resp.OutputText
	}
	if len(resp.Output) > 0 {
		var sb strings.Builder
		found := false
		for _, item := range resp.Output {
			for _, part := range item.Content {
				if part.Type == "output_text" || part.Type == "text" {
					sb.WriteString(part.Text)
					found = true
				}
			}
		}
		if found {
			return sb.String()
		}
	}
	for _, s := range []*string{resp.Text, resp.Content, resp.Message} {
		if s != nil {
			return *s
		}
	}
	if len(resp.Raw) > 0 {
		return string(resp.Raw)
	}
	return ""
}

var embeddedObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseJSONStrict ports parse_json_strict: trims and strictly parses text as
// a JSON object; on parse failure, falls back to extracting the first
// greedy {...} substring and parsing that; raises *Error otherwise.
func ParseJSONStrict(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if obj, err := parseObject(trimmed); err == nil {
		return obj, nil
	} else if _, isShapeErr := err.(*Error); isShapeErr {
		return nil, err
	}
	match := embeddedObjectRe.FindString(trimmed)
	if match == "" {
		return nil, NewError("could not parse JSON object from response text")
	}
	obj, err := parseObject(match)
	if err != nil {
		return nil, NewError("could not parse JSON object from response text: %v", err)
	}
	return obj, nil
}

func parseObject(text string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, NewError("must be an object")
	}
	return obj, nil
}

// FileRef is the minimal shape validate_paths checks: any struct with a
// relative path string.
type FileRef struct {
	Path string
}

// ValidatePaths ports validate_paths: every path must be non-empty, relative
// (not starting with "/" or "\"), free of ".." segments and backslashes, and
// globally unique within the list.
func ValidatePaths(files []FileRef) error {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		p := f.Path
		if strings.TrimSpace(p) == "" {
			return NewError("path must not be empty")
		}
		if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
			return NewError("path %q must be relative", p)
		}
		if strings.Contains(p, "\\") {
			return NewError("path %q must not contain backslashes", p)
		}
		for _, seg := range strings.Split(p, "/") {
			if seg == ".." {
				return NewError("path %q must not contain .. segments", p)
			}
		}
		if seen[p] {
			return NewError("duplicate path %q", p)
		}
		seen[p] = true
	}
	return nil
}
