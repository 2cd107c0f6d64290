package cascade

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
)

func TestRunSingleTextStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "output_text": "hello there"})
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	o := &Orchestrator{Client: client, LogDir: t.TempDir()}
	def := Definition{Name: "greet", Steps: []Step{
		{Title: "say hi", Model: "gpt-5", InputText: "say hi", OutputType: "text"},
	}}

	res, err := o.Run(t.Context(), RunConfig{Project: "demo", Cascade: def})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseID != "resp_1" {
		t.Fatalf("expected resp_1, got %q", res.ResponseID)
	}
	if res.StepResponseIDs["1"] != "resp_1" {
		t.Fatalf("expected step 1 response id recorded, got %+v", res.StepResponseIDs)
	}
}

func TestRunResolvesPlaceholdersAcrossSteps(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if calls == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"id":          "resp_1",
				"output_text": `{"title":"Chapter One"}`,
			})
			return
		}
		// Step 2 should carry step 1's response id as previous_response_id
		// and the resolved json placeholder in its input.
		if body["previous_response_id"] != "resp_1" {
			t.Errorf("expected previous_response_id=resp_1, got %v", body["previous_response_id"])
		}
		input, _ := json.Marshal(body["input"])
		if !jsonContains(string(input), "Chapter One") {
			t.Errorf("expected step 2 input to contain resolved placeholder, got %s", input)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "resp_2", "output_text": "done"})
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	o := &Orchestrator{Client: client, LogDir: t.TempDir()}
	def := Definition{Name: "two-step", Steps: []Step{
		{
			Title: "outline", Model: "gpt-5", InputText: "outline it", OutputType: "json",
			OutputSchemaKind: "custom",
			OutputSchemaCustom: map[string]any{
				"type": "object", "required": []any{"title"},
				"properties": map[string]any{"title": map[string]any{"type": "string"}},
			},
		},
		{
			Title: "write", Model: "gpt-5", OutputType: "text",
			InputText:              "continue from {{step.1.json}}",
			PreviousResponseIDExpr: "{{step.1.response_id}}",
		},
	}}

	res, err := o.Run(t.Context(), RunConfig{Project: "demo", Cascade: def})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseID != "resp_2" {
		t.Fatalf("expected final response resp_2, got %q", res.ResponseID)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", calls)
	}
}

func TestRunFailsWhenJSONOutputViolatesSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "output_text": `{}`})
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	o := &Orchestrator{Client: client, LogDir: t.TempDir()}
	def := Definition{Name: "strict", Steps: []Step{
		{
			Title: "must have title", Model: "gpt-5", InputText: "x", OutputType: "json",
			OutputSchemaKind: "custom",
			OutputSchemaCustom: map[string]any{
				"type": "object", "required": []any{"title"},
				"properties": map[string]any{"title": map[string]any{"type": "string"}},
			},
		},
	}}

	if _, err := o.Run(t.Context(), RunConfig{Project: "demo", Cascade: def}); err == nil {
		t.Fatal("expected schema validation failure")
	}
}

func TestRunWritesAndUploadsExpectedOutFiles(t *testing.T) {
	calls := 0
	out := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/files":
			json.NewEncoder(w).Encode(map[string]any{"id": "file_abc", "filename": "src/a.txt", "purpose": "user_data"})
		case r.URL.Path == "/v1/responses":
			calls++
			if calls == 1 {
				json.NewEncoder(w).Encode(map[string]any{
					"id":          "resp_1",
					"output_text": `{"files":[{"path":"src/a.txt","content":"A"}]}`,
				})
				return
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			input, _ := json.Marshal(body["input"])
			if !strings.Contains(string(input), "file_abc") {
				t.Errorf("expected step 2 input to reference the step 1 upload's file id, got %s", input)
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "resp_2", "output_text": "done"})
		default:
			t.Fatalf("unexpected request path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	o := &Orchestrator{Client: client, LogDir: t.TempDir()}
	def := Definition{Name: "writes-file", Steps: []Step{
		{
			Title: "emit file", Model: "gpt-5", InputText: "write a.txt", OutputType: "json",
			OutputSchemaKind: "manifest",
			ExpectedOutFiles: []string{"src/a.txt"},
		},
		{
			Title:            "use file",
			Model:            "gpt-5",
			OutputType:       "text",
			InputContentJSON: map[string]any{"type": "input_file", "file_id": "{{step.1.out_file_id:src/a.txt}}"},
		},
	}}

	res, err := o.Run(t.Context(), RunConfig{Project: "demo", Cascade: def, OutDir: out})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseID != "resp_2" {
		t.Fatalf("expected final response resp_2, got %q", res.ResponseID)
	}
	written, err := os.ReadFile(filepath.Join(out, "src", "a.txt"))
	if err != nil {
		t.Fatalf("expected src/a.txt to be written under OUT: %v", err)
	}
	if string(written) != "A" {
		t.Fatalf("expected written content %q, got %q", "A", written)
	}
}

func TestRunFailsWhenExpectedOutFileMissingFromManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "resp_1",
			"output_text": `{"files":[{"path":"other.txt","content":"X"}]}`,
		})
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	o := &Orchestrator{Client: client, LogDir: t.TempDir()}
	def := Definition{Name: "missing-file", Steps: []Step{
		{
			Title: "emit file", Model: "gpt-5", InputText: "write a.txt", OutputType: "json",
			OutputSchemaKind: "manifest",
			ExpectedOutFiles: []string{"src/a.txt"},
		},
	}}

	if _, err := o.Run(t.Context(), RunConfig{Project: "demo", Cascade: def, OutDir: t.TempDir()}); err == nil {
		t.Fatal("expected failure when the manifest omits an expected output file")
	}
}

func TestRunFailsWhenExpectedOutFilesHaveNoOutDir(t *testing.T) {
	o := &Orchestrator{Client: remoteclient.New("http://unused.invalid", "key"), LogDir: t.TempDir()}
	def := Definition{Name: "no-out-dir", Steps: []Step{
		{
			Title: "emit file", Model: "gpt-5", InputText: "write a.txt", OutputType: "json",
			OutputSchemaKind: "manifest",
			ExpectedOutFiles: []string{"src/a.txt"},
		},
	}}

	if _, err := o.Run(t.Context(), RunConfig{Project: "demo", Cascade: def}); err == nil {
		t.Fatal("expected failure when expected_out_files is set with no effective OUT directory")
	}
}

func jsonContains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
