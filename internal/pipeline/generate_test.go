package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
)

func TestRunGenerateEndToEnd(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1: // A1_PLAN
			json.NewEncoder(w).Encode(map[string]any{"id": "resp_a1", "output_text": `{"contract":"A1_PLAN"}`})
		case 2: // A2_STRUCTURE
			json.NewEncoder(w).Encode(map[string]any{
				"id": "resp_a2",
				"output_text": `{"contract":"A2_STRUCTURE","files":[` +
					`{"path":"main.go","purpose":"entry point","language":"go"}]}`,
			})
		default: // A3_FILE, single chunk
			json.NewEncoder(w).Encode(map[string]any{
				"id": "resp_a3",
				"output_text": `{"contract":"A3_FILE","path":"main.go","content":"package main\n",` +
					`"chunking":{"chunk_index":0,"has_more":false}}`,
			})
		}
	}))
	defer srv.Close()

	outDir := t.TempDir()
	o := &Orchestrator{
		Client: remoteclient.New(srv.URL, "key"), Policy: retry.DefaultPolicy(),
		Breaker: retry.NewBreaker(5, time.Second), LogDir: t.TempDir(),
	}
	res, err := o.Run(t.Context(), RunConfig{
		Project: "demo", Mode: ModeGenerate, Prompt: "build a hello world", Model: "gpt-5", OutDir: outDir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.FilesWritten) != 1 {
		t.Fatalf("expected 1 file written, got %+v", res.FilesWritten)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "main.go"))
	if err != nil {
		t.Fatalf("reading generated file: %v", err)
	}
	if string(data) != "package main\n" {
		t.Fatalf("unexpected generated content: %q", data)
	}
}

func TestRunGenerateWritesFileEvenOnPersistentMismatch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1: // A1_PLAN
			json.NewEncoder(w).Encode(map[string]any{"id": "resp_a1", "output_text": `{"contract":"A1_PLAN"}`})
		case 2: // A2_STRUCTURE
			json.NewEncoder(w).Encode(map[string]any{
				"id": "resp_a2",
				"output_text": `{"contract":"A2_STRUCTURE","files":[` +
					`{"path":"bad.go","purpose":"entry point","language":"go"}]}`,
			})
		default: // A3_FILE chunk attempts that never satisfy the contract
			json.NewEncoder(w).Encode(map[string]any{"id": "resp_a3_bad", "output_text": `{"contract":"WRONG","path":"bad.go"}`})
		}
	}))
	defer srv.Close()

	outDir := t.TempDir()
	o := &Orchestrator{
		Client: remoteclient.New(srv.URL, "key"), Policy: retry.DefaultPolicy(),
		Breaker: retry.NewBreaker(5, time.Second), LogDir: t.TempDir(),
	}
	res, err := o.Run(t.Context(), RunConfig{
		Project: "demo", Mode: ModeGenerate, Prompt: "build something", Model: "gpt-5", OutDir: outDir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.FilesWritten) != 1 {
		t.Fatalf("expected the mismatched file to still be written, got %+v", res.FilesWritten)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "bad.go"))
	if err != nil {
		t.Fatalf("expected bad.go to exist on disk despite the contract mismatch: %v", err)
	}
	if string(data) != "" {
		t.Fatalf("expected empty content for a file that never produced a valid chunk, got %q", data)
	}
}

func TestRunGenerateResumesFromPersistedStructure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["previous_response_id"] != "resp_resume" {
			t.Errorf("expected resume to chain from resp_resume, got %v", body["previous_response_id"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "resp_a3", "output_text": `{"contract":"A3_FILE","path":"keep.go","content":"package keep\n",` +
				`"chunking":{"chunk_index":0,"has_more":false}}`,
		})
	}))
	defer srv.Close()

	outDir := t.TempDir()
	o := &Orchestrator{
		Client: remoteclient.New(srv.URL, "key"), Policy: retry.DefaultPolicy(),
		Breaker: retry.NewBreaker(5, time.Second), LogDir: t.TempDir(),
	}
	res, err := o.Run(t.Context(), RunConfig{
		Project: "demo", Mode: ModeGenerate, Model: "gpt-5", OutDir: outDir,
		ResumeFiles:  []FileSpec{{Path: "keep.go", Purpose: "keep", Language: "go"}},
		ResumePrevID: "resp_resume",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected only the A3 call when resuming, got %d calls", calls)
	}
	if len(res.FilesWritten) != 1 {
		t.Fatalf("expected 1 file written, got %+v", res.FilesWritten)
	}
}
