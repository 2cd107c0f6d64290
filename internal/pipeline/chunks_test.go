package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
	"github.com/karelmartinek-a11y/kajovo/internal/runlog"
)

func newTestOrchestrator(client *remoteclient.Client) *Orchestrator {
	return &Orchestrator{Client: client, Policy: retry.DefaultPolicy(), Breaker: retry.NewBreaker(5, time.Second)}
}

func TestGenerateFileChunkedConcatenatesMultipleChunks(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			json.NewEncoder(w).Encode(map[string]any{
				"id": "resp_c1",
				"output_text": `{"contract":"A3_FILE","path":"main.go","content":"package main\n",` +
					`"chunking":{"chunk_index":0,"has_more":true}}`,
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"id": "resp_c2",
				"output_text": `{"contract":"A3_FILE","path":"main.go","content":"func main() {}\n",` +
					`"chunking":{"chunk_index":1,"has_more":false}}`,
			})
		}
	}))
	defer srv.Close()

	o := newTestOrchestrator(remoteclient.New(srv.URL, "key"))
	logger, err := runlog.New(t.TempDir(), runlog.NewRunID(), "demo")
	if err != nil {
		t.Fatalf("runlog.New: %v", err)
	}

	result, err := o.generateFileChunked(t.Context(), logger, "resp_struct", contractA3File, "gpt-5", nil,
		FileSpec{Path: "main.go"},
		func(chunkIndex int) string { return "produce chunk" })
	if err != nil {
		t.Fatalf("generateFileChunked: %v", err)
	}
	if result.Mismatched {
		t.Fatal("expected no mismatch")
	}
	want := "package main\nfunc main() {}\n"
	if result.Content != want {
		t.Fatalf("expected concatenated content %q, got %q", want, result.Content)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestGenerateFileChunkedReportsMismatchWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "resp_x", "output_text": "not json at all"})
	}))
	defer srv.Close()

	o := newTestOrchestrator(remoteclient.New(srv.URL, "key"))
	logger, err := runlog.New(t.TempDir(), runlog.NewRunID(), "demo")
	if err != nil {
		t.Fatalf("runlog.New: %v", err)
	}

	result, err := o.generateFileChunked(t.Context(), logger, "resp_struct", contractA3File, "gpt-5", nil,
		FileSpec{Path: "main.go"},
		func(chunkIndex int) string { return "produce chunk" })
	if err != nil {
		t.Fatalf("expected a graceful mismatch, not an error: %v", err)
	}
	if !result.Mismatched {
		t.Fatal("expected Mismatched=true on persistent contract violation")
	}
}
