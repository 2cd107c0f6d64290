package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitLongPromptRespectsChunkSize(t *testing.T) {
	prompt := strings.Repeat("x", qaBatchChunkSize*2+10)
	chunks := splitLongPrompt(prompt)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks for a %d-char prompt, got %d", len(prompt), len(chunks))
	}
	var total int
	for _, c := range chunks {
		if len(c) > qaBatchChunkSize {
			t.Fatalf("chunk exceeds max size: %d > %d", len(c), qaBatchChunkSize)
		}
		total += len(c)
	}
	if total != len(prompt) {
		t.Fatalf("expected chunks to cover the whole prompt, got %d of %d chars", total, len(prompt))
	}
}

func TestRunQFileRejectsMultiChunkResponse(t *testing.T) {
	srv := fakeResponsesServer(t, `{"contract":"A3_FILE","path":"out.txt","content":"partial",`+
		`"chunking":{"chunk_index":0,"has_more":true}}`)
	defer srv.close()

	outDir := t.TempDir()
	o := srv.orchestrator()
	_, err := o.Run(t.Context(), RunConfig{Mode: ModeQFile, Prompt: "give me the file", Model: "gpt-5", OutDir: outDir})
	if err == nil {
		t.Fatal("expected an error when QFILE response declares has_more=true")
	}
}

func TestRunQFileWritesSingleFile(t *testing.T) {
	srv := fakeResponsesServer(t, `{"contract":"A3_FILE","path":"out.txt","content":"hello",`+
		`"chunking":{"chunk_index":0,"has_more":false}}`)
	defer srv.close()

	outDir := t.TempDir()
	o := srv.orchestrator()
	res, err := o.Run(t.Context(), RunConfig{Mode: ModeQFile, Prompt: "give me the file", Model: "gpt-5", OutDir: outDir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.FilesWritten) != 1 {
		t.Fatalf("expected exactly 1 file written, got %+v", res.FilesWritten)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "out.txt"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content %q", data)
	}
}
