package diagnostics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestBundleProducesOneJSONArtifact(t *testing.T) {
	data, err := Bundle([]File{
		{RelPath: "ssh/ssh_diag.txt", Content: []byte("uname -a\nLinux\n")},
		{RelPath: "win/_collector_stdout_stderr.txt", Content: []byte("STDOUT:\nok\n")},
	})
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	var decoded struct {
		Files []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshaling bundle: %v", err)
	}
	if len(decoded.Files) != 2 {
		t.Fatalf("expected 2 files in the bundle, got %d", len(decoded.Files))
	}
	if decoded.Files[0].Content != "uname -a\nLinux\n" {
		t.Fatalf("unexpected content: %q", decoded.Files[0].Content)
	}
}

func TestReadDirCollectsEveryFileRecursively(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "top.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "nested", "deep.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
}
