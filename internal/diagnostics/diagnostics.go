// Package diagnostics defines the narrow interface the optional diagnostics
// ingest preamble step (spec §4.9 step 1) consumes. SSH and Windows
// diagnostics collection are external collaborators (spec §1's non-goals)
// — the core never shells out to paramiko/PowerShell itself, exactly
// mirroring how the distilled spec treats the equivalent original
// functions, original_source/kajovo/core/diagnostics/ssh.py's
// collect_ssh_diagnostics and windows.py's collect_windows_diagnostics.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File is one collected diagnostics artifact, named relative to the
// collector's own output directory.
type File struct {
	RelPath string `json:"path"`
	Content []byte `json:"-"`
}

// Collector gathers host- or transport-specific diagnostics (SSH exec
// output, Windows PowerShell collector output, …). Implementations live
// outside this module; the core only bundles and uploads what they return.
type Collector interface {
	Collect(ctx context.Context) ([]File, error)
}

// Bundle concatenates every file's content into the single JSON artifact
// spec §4.9 names ("collect files ..., bundle into a single JSON artifact,
// upload as one file"): {"files":[{"path":..., "content":...}]}.
func Bundle(files []File) ([]byte, error) {
	type entry struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	out := struct {
		Files []entry `json:"files"`
	}{}
	for _, f := range files {
		out.Files = append(out.Files, entry{Path: f.RelPath, Content: string(f.Content)})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("diagnostics: bundling: %w", err)
	}
	return data, nil
}

// ReadDir is a convenience Collector-building helper: it reads every
// regular file already written under dir into File entries, for
// collectors that write a script's output to disk and want Bundle to pick
// it up (e.g. an SSH collector's "ssh_diag.txt", a Windows collector's
// Diag_<timestamp>/ tree).
func ReadDir(dir string) ([]File, error) {
	var files []File
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		files = append(files, File{RelPath: filepath.ToSlash(rel), Content: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
