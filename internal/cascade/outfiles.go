package cascade

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// safeJoinUnderRoot resolves rel beneath root, rejecting any path that would
// escape it, mirroring internal/pipeline's output path containment rule.
func safeJoinUnderRoot(root, rel string) (string, error) {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
	if rel == "" {
		return "", fmt.Errorf("empty output path")
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("output path %q escapes its root", rel)
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(absRoot, filepath.FromSlash(rel))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absRoot && !strings.HasPrefix(absJoined, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q escapes its root", rel)
	}
	return absJoined, nil
}

// writeExpectedOutFile writes an expected_out_files manifest entry's content
// under outDir, creating parent directories as needed (spec §4.10 step 6).
func writeExpectedOutFile(outDir, relPath, content string) (string, error) {
	abs, err := safeJoinUnderRoot(outDir, relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", err
	}
	return abs, nil
}

// manifestContentsByPath extracts an expected_out_files manifest's
// {files:[{path, content, ...}]} list into a normalized-path -> content map
// (spec §4.10 step 6), rejecting any path that would escape the OUT root.
func manifestContentsByPath(parsed any) (map[string]string, error) {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected_out_files requires a JSON object response with a \"files\" list")
	}
	rawFiles, ok := obj["files"].([]any)
	if !ok {
		return nil, fmt.Errorf("expected_out_files requires a top-level \"files\" list")
	}
	out := make(map[string]string, len(rawFiles))
	for _, rf := range rawFiles {
		fm, ok := rf.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("files[] entries must be objects")
		}
		path, _ := fm["path"].(string)
		content, _ := fm["content"].(string)
		if path == "" {
			return nil, fmt.Errorf("files[] entry missing path")
		}
		norm := strings.TrimPrefix(filepath.ToSlash(path), "/")
		for _, seg := range strings.Split(norm, "/") {
			if seg == ".." {
				return nil, fmt.Errorf("files[].path %q escapes its root", path)
			}
		}
		out[norm] = content
	}
	return out, nil
}

// contentStore content-addresses expected-output file contents with blake3
// (spec §10.2), so identical content written more than once during a run
// is logged as stored only the first time.
type contentStore struct {
	mu     sync.Mutex
	byHash map[string]struct{}
}

func newContentStore() *contentStore {
	return &contentStore{byHash: map[string]struct{}{}}
}

// put hashes content and reports its content address plus whether this is
// the first time that exact content has been seen by this store.
func (s *contentStore) put(content string) (hash string, isNew bool) {
	h := blake3.New()
	h.Write([]byte(content))
	hash = hex.EncodeToString(h.Sum(nil))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[hash]; ok {
		return hash, false
	}
	s.byHash[hash] = struct{}{}
	return hash, true
}
