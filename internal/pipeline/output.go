package pipeline

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/filescan"
	"github.com/karelmartinek-a11y/kajovo/internal/runlog"
	"github.com/zeebo/blake3"
)

var snapshotSkipDirs = map[string]bool{"venv": true, ".venv": true, "LOG": true}

// safeJoinUnderRoot resolves rel beneath root and rejects any path that
// would escape it (spec §4.9.6/§7's PathViolation), mirroring the original's
// safe_join_under_root.
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

// createSnapshot copies outDir (excluding venv/.venv/LOG and prior snapshot
// siblings) into a timestamped sibling directory, per spec §4.9.6's
// versioning rule. Returns the snapshot directory path, or "" if outDir
// does not yet exist (nothing to snapshot).
func createSnapshot(outDir string) (string, error) {
	info, err := os.Stat(outDir)
	if err != nil || !info.IsDir() {
		return "", nil
	}
	base := filepath.Base(filepath.Clean(outDir))
	snapshotName := base + time.Now().Format("200601021504")
	dst := filepath.Join(outDir, snapshotName)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	err = filepath.Walk(outDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(outDir, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		top := strings.Split(filepath.ToSlash(rel), "/")[0]
		if snapshotSkipDirs[top] || top == snapshotName || filescan.IsVersingSnapshotDir(top, base) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// hashBytes is the fast integrity hash for snapshot/output before-after
// comparisons (spec fs.change events), not the manifest's wire-format
// sha256 field.
func hashBytes(b []byte) string {
	h := blake3.New()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeLF ports the original's UTF-8/LF output convention: CRLF and
// bare CR are both collapsed to LF.
func normalizeLF(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n")
}

// writeOutputFile resolves relPath under outDir, writes content (LF
// normalized), and records a fs.change event with before/after hash and
// size (spec §4.9.6).
func writeOutputFile(logger *runlog.Logger, outDir, relPath, content string) (string, error) {
	abs, err := safeJoinUnderRoot(outDir, relPath)
	if err != nil {
		return "", err
	}
	var beforeHash string
	var beforeSize int64
	if before, err := os.ReadFile(abs); err == nil {
		beforeHash = hashBytes(before)
		beforeSize = int64(len(before))
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	data := []byte(normalizeLF(content))
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", err
	}
	afterHash := hashBytes(data)
	if logger != nil {
		logger.RecordFSChange("write", "", abs, beforeHash, afterHash, beforeSize, int64(len(data)))
	}
	return abs, nil
}
