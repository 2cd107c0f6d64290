// Package filescan walks an IN directory applying allow/deny glob and
// extension filters, binary and secret detection, and builds the manifest
// the MODIFY pipeline and the cascade mirror-upload step upload.
// Grounded on original_source/kajovo/core/filescan.py.
package filescan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// SensitiveNames are filenames always treated as sensitive, never uploadable.
var SensitiveNames = map[string]bool{
	".env": true, ".env.local": true, ".env.prod": true,
	".pypirc": true, "id_rsa": true, "id_ed25519": true,
}

// secretPatterns ports SECRET_PATTERNS: an OpenAI-key assignment, a generic
// secret/token/password/api-key assignment, and a PEM private-key header.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`OPENAI[_-]?API[_-]?KEY\s*[:=]\s*['"]?[A-Za-z0-9\-_]{10,}`),
	regexp.MustCompile(`(?i)\b(secret|token|password|api[_-]?key)\b\s*[:=]`),
	regexp.MustCompile(`-----BEGIN (RSA|OPENSSH|EC) PRIVATE KEY-----`),
}

// Item is one scanned file's disposition, mirroring ScanItem.
type Item struct {
	RelPath    string
	AbsPath    string
	Size       int64
	SHA256     string // empty when not computed
	Uploadable bool
	Reason     string
	Sensitive  bool
}

// Options configures a tree scan.
type Options struct {
	DenyDirs    []string
	DenyExts    []string
	AllowExts   []string
	DenyGlobs   []string
	AllowGlobs  []string
	MaxSizeByte int64
}

const defaultMaxSize = 10 * 1024 * 1024

// IsProbablyBinary ports is_probably_binary: more than one null byte, or less
// than 75% printable bytes, in the first 4KiB marks a file as binary.
func IsProbablyBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	buf := make([]byte, 4096)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return true
	}
	data := buf[:n]
	if bytes.Count(data, []byte{0}) > 1 {
		return true
	}
	if len(data) == 0 {
		return false
	}
	printable := 0
	for _, b := range data {
		if (b >= 32 && b <= 126) || b == 9 || b == 10 || b == 13 {
			printable++
		}
	}
	return float64(printable)/float64(len(data)) < 0.75
}

func matchAnyGlob(relPath string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	p := strings.ReplaceAll(relPath, "\\", "/")
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, p); ok {
			return true
		}
	}
	return false
}

func extOf(relPath string) string {
	return strings.ToLower(filepath.Ext(relPath))
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

// IsVersingSnapshotDir reports whether dirName is a versioning snapshot of
// rootName: dirName starts with rootName and the remaining suffix is
// exactly 12 digits (the YYYYMMDDhhmm stamp).
func IsVersingSnapshotDir(dirName, rootName string) bool {
	if !strings.HasPrefix(dirName, rootName) {
		return false
	}
	tail := dirName[len(rootName):]
	if len(tail) != 12 {
		return false
	}
	for _, r := range tail {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ScanTree walks root, applying opts, and returns items sorted by RelPath.
func ScanTree(root, rootName string, opts Options) ([]Item, error) {
	maxSize := opts.MaxSizeByte
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	denyDirSet := map[string]bool{}
	for _, d := range opts.DenyDirs {
		denyDirSet[d] = true
	}
	var items []Item
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			name := d.Name()
			if denyDirSet[name] || IsVersingSnapshotDir(name, rootName) {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		relPath = strings.ReplaceAll(relPath, "\\", "/")
		items = append(items, scanOne(path, relPath, opts, maxSize))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RelPath < items[j].RelPath })
	return items, nil
}

func scanOne(absPath, relPath string, opts Options, maxSize int64) Item {
	info, err := os.Stat(absPath)
	if err != nil {
		return Item{RelPath: relPath, AbsPath: absPath, Uploadable: false, Reason: "stat_failed", Sensitive: true}
	}
	size := info.Size()

	if len(opts.AllowGlobs) > 0 && !matchAnyGlob(relPath, opts.AllowGlobs) {
		return Item{RelPath: relPath, AbsPath: absPath, Size: size, Reason: "not_in_allow_globs"}
	}
	if matchAnyGlob(relPath, opts.DenyGlobs) {
		return Item{RelPath: relPath, AbsPath: absPath, Size: size, Reason: "deny_glob"}
	}
	ext := extOf(relPath)
	if len(opts.AllowExts) > 0 && !containsFold(opts.AllowExts, ext) {
		return Item{RelPath: relPath, AbsPath: absPath, Size: size, Reason: "ext_not_allowed"}
	}
	if containsFold(opts.DenyExts, ext) {
		return Item{RelPath: relPath, AbsPath: absPath, Size: size, Reason: "denied_extension"}
	}
	if size == 0 {
		return Item{RelPath: relPath, AbsPath: absPath, Size: size, Reason: "empty_file"}
	}

	base := filepath.Base(relPath)
	sensitive := SensitiveNames[strings.ToLower(base)] || strings.HasSuffix(strings.ToLower(relPath), ".env")

	if size > maxSize {
		return Item{RelPath: relPath, AbsPath: absPath, Size: size, Reason: "too_large", Sensitive: sensitive}
	}
	if IsProbablyBinary(absPath) {
		return Item{RelPath: relPath, AbsPath: absPath, Size: size, Reason: "binary", Sensitive: sensitive}
	}

	secretHit := hasSecretPattern(absPath)
	if sensitive || secretHit {
		return Item{RelPath: relPath, AbsPath: absPath, Size: size, Reason: "sensitive_or_secret_detected", Sensitive: true}
	}

	sha, _ := sha256File(absPath, 5*1024*1024)
	return Item{RelPath: relPath, AbsPath: absPath, Size: size, SHA256: sha, Uploadable: true, Reason: "ok"}
}

func hasSecretPattern(absPath string) bool {
	f, err := os.Open(absPath)
	if err != nil {
		return true
	}
	defer f.Close()
	buf := make([]byte, 20000)
	n, _ := io.ReadFull(f, buf)
	head := string(buf[:n])
	for _, rx := range secretPatterns {
		if rx.MatchString(head) {
			return true
		}
	}
	return false
}

func sha256File(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if maxBytes <= 0 {
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
	} else {
		if _, err := io.CopyN(h, f, maxBytes); err != nil && err != io.EOF {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ManifestFile is one entry in the manifest's files array (spec §3).
type ManifestFile struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256,omitempty"`
	Uploadable bool   `json:"uploadable"`
	Reason     string `json:"reason"`
	Sensitive  bool   `json:"sensitive"`
}

// Manifest mirrors the IN-directory manifest entity in spec §3.
type Manifest struct {
	Root        string         `json:"root"`
	GeneratedAt float64        `json:"generated_at"`
	Files       []ManifestFile `json:"files"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// BuildManifest converts scanned items into the wire Manifest shape.
func BuildManifest(root string, items []Item, extra map[string]any) Manifest {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	files := make([]ManifestFile, 0, len(items))
	for _, it := range items {
		files = append(files, ManifestFile{
			Path: it.RelPath, Size: it.Size, SHA256: it.SHA256,
			Uploadable: it.Uploadable, Reason: it.Reason, Sensitive: it.Sensitive,
		})
	}
	return Manifest{Root: abs, GeneratedAt: float64(time.Now().Unix()), Files: files, Extra: extra}
}
