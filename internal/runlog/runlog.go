// Package runlog owns the on-disk run directory contract: atomic state and
// JSON writes, an append-only redacted event log, and the run id scheme.
// Grounded on original_source/kajovo/core/runlog.py, with two deliberate
// strengthenings the spec requires beyond what that source does: atomic
// write-temp+fsync+rename (the source overwrites in place) and deep-merge
// state patches (the source does a shallow dict.update).
package runlog

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunIDPattern matches the RUN_DDMMYYYYhhmm_XXXX run id shape (spec §6).
var RunIDPattern = regexp.MustCompile(`^RUN_\d{12}_[A-Za-z0-9]{4}$`)

const runIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TSCode formats t as the 12-digit DDMMYYYYhhmm code the run id embeds.
func TSCode(t time.Time) string {
	return t.Format("020120061504")
}

// NewRunID mints a fresh RUN_<tscode>_<4 random alnum> id.
func NewRunID() string {
	b := make([]byte, 4)
	for i := range b {
		b[i] = runIDAlphabet[rand.Intn(len(runIDAlphabet))]
	}
	return fmt.Sprintf("RUN_%s_%s", TSCode(time.Now()), string(b))
}

// Paths is the per-run directory tree (spec §3/§6).
type Paths struct {
	Root      string
	Files     string
	Requests  string
	Responses string
	Manifests string
	Misc      string
	EventsLog string
	StateFile string
}

func buildPaths(baseLogDir, runID string) Paths {
	root := filepath.Join(baseLogDir, runID)
	return Paths{
		Root:      root,
		Files:     filepath.Join(root, "files"),
		Requests:  filepath.Join(root, "requests"),
		Responses: filepath.Join(root, "responses"),
		Manifests: filepath.Join(root, "manifests"),
		Misc:      filepath.Join(root, "misc"),
		EventsLog: filepath.Join(root, "events.jsonl"),
		StateFile: filepath.Join(root, "run_state.json"),
	}
}

// Logger is the sole writer of a run's directory. One Logger per run.
type Logger struct {
	Paths       Paths
	RunID       string
	ProjectName string

	mu sync.Mutex
}

// New creates the run directory tree, writes the initial run_state.json,
// and emits a run.created event.
func New(baseLogDir, runID, projectName string) (*Logger, error) {
	if runID == "" {
		runID = NewRunID()
	}
	l := &Logger{Paths: buildPaths(baseLogDir, runID), RunID: runID, ProjectName: projectName}
	for _, dir := range []string{l.Paths.Root, l.Paths.Files, l.Paths.Requests, l.Paths.Responses, l.Paths.Manifests, l.Paths.Misc} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("runlog: creating %s: %w", dir, err)
		}
	}
	initial := map[string]any{
		"status":     "created",
		"run_id":     runID,
		"project":    projectName,
		"created_at": float64(time.Now().Unix()),
	}
	if err := l.writeStateFile(initial); err != nil {
		return nil, err
	}
	l.Event("run.created", map[string]any{"run_id": runID, "project": projectName})
	return l, nil
}

// atomicWriteJSON writes obj to path via write-temp + fsync + rename, the
// stricter-than-source durability the spec mandates for state/JSON blobs.
func atomicWriteJSON(path string, obj any) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("runlog: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("runlog: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("runlog: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("runlog: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runlog: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("runlog: rename: %w", err)
	}
	return nil
}

func (l *Logger) writeStateFile(state map[string]any) error {
	return atomicWriteJSON(l.Paths.StateFile, redactValue(state).(map[string]any))
}

func (l *Logger) readStateFile() (map[string]any, error) {
	data, err := os.ReadFile(l.Paths.StateFile)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateState reads the current state, deep-merges patch into it, redacts,
// and atomically rewrites it. Deep-merge (rather than the source's shallow
// dict.update) is a deliberate spec-mandated strengthening.
func (l *Logger) UpdateState(patch map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.readStateFile()
	if err != nil {
		state = map[string]any{}
	}
	deepMerge(state, patch)
	state["updated_at"] = float64(time.Now().Unix())
	return l.writeStateFile(state)
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

// Event appends {ts, type, data} (redacted) to events.jsonl.
func (l *Logger) Event(eventType string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := map[string]any{
		"ts":   float64(time.Now().UnixNano()) / 1e9,
		"type": eventType,
		"data": redactValue(data),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(l.Paths.EventsLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(line)
	f.Write([]byte("\n"))
}

var sanitizeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeName(name string) string {
	s := sanitizeNameRe.ReplaceAllString(name, "_")
	if len(s) > 140 {
		s = s[:140]
	}
	return s
}

// kindDir maps a save_json "kind" to its subfolder, per the run directory layout.
func (l *Logger) kindDir(kind string) string {
	switch kind {
	case "files":
		return l.Paths.Files
	case "requests":
		return l.Paths.Requests
	case "responses":
		return l.Paths.Responses
	case "manifests":
		return l.Paths.Manifests
	default:
		return l.Paths.Misc
	}
}

// SaveJSON sanitizes name, prefixes it with the project name and run id,
// writes obj (redacted) atomically into kind's subfolder, and emits a
// file.saved.<kind> event carrying the path and byte count. Returns the
// absolute path written.
func (l *Logger) SaveJSON(kind, name string, obj any) (string, error) {
	projPrefix := sanitizeName(l.ProjectName)
	if len(projPrefix) > 60 {
		projPrefix = projPrefix[:60]
	}
	fileName := fmt.Sprintf("%s_%s_%s.json", projPrefix, l.RunID, sanitizeName(name))
	path := filepath.Join(l.kindDir(kind), fileName)
	if err := atomicWriteJSON(path, redactValue(obj)); err != nil {
		return "", err
	}
	info, statErr := os.Stat(path)
	size := int64(0)
	if statErr == nil {
		size = info.Size()
	}
	l.Event("file.saved."+kind, map[string]any{"path": path, "bytes": float64(size)})
	return path, nil
}

// RecordFSChange emits a fs.change event for an output-write audit trail.
func (l *Logger) RecordFSChange(action, src, dst string, beforeHash, afterHash string, beforeSize, afterSize int64) {
	l.Event("fs.change", map[string]any{
		"action":      action,
		"src":         src,
		"dst":         dst,
		"before_hash": beforeHash,
		"after_hash":  afterHash,
		"before_size": float64(beforeSize),
		"after_size":  float64(afterSize),
	})
}

// Exception emits an error.exception event.
func (l *Logger) Exception(where string, err error) {
	l.Event("error.exception", map[string]any{"where": where, "error": err.Error()})
}

// NewCorrelationID mints a ULID for a single remote HTTP call, threaded
// through retry attempts and request/response log records (spec §10.1) —
// distinct from the human-readable run id.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// FindLastIncompleteRun scans logDir for RUN_* directories (reverse
// chronological by name) and returns the first whose run_state.json status
// is not a terminal value, or "" if none.
func FindLastIncompleteRun(logDir string) (string, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "RUN_") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(logDir, name, "run_state.json"))
		if err != nil {
			continue
		}
		var state map[string]any
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		switch state["status"] {
		case "completed", "failed", "stopped_by_user", "force_killed":
			continue
		default:
			return name, nil
		}
	}
	return "", nil
}
