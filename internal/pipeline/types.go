// Package pipeline implements the GENERATE/MODIFY/QA/QFILE/BATCH state
// machine (spec §4.9), grounded on original_source/kajovo/core/pipeline.py's
// RunWorker.
package pipeline

import (
	"errors"

	"github.com/karelmartinek-a11y/kajovo/internal/capcache"
)

// Mode selects which of the five run shapes the orchestrator executes.
type Mode string

const (
	ModeGenerate Mode = "GENERATE"
	ModeModify   Mode = "MODIFY"
	ModeQA       Mode = "QA"
	ModeQFile    Mode = "QFILE"
	ModeBatch    Mode = "BATCH"
)

// Sentinel errors callers can match with errors.Is (spec §7's error taxonomy).
var (
	ErrContinuationRejected = errors.New("selected model explicitly rejects previous_response_id (required for cascades)")
	ErrStopRequested        = errors.New("run stopped by user")
	ErrQFileForbidsBatch    = errors.New("QFILE mode cannot be combined with send_as_batch")
	ErrMissingAPIKey        = errors.New("no API key configured")
	ErrContinuationInvalid  = errors.New("remote service rejected previous_response_id as invalid or expired")
)

// RunConfig is one pipeline invocation, mirroring UiRunConfig.
type RunConfig struct {
	Project     string
	Prompt      string
	Mode        Mode
	SendAsBatch bool
	Model       string
	// BaseResponseID lets a caller continue an existing chain instead of
	// starting a fresh one (e.g. a cascade step handing off into a pipeline).
	BaseResponseID string

	AttachedFileIDs         []string
	AttachedVectorStoreIDs  []string

	InDir      string
	OutDir     string
	InEqualsOut bool
	Versing    bool
	Temperature float64
	UseFileSearch bool

	SkipPaths []string
	SkipExts  []string

	ModelCaps capcache.Record

	// ResumeFiles/ResumePrevID let a GENERATE run skip A1/A2 and resume
	// A3 generation from a previously persisted structure (spec §4.9.1).
	ResumeFiles  []FileSpec
	ResumePrevID string
}

// FileSpec is one entry of an A2/B2 structure response.
type FileSpec struct {
	Path           string `json:"path"`
	Purpose        string `json:"purpose,omitempty"`
	Language       string `json:"language,omitempty"`
	Action         string `json:"action,omitempty"` // B2 only: modify | add
	Intent         string `json:"intent,omitempty"`
	GeneratedPhase string `json:"generated_in_phase,omitempty"`
}

// Result is the terminal payload a pipeline run reports on success.
type Result struct {
	RunID          string   `json:"run_id"`
	Mode           Mode     `json:"mode"`
	ResponseID     string   `json:"response_id,omitempty"`
	FilesWritten   []string `json:"files_written,omitempty"`
	BatchID        string   `json:"batch_id,omitempty"`
	SnapshotDir    string   `json:"snapshot_dir,omitempty"`
	InputTokens    int      `json:"input_tokens"`
	OutputTokens   int      `json:"output_tokens"`
}

// ProgressEvent is one typed update emitted on Orchestrator.Progress, the Go
// channel standing in for the original's progress/subprogress/status/logline
// Qt signals (spec §5).
type ProgressEvent struct {
	Percent    int
	SubPercent int
	Status     string
	LogLine    string
}
