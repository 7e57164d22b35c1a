// Package pipeline runs the two independently triggered tasks: ingest (source
// to log, advancing the cursor) and load (log to sink, committing offsets).
// Each run returns a Report; nothing is shared in process between the tasks.
package pipeline

import (
	"time"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// Task names a pipeline task.
type Task string

const (
	TaskIngest Task = "ingest"
	TaskLoad   Task = "load"
)

// Stage is the last stage a run reached. On failure it is the stage that
// failed.
type Stage string

const (
	StageIdle          Stage = "idle"
	StageFetching      Stage = "fetching"
	StagePublishing    Stage = "publishing"
	StageCursorAdvance Stage = "cursor_advance"
	StageRead          Stage = "read"
	StageTransform     Stage = "transform"
	StageDeduplicate   Stage = "deduplicate"
	StageWrite         Stage = "write"
	StageCommitOffset  Stage = "commit_offset"
)

// Outcome is the result category of a run.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRecoverable Outcome = "recoverable_failure"
	OutcomeFatal       Outcome = "fatal_failure"
)

// Report describes one task run.
type Report struct {
	RunID   string  `json:"run_id"`
	Task    Task    `json:"task"`
	Outcome Outcome `json:"outcome"`
	Stage   Stage   `json:"stage"`
	Error   string  `json:"error,omitempty"`

	// SafeToRetry is false only for fatal failures, which need operator
	// action before the task is triggered again.
	SafeToRetry bool `json:"safe_to_retry"`

	// Ingest counters.
	Fetched   int `json:"fetched,omitempty"`
	Published int `json:"published,omitempty"`

	// Load counters.
	Batches    int `json:"batches,omitempty"`
	Consumed   int `json:"consumed,omitempty"`
	Skipped    int `json:"skipped,omitempty"`
	Duplicates int `json:"duplicates,omitempty"`
	Inserted   int `json:"inserted,omitempty"`
	Conflicts  int `json:"conflicts,omitempty"`

	// Cursor is the persisted watermark at the end of an ingest run.
	Cursor *record.Cursor `json:"cursor,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is how long the run took.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExitCode maps the outcome onto a process exit status.
func (r Report) ExitCode() int {
	switch r.Outcome {
	case OutcomeSuccess:
		return 0
	case OutcomeFatal:
		return 2
	default:
		return 1
	}
}

func (r *Report) fail(stage Stage, err error) {
	r.Stage = stage
	r.Error = err.Error()
	if failure.IsFatal(err) {
		r.Outcome = OutcomeFatal
		r.SafeToRetry = false
		return
	}
	r.Outcome = OutcomeRecoverable
	r.SafeToRetry = true
}

func (r *Report) succeed() {
	r.Outcome = OutcomeSuccess
	r.SafeToRetry = true
	r.Error = ""
}
