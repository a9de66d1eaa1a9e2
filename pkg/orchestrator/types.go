package orchestrator

import (
	"time"

	"github.com/odvcencio/bookingd/pkg/step"
	"github.com/odvcencio/bookingd/pkg/workflow"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// ErrorKind classifies why a task failed, for callers deciding whether to
// retry and with what urgency.
type ErrorKind string

const (
	ErrKindNone               ErrorKind = ""
	ErrKindWorkflowNotFound   ErrorKind = "workflow_not_found"
	ErrKindPoolExhausted      ErrorKind = "pool_exhausted"
	ErrKindBrowserUnavailable ErrorKind = "browser_unavailable"
	ErrKindStepTimeout        ErrorKind = "step_timeout"
	ErrKindStepFailed         ErrorKind = "step_failed"
	ErrKindHandleCrashed      ErrorKind = "handle_crashed"
	ErrKindDeadlineExceeded   ErrorKind = "deadline_exceeded"
	ErrKindInternal           ErrorKind = "internal"
)

// TaskRequest asks the engine to run one workflow against one target.
type TaskRequest struct {
	Workflow string            `json:"workflow"`
	Inputs   map[string]string `json:"inputs,omitempty"`
	// Deadline bounds the whole task. Zero means the engine default.
	Deadline workflow.Duration `json:"deadline,omitempty"`
}

// TaskResult is the full record of one task run.
type TaskResult struct {
	ID         string              `json:"id"`
	Workflow   string              `json:"workflow"`
	Status     TaskStatus          `json:"status"`
	ErrorKind  ErrorKind           `json:"error_kind,omitempty"`
	Error      string              `json:"error,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
	Steps      []step.Result       `json:"steps,omitempty"`
	Outputs    map[string][]string `json:"outputs,omitempty"`
	SnapshotID string              `json:"snapshot_id,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
}

// snapshot returns a copy detached from the running task's record. Steps and
// Outputs are cloned so later appends by the task cannot reach the copy.
func (r *TaskResult) snapshot() *TaskResult {
	copied := *r
	if len(r.Steps) > 0 {
		copied.Steps = append([]step.Result(nil), r.Steps...)
	}
	if len(r.Outputs) > 0 {
		copied.Outputs = make(map[string][]string, len(r.Outputs))
		for k, v := range r.Outputs {
			copied.Outputs[k] = v
		}
	}
	return &copied
}

// Retryable reports whether resubmitting the same request may succeed
// without operator intervention.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindPoolExhausted, ErrKindStepTimeout, ErrKindHandleCrashed, ErrKindDeadlineExceeded:
		return true
	default:
		return false
	}
}
