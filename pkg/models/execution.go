package models

type ExecutionStatus string

const (
	IdleExecutionStatus      ExecutionStatus = "idle"
	PlannedExecutionStatus   ExecutionStatus = "planned"
	RunningExecutionStatus   ExecutionStatus = "running"
	SucceededExecutionStatus ExecutionStatus = "succeeded"
	FailedExecutionStatus    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further frames are expected for the status.
func (s ExecutionStatus) IsTerminal() bool {
	return s == SucceededExecutionStatus || s == FailedExecutionStatus
}

// IsActive reports whether a session in this status still waits on the server.
func (s ExecutionStatus) IsActive() bool {
	return s == PlannedExecutionStatus || s == RunningExecutionStatus
}

type ExecutionMode string

const (
	DryRunExecutionMode ExecutionMode = "dry-run"
	ApplyExecutionMode  ExecutionMode = "apply"
)

type SourceLabel string

const (
	ShellSourceLabel             SourceLabel = "shell"
	KubectlEquivalentSourceLabel SourceLabel = "kubectl-equivalent"
)

type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

// ExecutionLine is one record of command output, in arrival order.
type ExecutionLine struct {
	ID        string     `json:"id"`        // "<executionId>-<index>"
	Timestamp string     `json:"timestamp"` // RFC3339 as sent by the server
	Stream    StreamType `json:"stream"`    // "stdout" | "stderr"
	Text      string     `json:"text"`      // Already secret-masked by the server
}

// ExecutionPhase is a coarse progress marker for long running operations.
type ExecutionPhase struct {
	Name     string `json:"name"`
	Detail   string `json:"detail,omitempty"`
	Progress *int   `json:"progress,omitempty"` // nil when the server did not report progress
	Total    *int   `json:"total,omitempty"`
}

// Count returns n as an optional progress value.
func Count(n int) *int {
	return &n
}

// ResourcesChanged is inferred by the server from kubectl-style output.
type ResourcesChanged struct {
	Created    int `json:"created"`
	Configured int `json:"configured"`
	Unchanged  int `json:"unchanged"`
	Deleted    int `json:"deleted"`
}

// ExecutionSummary describes the final outcome of an execution. Produced at most once.
type ExecutionSummary struct {
	StartedAt        string            `json:"startedAt"`
	CompletedAt      string            `json:"completedAt"`
	DurationMs       int64             `json:"durationMs"`
	ExitCode         int               `json:"exitCode"`
	ResourcesChanged *ResourcesChanged `json:"resourcesChanged,omitempty"`
}
