package models

type FrameType string

const (
	StartFrameType    FrameType = "start"
	StateFrameType    FrameType = "state"
	LineFrameType     FrameType = "line"
	PhaseFrameType    FrameType = "phase"
	CompleteFrameType FrameType = "complete"
	ErrorFrameType    FrameType = "error"
)

// IsTerminal reports whether a frame of this type ends the session.
func (t FrameType) IsTerminal() bool {
	return t == CompleteFrameType || t == ErrorFrameType
}

// StartFrame is the single client->server message that initiates an execution.
type StartFrame struct {
	Type                 FrameType     `json:"type"`                 // Always "start"
	ExecutionID          string        `json:"executionId"`          // Client generated session identity
	Command              string        `json:"command"`              // Binary or logical command, e.g. "kubectl"
	Args                 []string      `json:"args"`                 // Never null on the wire
	Mode                 ExecutionMode `json:"mode"`                 // "dry-run" | "apply"
	KubernetesEquivalent bool          `json:"kubernetesEquivalent"` // Label output as kubectl-equivalent
	WorkingDir           string        `json:"workingDir"`
	Label                string        `json:"label"`
	Namespace            string        `json:"namespace"`
	Context              string        `json:"context"`    // Cluster context
	UserAction           string        `json:"userAction"` // UI trigger tag, e.g. "scale-button"
	DryRun               bool          `json:"dryRun"`
	AllowClusterWide     bool          `json:"allowClusterWide"`
	Resource             string        `json:"resource"`
	Action               string        `json:"action"`
	Intent               string        `json:"intent"`
	YAML                 string        `json:"yaml"` // Payload body for manifest operations
}

// Frame is a server->client message. The envelope fields are always present;
// the rest are populated according to Type.
type Frame struct {
	Type        FrameType     `json:"type"`
	ExecutionID string        `json:"executionId"`
	Timestamp   string        `json:"timestamp"`
	Mode        ExecutionMode `json:"mode"`
	SourceLabel SourceLabel   `json:"sourceLabel"`

	// state, complete, error
	Status ExecutionStatus `json:"status,omitempty"`
	Label  string          `json:"label,omitempty"`

	// line
	Stream StreamType `json:"stream,omitempty"`
	Text   string     `json:"text,omitempty"`

	// phase
	Name     string `json:"name,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Progress *int   `json:"progress,omitempty"` // nil when the server did not report progress
	Total    *int   `json:"total,omitempty"`

	// complete, error
	Summary  *ExecutionSummary `json:"summary,omitempty"`
	Error    string            `json:"error,omitempty"`
	RawError string            `json:"rawError,omitempty"`
}

// Phase extracts the phase payload of a phase frame.
func (f Frame) Phase() ExecutionPhase {
	return ExecutionPhase{Name: f.Name, Detail: f.Detail, Progress: f.Progress, Total: f.Total}
}
