package models

// StartExecutionOptions is the caller's request for a new execution. The service
// keeps the last one so a retry does not need the caller to collect parameters again.
type StartExecutionOptions struct {
	Label                string        `json:"label,omitempty"`
	Command              string        `json:"command"`
	Args                 []string      `json:"args,omitempty"`
	Mode                 ExecutionMode `json:"mode"`
	KubernetesEquivalent bool          `json:"kubernetesEquivalent,omitempty"`
	WorkingDir           string        `json:"workingDir,omitempty"`

	// Kubernetes-aware metadata for secured executions
	Namespace        string `json:"namespace,omitempty"`
	Context          string `json:"context,omitempty"`
	UserAction       string `json:"userAction,omitempty"`
	DryRun           *bool  `json:"dryRun,omitempty"` // Defaults to Mode == dry-run
	AllowClusterWide bool   `json:"allowClusterWide,omitempty"`
	Resource         string `json:"resource,omitempty"`
	Action           string `json:"action,omitempty"`
	Intent           string `json:"intent,omitempty"`
	YAML             string `json:"yaml,omitempty"`
}

// SourceLabel returns the label the session starts with before the server reports one.
func (o StartExecutionOptions) SourceLabel() SourceLabel {
	if o.KubernetesEquivalent {
		return KubectlEquivalentSourceLabel
	}
	return ShellSourceLabel
}

// StartFrame builds the wire frame for the given session identity, applying defaults.
func (o StartExecutionOptions) StartFrame(executionID string) StartFrame {
	args := o.Args
	if args == nil {
		args = []string{}
	}
	dryRun := o.Mode == DryRunExecutionMode
	if o.DryRun != nil {
		dryRun = *o.DryRun
	}
	return StartFrame{
		Type:                 StartFrameType,
		ExecutionID:          executionID,
		Command:              o.Command,
		Args:                 args,
		Mode:                 o.Mode,
		KubernetesEquivalent: o.KubernetesEquivalent,
		WorkingDir:           o.WorkingDir,
		Label:                o.Label,
		Namespace:            o.Namespace,
		Context:              o.Context,
		UserAction:           o.UserAction,
		DryRun:               dryRun,
		AllowClusterWide:     o.AllowClusterWide,
		Resource:             o.Resource,
		Action:               o.Action,
		Intent:               o.Intent,
		YAML:                 o.YAML,
	}
}
