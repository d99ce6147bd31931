package models

// ExecutionRecord is the lightweight history descriptor served by the log service.
// Clients never mutate it; a refetch replaces it.
type ExecutionRecord struct {
	ExecutionID string            `json:"executionId"`
	Status      ExecutionStatus   `json:"status"`            // Backend status, "planned" | "running" | "succeeded" | "failed"
	StartedAt   string            `json:"startedAt"`         // RFC3339
	LastLineAt  string            `json:"lastLineAt"`        // Timestamp of the newest stored line
	Summary     *ExecutionSummary `json:"summary,omitempty"` // Present once the execution finished
}

// ExecutionLogLine is a stored output line as returned by the history endpoint.
type ExecutionLogLine struct {
	Timestamp string     `json:"timestamp"`
	Stream    StreamType `json:"stream"`
	Text      string     `json:"text"`
}

// ExecutionListResponse is the body of GET /executions.
type ExecutionListResponse struct {
	Executions []ExecutionRecord `json:"executions"`
}

// ExecutionLogsResponse is the body of GET /executions/logs.
type ExecutionLogsResponse struct {
	ExecutionID string             `json:"executionId"`
	Logs        []ExecutionLogLine `json:"logs"`
}
