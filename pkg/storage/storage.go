package storage

import (
	"context"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("execution not found")

// Store is the read side of the execution history, as served by the remote log service.
type Store interface {
	// ListExecutions returns the newest records first, at most limit of them.
	ListExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error)
	// GetExecutionLogs returns the stored lines of an execution in arrival order.
	// Unknown executions yield an empty slice, not ErrNotFound.
	GetExecutionLogs(ctx context.Context, executionID string) ([]models.ExecutionLogLine, error)
}

// Recorder is the write side of the history, used by the log service while it
// relays a live execution.
type Recorder interface {
	Store

	// Transaction operations
	Begin() (Recorder, error)
	Commit() error
	Rollback() error
	Close() error

	// Execution operations
	SaveExecution(rec models.ExecutionRecord) error
	GetExecution(executionID string) (models.ExecutionRecord, error)
	UpdateExecutionStatus(executionID string, status models.ExecutionStatus) error
	FinalizeExecution(executionID string, status models.ExecutionStatus, summary *models.ExecutionSummary) error

	// Log operations. Only the newest limit lines of an execution are kept.
	AppendLogLine(executionID string, line models.ExecutionLogLine, limit int) error
}
