package service

import (
	"fmt"
	"time"

	"github.com/ignatij/execflow/pkg/models"
)

const defaultResultLabel = "Fix Applied"

// ExecutionResult is the outcome of an action that ran through a plain REST
// call instead of the stream, e.g. applying a recommended fix.
type ExecutionResult struct {
	ExecutionID      string
	Label            string
	Status           models.ExecutionStatus // succeeded or failed
	Message          string
	StartedAt        string
	CompletedAt      string
	DurationMs       int64
	ExitCode         *int
	ResourcesChanged *models.ResourcesChanged
	Error            string
	Lines            []models.ExecutionLine
}

// SetExecutionStateFromResult shows a REST result in the panel as a finished
// session. Any live connection is closed first.
func (s *ExecutionService) SetExecutionStateFromResult(result ExecutionResult) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	started := result.StartedAt
	if started == "" {
		started = now
	}
	completed := result.CompletedAt
	if completed == "" {
		completed = now
	}
	duration := result.DurationMs
	if duration == 0 {
		if start, err := parseTimestamp(started); err == nil {
			if end, err := parseTimestamp(completed); err == nil {
				duration = end.Sub(start).Milliseconds()
			}
		}
	}
	status := models.FailedExecutionStatus
	if result.Status == models.SucceededExecutionStatus {
		status = models.SucceededExecutionStatus
	}
	exitCode := 1
	if status == models.SucceededExecutionStatus {
		exitCode = 0
	}
	if result.ExitCode != nil {
		exitCode = *result.ExitCode
	}
	label := result.Label
	if label == "" {
		label = defaultResultLabel
	}

	session := Session{
		ExecutionID: result.ExecutionID,
		Mode:        models.ApplyExecutionMode,
		SourceLabel: models.KubectlEquivalentSourceLabel,
		Label:       label,
		Status:      status,
		StartedAt:   started,
		CompletedAt: completed,
		Summary: &models.ExecutionSummary{
			StartedAt:        started,
			CompletedAt:      completed,
			DurationMs:       duration,
			ExitCode:         exitCode,
			ResourcesChanged: result.ResourcesChanged,
		},
	}
	if status == models.FailedExecutionStatus {
		session.Error = result.Error
		if session.Error == "" {
			session.Error = result.Message
		}
	}

	for i, line := range result.Lines {
		if line.ID == "" {
			line.ID = fmt.Sprintf("%s-%d", result.ExecutionID, i)
		}
		session.Lines = append(session.Lines, line)
	}
	if result.Lines == nil {
		if result.Message != "" {
			session.Lines = append(session.Lines, models.ExecutionLine{
				ID:        fmt.Sprintf("%s-%d", result.ExecutionID, len(session.Lines)),
				Timestamp: completed,
				Stream:    models.StdoutStream,
				Text:      result.Message,
			})
		}
		if result.Error != "" && status == models.FailedExecutionStatus {
			session.Lines = append(session.Lines, models.ExecutionLine{
				ID:        fmt.Sprintf("%s-%d", result.ExecutionID, len(session.Lines)),
				Timestamp: completed,
				Stream:    models.StderrStream,
				Text:      result.Error,
			})
		}
	}

	s.mu.Lock()
	s.streams.Close()
	s.machine.Restore(session)
	s.panelOpen = true
	s.panelExpanded = true
	s.autoScroll = true
	s.manualScroll = false
	s.publishLocked()
	s.logger.Infof("Execution %s %s (reported by REST result)", result.ExecutionID, status)
}
