package service

import (
	"fmt"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrInvalidTransition = errors.New("invalid execution status transition")
	ErrForeignFrame      = errors.New("frame belongs to another execution")
)

// transitions lists the statuses a server frame may move a session to.
// idle is only left through Start, and terminal statuses are never left
// except through Start.
var transitions = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.PlannedExecutionStatus: {
		models.PlannedExecutionStatus,
		models.RunningExecutionStatus,
		models.SucceededExecutionStatus,
		models.FailedExecutionStatus,
	},
	models.RunningExecutionStatus: {
		models.RunningExecutionStatus,
		models.SucceededExecutionStatus,
		models.FailedExecutionStatus,
	},
}

// Transition validates moving from one status to another in response to a frame.
func Transition(from, to models.ExecutionStatus) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}

// Session is the accumulated state of the current execution.
type Session struct {
	ExecutionID string                   `json:"executionId"`
	Mode        models.ExecutionMode     `json:"mode"`
	SourceLabel models.SourceLabel       `json:"sourceLabel"`
	Label       string                   `json:"label,omitempty"`
	Status      models.ExecutionStatus   `json:"status"`
	StartedAt   string                   `json:"startedAt,omitempty"`
	CompletedAt string                   `json:"completedAt,omitempty"`
	Summary     *models.ExecutionSummary `json:"summary,omitempty"`
	Error       string                   `json:"error,omitempty"`    // Human readable
	RawError    string                   `json:"rawError,omitempty"` // Raw diagnostic detail
	Lines       []models.ExecutionLine   `json:"lines"`
	Phases      []models.ExecutionPhase  `json:"phases"`
}

// Machine applies stream events to a Session. It is not safe for concurrent
// use; ExecutionService serializes access.
type Machine struct {
	session Session
}

func NewMachine() *Machine {
	return &Machine{session: Session{
		Mode:        models.ApplyExecutionMode,
		SourceLabel: models.ShellSourceLabel,
		Status:      models.IdleExecutionStatus,
	}}
}

// Start discards everything accumulated so far and enters planned for a new
// execution id. It is valid from any status.
func (m *Machine) Start(executionID string, opts models.StartExecutionOptions) {
	m.session = Session{
		ExecutionID: executionID,
		Mode:        opts.Mode,
		SourceLabel: opts.SourceLabel(),
		Label:       opts.Label,
		Status:      models.PlannedExecutionStatus,
	}
}

// Apply interprets one server frame. A rejected frame leaves the session untouched.
func (m *Machine) Apply(frame models.Frame) error {
	s := &m.session
	if frame.ExecutionID != s.ExecutionID {
		return errors.Wrapf(ErrForeignFrame, "got %q, current %q", frame.ExecutionID, s.ExecutionID)
	}
	if !s.Status.IsActive() {
		return errors.Wrapf(ErrInvalidTransition, "%s frame while %s", frame.Type, s.Status)
	}

	switch frame.Type {
	case models.StateFrameType:
		if frame.Status != models.PlannedExecutionStatus && frame.Status != models.RunningExecutionStatus {
			return errors.Wrapf(ErrInvalidTransition, "state frame with status %q", frame.Status)
		}
		if err := Transition(s.Status, frame.Status); err != nil {
			return err
		}
		s.Status = frame.Status
		m.applyEnvelope(frame)
		if frame.Label != "" {
			s.Label = frame.Label
		}
		s.StartedAt = frame.Timestamp

	case models.LineFrameType:
		s.Lines = append(s.Lines, models.ExecutionLine{
			ID:        fmt.Sprintf("%s-%d", frame.ExecutionID, len(s.Lines)),
			Timestamp: frame.Timestamp,
			Stream:    frame.Stream,
			Text:      frame.Text,
		})
		if s.StartedAt == "" {
			s.StartedAt = frame.Timestamp
		}

	case models.PhaseFrameType:
		s.Phases = append(s.Phases, frame.Phase())

	case models.CompleteFrameType, models.ErrorFrameType:
		next := models.FailedExecutionStatus
		if frame.Status == models.SucceededExecutionStatus {
			next = models.SucceededExecutionStatus
		}
		if err := Transition(s.Status, next); err != nil {
			return err
		}
		s.Status = next
		m.applyEnvelope(frame)
		if frame.Summary != nil {
			summary := *frame.Summary
			s.Summary = &summary
			s.StartedAt = summary.StartedAt
			s.CompletedAt = summary.CompletedAt
		} else {
			s.CompletedAt = frame.Timestamp
		}
		// Server-declared errors are authoritative over local guesses
		if frame.Error != "" {
			s.Error = frame.Error
		}
		if frame.RawError != "" {
			s.RawError = frame.RawError
		}

	default:
		return errors.Errorf("unknown frame type %q", frame.Type)
	}
	return nil
}

func (m *Machine) applyEnvelope(frame models.Frame) {
	if frame.Mode != "" {
		m.session.Mode = frame.Mode
	}
	if frame.SourceLabel != "" {
		m.session.SourceLabel = frame.SourceLabel
	}
}

// Fail moves an active session of executionID to failed. message replaces an
// existing error only when overwrite is set. It reports whether the session changed.
func (m *Machine) Fail(executionID, message, raw string, overwrite bool) bool {
	s := &m.session
	if s.ExecutionID != executionID || !s.Status.IsActive() {
		return false
	}
	s.Status = models.FailedExecutionStatus
	if overwrite || s.Error == "" {
		s.Error = message
	}
	if raw != "" && (overwrite || s.RawError == "") {
		s.RawError = raw
	}
	return true
}

// Adopt restores a historical record as the current session. Lines are emptied
// until HydrateLines supplies the stored log.
func (m *Machine) Adopt(record models.ExecutionRecord) {
	s := &m.session
	s.ExecutionID = record.ExecutionID
	s.Status = mapBackendStatus(record.Status)
	// The history endpoint does not expose the source
	s.SourceLabel = models.ShellSourceLabel
	s.Error = ""
	s.RawError = ""
	s.Lines = nil
	s.Phases = nil
	s.Summary = nil
	if record.Summary != nil {
		summary := *record.Summary
		s.Summary = &summary
		s.StartedAt = summary.StartedAt
		s.CompletedAt = summary.CompletedAt
	} else {
		s.StartedAt = record.StartedAt
		s.CompletedAt = ""
	}
}

// HydrateLines replaces the line list wholesale with stored log lines.
func (m *Machine) HydrateLines(executionID string, logs []models.ExecutionLogLine) bool {
	if m.session.ExecutionID != executionID {
		return false
	}
	lines := make([]models.ExecutionLine, 0, len(logs))
	for i, l := range logs {
		lines = append(lines, models.ExecutionLine{
			ID:        fmt.Sprintf("%s-%d", executionID, i),
			Timestamp: l.Timestamp,
			Stream:    l.Stream,
			Text:      l.Text,
		})
	}
	m.session.Lines = lines
	return true
}

// Restore installs a complete session built outside the stream, e.g. from a REST result.
func (m *Machine) Restore(session Session) {
	m.session = session
}

// ClearOutput drops lines, summary and errors but keeps the status.
func (m *Machine) ClearOutput() {
	m.session.Lines = nil
	m.session.Summary = nil
	m.session.Error = ""
	m.session.RawError = ""
}

// Status returns the current status.
func (m *Machine) Status() models.ExecutionStatus {
	return m.session.Status
}

// ExecutionID returns the id of the current session.
func (m *Machine) ExecutionID() string {
	return m.session.ExecutionID
}

// Snapshot returns a copy that shares no mutable state with the machine.
func (m *Machine) Snapshot() Session {
	s := m.session
	s.Lines = append([]models.ExecutionLine{}, m.session.Lines...)
	s.Phases = append([]models.ExecutionPhase{}, m.session.Phases...)
	if m.session.Summary != nil {
		summary := *m.session.Summary
		if summary.ResourcesChanged != nil {
			rc := *summary.ResourcesChanged
			summary.ResourcesChanged = &rc
		}
		s.Summary = &summary
	}
	return s
}

func mapBackendStatus(status models.ExecutionStatus) models.ExecutionStatus {
	switch status {
	case models.PlannedExecutionStatus, models.RunningExecutionStatus,
		models.SucceededExecutionStatus, models.FailedExecutionStatus:
		return status
	default:
		return models.IdleExecutionStatus
	}
}
