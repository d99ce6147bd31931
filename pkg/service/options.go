package service

import (
	"time"

	"github.com/ignatij/execflow/pkg/models"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier surfaces user-visible messages (toasts in the dashboard, stderr in the CLI).
type Notifier interface {
	Notify(message string, severity Severity)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(message string, severity Severity)

func (f NotifierFunc) Notify(message string, severity Severity) {
	f(message, severity)
}

type logNotifier struct {
	logger Logger
}

func (n logNotifier) Notify(message string, severity Severity) {
	switch severity {
	case SeverityError:
		n.logger.Errorf("%s", message)
	case SeverityWarning:
		n.logger.Warnf("%s", message)
	default:
		n.logger.Infof("%s", message)
	}
}

// Metrics receives session level measurements.
type Metrics interface {
	SessionStarted(mode models.ExecutionMode)
	SessionFinished(status models.ExecutionStatus, duration time.Duration)
	FrameDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(models.ExecutionMode)                   {}
func (noopMetrics) SessionFinished(models.ExecutionStatus, time.Duration) {}
func (noopMetrics) FrameDropped(string)                                   {}

type Option func(*ExecutionService)

func WithNotifier(n Notifier) Option {
	return func(s *ExecutionService) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *ExecutionService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithIDGenerator replaces NewExecutionID, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *ExecutionService) {
		if fn != nil {
			s.newID = fn
		}
	}
}
