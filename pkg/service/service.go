package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/storage"
	"github.com/ignatij/execflow/pkg/stream"
	"github.com/pkg/errors"
)

// Messages shown when the stream fails locally. Server-declared errors replace them.
const (
	SendFailedMessage       = "Failed to send execution request"
	ConnectionFailedMessage = "Execution stream connection failed"
	UnexpectedCloseMessage  = "Execution stream closed unexpectedly"
)

// Reasons reported to Metrics.FrameDropped by the service.
const (
	DropReasonInvalidTransition = "invalid_transition"
	DropReasonForeign           = "foreign"
)

var ErrNoPreviousExecution = errors.New("no previous execution to retry")

// Logger defines the logging interface for ExecutionService
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// PanelState is an immutable snapshot of everything the execution panel renders.
type PanelState struct {
	Session

	PanelOpen               bool                          `json:"panelOpen"`
	PanelExpanded           bool                          `json:"panelExpanded"`
	AutoScrollEnabled       bool                          `json:"autoScrollEnabled"`
	HasManualScroll         bool                          `json:"hasManualScroll"`
	LastRequest             *models.StartExecutionOptions `json:"lastRequest,omitempty"`
	RecentExecutions        []models.ExecutionRecord      `json:"recentExecutions"`
	RecentExecutionsLoading bool                          `json:"recentExecutionsLoading"`
}

// Duration is DurationText over the snapshot.
func (p PanelState) Duration() string {
	return DurationText(p.Summary, p.StartedAt, p.CompletedAt)
}

// CombinedOutput is CombinedOutput over the snapshot's lines.
func (p PanelState) CombinedOutput() string {
	return CombinedOutput(p.Lines)
}

// Severity is TallySeverity over the snapshot's lines.
func (p PanelState) Severity() SeverityTally {
	return TallySeverity(p.Lines)
}

// ExecutionService drives the execution panel: one live session at a time,
// streamed through a stream.Manager, plus access to the execution history.
type ExecutionService struct {
	store    storage.Store
	streams  *stream.Manager
	logger   Logger
	notifier Notifier
	metrics  Metrics
	newID    func() string

	mu               sync.Mutex
	machine          *Machine
	panelOpen        bool
	panelExpanded    bool
	autoScroll       bool
	manualScroll     bool
	lastRequest      *models.StartExecutionOptions
	recent           []models.ExecutionRecord
	recentLoading    bool
	sessionStartedAt time.Time
	notifyMu         sync.Mutex
	subscribers      map[int]func(PanelState)
	nextSubscriberID int
}

func NewExecutionService(dialer stream.Dialer, store storage.Store, logger Logger, opts ...Option) *ExecutionService {
	s := &ExecutionService{
		store:       store,
		logger:      logger,
		notifier:    logNotifier{logger: logger},
		metrics:     noopMetrics{},
		newID:       NewExecutionID,
		machine:     NewMachine(),
		autoScroll:  true,
		subscribers: make(map[int]func(PanelState)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.streams = stream.NewManager(dialer, streamHandler{s: s}, logger)
	s.streams.SetMetrics(s.metrics)
	return s
}

// NewExecutionID returns a fresh opaque session identity.
func NewExecutionID() string {
	return "exec-" + uuid.NewString()
}

// StartExecution supersedes any current session and starts a new one. State is
// reset to planned before this returns; connection outcomes arrive asynchronously.
// Only invalid options are reported as an error.
func (s *ExecutionService) StartExecution(opts models.StartExecutionOptions) (string, error) {
	if err := validateOptions(opts); err != nil {
		return "", err
	}
	snapshot := cloneOptions(opts)
	executionID := s.newID()

	s.mu.Lock()
	s.machine.Start(executionID, snapshot)
	s.panelOpen = true
	s.panelExpanded = true
	s.autoScroll = true
	s.manualScroll = false
	s.lastRequest = &snapshot
	s.sessionStartedAt = time.Now()
	// Swapping the manager's session under mu keeps frames of the previous
	// session from reaching the freshly reset state.
	s.streams.Open(snapshot.StartFrame(executionID))
	s.publishLocked()

	s.metrics.SessionStarted(snapshot.Mode)
	s.logger.Infof("Started execution %s (%s %s)", executionID, snapshot.Mode, snapshot.Command)
	return executionID, nil
}

// RetryLastExecution starts the last requested execution again under a new id.
func (s *ExecutionService) RetryLastExecution() (string, error) {
	s.mu.Lock()
	last := s.lastRequest
	s.mu.Unlock()
	if last == nil {
		s.notifier.Notify("No previous execution to retry", SeverityWarning)
		return "", ErrNoPreviousExecution
	}
	return s.StartExecution(*last)
}

// HideExecutionPanel closes the panel; the session keeps running.
func (s *ExecutionService) HideExecutionPanel() {
	s.mu.Lock()
	s.panelOpen = false
	s.publishLocked()
}

func (s *ExecutionService) ToggleExecutionPanelExpanded() {
	s.mu.Lock()
	s.panelExpanded = !s.panelExpanded
	s.publishLocked()
}

// OnUserManualScroll disables auto scrolling until EnableAutoScroll.
func (s *ExecutionService) OnUserManualScroll() {
	s.mu.Lock()
	s.manualScroll = true
	s.autoScroll = false
	s.publishLocked()
}

func (s *ExecutionService) EnableAutoScroll() {
	s.mu.Lock()
	s.manualScroll = false
	s.autoScroll = true
	s.publishLocked()
}

// ClearExecutionOutput empties lines, summary and errors. The status is kept.
func (s *ExecutionService) ClearExecutionOutput() {
	s.mu.Lock()
	s.machine.ClearOutput()
	s.publishLocked()
}

// Snapshot returns the current panel state.
func (s *ExecutionService) Snapshot() PanelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive every new snapshot, in order. fn runs on
// the goroutine that changed the state and must not call back into the service.
func (s *ExecutionService) Subscribe(fn func(PanelState)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextSubscriberID
	s.nextSubscriberID++
	s.subscribers[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.subscribers, id)
	}
}

// Close drops the live connection, if any, without changing the session.
func (s *ExecutionService) Close() {
	s.streams.Close()
}

func (s *ExecutionService) snapshotLocked() PanelState {
	var last *models.StartExecutionOptions
	if s.lastRequest != nil {
		cp := cloneOptions(*s.lastRequest)
		last = &cp
	}
	return PanelState{
		Session:                 s.machine.Snapshot(),
		PanelOpen:               s.panelOpen,
		PanelExpanded:           s.panelExpanded,
		AutoScrollEnabled:       s.autoScroll,
		HasManualScroll:         s.manualScroll,
		LastRequest:             last,
		RecentExecutions:        append([]models.ExecutionRecord{}, s.recent...),
		RecentExecutionsLoading: s.recentLoading,
	}
}

// publishLocked must be called with mu held and releases it. Subscribers are
// invoked after mu is released but before any later change can publish.
func (s *ExecutionService) publishLocked() {
	snapshot := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, fn := range s.subscribers {
		fn(snapshot)
	}
}

// finishedLocked reports a terminal transition to metrics and logs.
func (s *ExecutionService) finishedLocked() {
	session := s.machine.Snapshot()
	duration := time.Since(s.sessionStartedAt)
	if session.Summary != nil {
		duration = time.Duration(session.Summary.DurationMs) * time.Millisecond
	}
	s.metrics.SessionFinished(session.Status, duration)
	if session.Status == models.FailedExecutionStatus {
		s.logger.Warnf("Execution %s failed: %s", session.ExecutionID, session.Error)
		return
	}
	s.logger.Infof("Execution %s %s in %s", session.ExecutionID, session.Status, DurationText(session.Summary, session.StartedAt, session.CompletedAt))
}

func validateOptions(opts models.StartExecutionOptions) error {
	if opts.Command == "" {
		return errors.New("execution command cannot be empty")
	}
	switch opts.Mode {
	case models.DryRunExecutionMode, models.ApplyExecutionMode:
	default:
		return errors.Errorf("invalid execution mode %q; must be 'dry-run' or 'apply'", opts.Mode)
	}
	return nil
}

func cloneOptions(opts models.StartExecutionOptions) models.StartExecutionOptions {
	if opts.Args != nil {
		opts.Args = append([]string{}, opts.Args...)
	}
	if opts.DryRun != nil {
		dryRun := *opts.DryRun
		opts.DryRun = &dryRun
	}
	return opts
}

// streamHandler receives stream events for the service.
type streamHandler struct {
	s *ExecutionService
}

func (h streamHandler) HandleFrame(frame models.Frame) {
	s := h.s
	s.mu.Lock()
	if err := s.machine.Apply(frame); err != nil {
		s.mu.Unlock()
		reason := DropReasonInvalidTransition
		if errors.Is(err, ErrForeignFrame) {
			reason = DropReasonForeign
		}
		s.logger.Warnf("Execution %s: dropping %s frame: %v", frame.ExecutionID, frame.Type, err)
		s.metrics.FrameDropped(reason)
		return
	}
	if s.machine.Status().IsTerminal() {
		s.finishedLocked()
	}
	s.publishLocked()
}

func (h streamHandler) HandleSendError(executionID string, err error) {
	h.fail(executionID, SendFailedMessage, err, true)
}

func (h streamHandler) HandleTransportError(executionID string, err error) {
	h.fail(executionID, ConnectionFailedMessage, err, false)
}

func (h streamHandler) HandleClosed(executionID string) {
	h.fail(executionID, UnexpectedCloseMessage, nil, false)
}

func (h streamHandler) fail(executionID, message string, cause error, overwrite bool) {
	s := h.s
	raw := ""
	if cause != nil {
		raw = cause.Error()
	}
	s.mu.Lock()
	if !s.machine.Fail(executionID, message, raw, overwrite) {
		s.mu.Unlock()
		return
	}
	s.finishedLocked()
	s.publishLocked()
}
