package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/pkg/errors"
)

// Reasons reported to Metrics.FrameDropped.
const (
	DropReasonParse = "parse"
	DropReasonStale = "stale"
)

// Logger defines the logging interface for Manager
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Metrics receives transport-level counters.
type Metrics interface {
	FrameDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) FrameDropped(string) {}

// Handler receives the events of the active session, in transport delivery order.
// Events of superseded sessions are never delivered.
type Handler interface {
	HandleFrame(frame models.Frame)
	// HandleSendError reports that the start frame never reached the server.
	HandleSendError(executionID string, err error)
	// HandleTransportError reports a dial or read failure.
	HandleTransportError(executionID string, err error)
	// HandleClosed reports that the server closed the stream before a terminal frame.
	HandleClosed(executionID string)
}

// Manager owns the single live connection of the execution panel. Opening a new
// session always closes the previous one first.
type Manager struct {
	dialer  Dialer
	handler Handler
	logger  Logger
	metrics Metrics

	mu     sync.Mutex
	active *session
}

// session is the connection state of one execution id.
type session struct {
	executionID string
	cancel      context.CancelFunc

	mu     sync.Mutex
	conn   Conn
	closed bool
}

func NewManager(dialer Dialer, handler Handler, logger Logger) *Manager {
	return &Manager{
		dialer:  dialer,
		handler: handler,
		logger:  logger,
		metrics: noopMetrics{},
	}
}

// SetMetrics replaces the metrics sink; nil restores the no-op sink.
func (m *Manager) SetMetrics(metrics Metrics) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	m.metrics = metrics
}

// Open supersedes any open session and starts a new one. Dialing, sending the
// start frame and reading happen in the background; outcomes reach the Handler.
func (m *Manager) Open(start models.StartFrame) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{executionID: start.ExecutionID, cancel: cancel}

	m.mu.Lock()
	prev := m.active
	m.active = s
	m.mu.Unlock()

	if prev != nil {
		m.logger.Infof("Superseding execution %s with %s", prev.executionID, s.executionID)
		prev.close()
	}
	go m.run(ctx, s, start)
}

// Close closes the active session's connection without notifying the Handler
// and reports whether there was one. Closing when nothing is open is a no-op.
func (m *Manager) Close() bool {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.close()
	return true
}

// ActiveExecutionID returns the execution id whose frames are currently accepted.
func (m *Manager) ActiveExecutionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.executionID, true
}

func (m *Manager) isActive(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active == s
}

// release drops s as the active session and closes its connection.
func (m *Manager) release(s *session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
	s.close()
}

func (m *Manager) run(ctx context.Context, s *session, start models.StartFrame) {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		if m.isActive(s) {
			m.logger.Errorf("Execution %s: stream connection failed: %v", s.executionID, err)
			m.release(s)
			m.handler.HandleTransportError(s.executionID, err)
		}
		return
	}
	if !s.attach(conn) {
		// Superseded while dialing
		_ = conn.Close()
		return
	}

	payload, err := json.Marshal(start)
	if err == nil {
		err = conn.Send(payload)
	}
	if err != nil {
		m.logger.Errorf("Execution %s: failed to send start frame: %v", s.executionID, err)
		if m.isActive(s) {
			m.release(s)
			m.handler.HandleSendError(s.executionID, err)
		}
		return
	}
	m.logger.Debugf("Execution %s: start frame sent", s.executionID)
	m.readLoop(s, conn)
}

func (m *Manager) readLoop(s *session, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if !m.isActive(s) {
				return
			}
			m.release(s)
			if errors.Is(err, ErrClosed) {
				m.logger.Warnf("Execution %s: stream closed by server", s.executionID)
				m.handler.HandleClosed(s.executionID)
			} else {
				m.logger.Errorf("Execution %s: stream read failed: %v", s.executionID, err)
				m.handler.HandleTransportError(s.executionID, err)
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warnf("Execution %s: dropping unparsable frame: %v", s.executionID, err)
			m.metrics.FrameDropped(DropReasonParse)
			continue
		}
		if !m.isActive(s) || frame.ExecutionID != s.executionID {
			m.logger.Debugf("Execution %s: dropping frame for execution %q", s.executionID, frame.ExecutionID)
			m.metrics.FrameDropped(DropReasonStale)
			if !m.isActive(s) {
				return
			}
			continue
		}

		m.handler.HandleFrame(frame)
		if frame.Type.IsTerminal() {
			m.logger.Debugf("Execution %s: terminal frame received, closing stream", s.executionID)
			m.release(s)
			return
		}
	}
}

// attach stores conn unless the session was closed while dialing.
func (s *session) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}
