package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ignatij/execflow/internal/log"
	"github.com/ignatij/execflow/internal/runner"
	"github.com/ignatij/execflow/pkg/models"
)

const (
	invalidPayloadMessage   = "Invalid execution request payload"
	commandRequiredMessage  = "Command is required for execution"
	namespaceRequiredReason = "namespace is required for Kubernetes-equivalent executions unless allowClusterWide is explicitly enabled"
	interruptedMessage      = "Execution interrupted"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleExecutionList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= maxListLimit {
			limit = n
		}
	}
	records, err := s.records.ListExecutions(r.Context(), limit)
	if err != nil {
		log.GetLogger().Errorf("Failed to list executions: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list executions: %v", err), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, models.ExecutionListResponse{Executions: records})
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("executionId")
	if strings.TrimSpace(executionID) == "" {
		http.Error(w, "executionId is required", http.StatusBadRequest)
		return
	}
	logs, err := s.records.GetExecutionLogs(r.Context(), executionID)
	if err != nil {
		log.WithExecution(executionID).Errorf("Failed to load execution logs: %v", err)
		http.Error(w, fmt.Sprintf("Failed to load execution logs: %v", err), http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []models.ExecutionLogLine{}
	}
	writeJSON(w, http.StatusOK, models.ExecutionLogsResponse{ExecutionID: executionID, Logs: logs})
}

// rejectStart validates a start frame and returns the reason it cannot run.
func rejectStart(start models.StartFrame) string {
	if start.Type != "" && start.Type != models.StartFrameType {
		return fmt.Sprintf("Unsupported execution message type: %s", start.Type)
	}
	if strings.TrimSpace(start.Command) == "" {
		return commandRequiredMessage
	}
	if start.KubernetesEquivalent && strings.TrimSpace(start.Namespace) == "" && !start.AllowClusterWide {
		return namespaceRequiredReason
	}
	return ""
}

// clientWriter serializes writes to the websocket. Once a write fails the
// client is considered gone and later frames are only recorded.
type clientWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
	gone bool
}

func (c *clientWriter) send(frame models.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return nil
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.gone = true
		log.WithExecution(frame.ExecutionID).Warnf("Client went away, execution continues: %v", err)
	}
	return nil
}

func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.GetLogger().Errorf("Execution stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		log.GetLogger().Errorf("Execution stream read error (start message): %v", err)
		return
	}

	var start models.StartFrame
	if err := json.Unmarshal(data, &start); err != nil {
		id := payloadExecutionID(data)
		log.WithExecution(id).Warnf("Invalid execution start payload: %v", err)
		_ = conn.WriteJSON(runner.ErrorFrame(models.StartFrame{ExecutionID: id}, invalidPayloadMessage, err.Error()))
		return
	}
	if reason := rejectStart(start); reason != "" {
		_ = conn.WriteJSON(runner.ErrorFrame(start, reason, ""))
		return
	}
	if start.ExecutionID == "" {
		start.ExecutionID = "exec-" + uuid.NewString()
	}
	s.run(start, &clientWriter{conn: conn})
}

// payloadExecutionID extracts executionId from a start payload that failed to
// decode, so the client can match the error frame. It is empty when the
// payload is not a JSON object or the id is not a string.
func payloadExecutionID(data []byte) string {
	var envelope struct {
		ExecutionID string `json:"executionId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return envelope.ExecutionID
}

// run executes start to completion regardless of the client. A run that ends
// without a terminal frame is closed with an error frame.
func (s *Server) run(start models.StartFrame, client *clientWriter) {
	s.runs.Add(1)
	defer s.runs.Done()

	logger := log.WithExecution(start.ExecutionID)
	logger.Infof("Starting execution of '%s' in %s mode", start.Command, start.Mode)
	begun := time.Now()
	s.metrics.SessionStarted(runner.NewFrame(start, models.StartFrameType).Mode)

	var finished bool
	emit := s.records.Recording(func(frame models.Frame) error {
		if frame.Type.IsTerminal() {
			finished = true
			s.metrics.SessionFinished(frame.Status, time.Since(begun))
		}
		return client.send(frame)
	})

	err := s.runner.Run(s.ctx, start, emit)
	if finished {
		return
	}
	raw := "runner returned without a result"
	if err != nil {
		raw = err.Error()
	}
	logger.Warnf("Execution ended without a result: %s", raw)
	_ = emit(runner.ErrorFrame(start, interruptedMessage, raw))
}
