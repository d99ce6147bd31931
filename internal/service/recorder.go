package service

import (
	"context"

	"github.com/ignatij/execflow/internal/log"
	"github.com/ignatij/execflow/internal/runner"
	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/storage"
	"github.com/pkg/errors"
)

// RecordService persists the frames of live executions so they can be listed
// and reattached later.
type RecordService struct {
	store    storage.Recorder
	logLimit int
}

func NewRecordService(store storage.Recorder, logLimit int) *RecordService {
	return &RecordService{store: store, logLimit: logLimit}
}

// Record applies one outgoing frame to the history. Each frame is written in
// its own transaction.
func (s *RecordService) Record(frame models.Frame) (err error) {
	if frame.ExecutionID == "" {
		return errors.New("frame has no execution id")
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	switch frame.Type {
	case models.StateFrameType:
		return s.recordState(txStore, frame)
	case models.LineFrameType:
		line := models.ExecutionLogLine{Timestamp: frame.Timestamp, Stream: frame.Stream, Text: frame.Text}
		if line.Stream == "" {
			line.Stream = models.StdoutStream
		}
		return txStore.AppendLogLine(frame.ExecutionID, line, s.logLimit)
	case models.CompleteFrameType, models.ErrorFrameType:
		return s.recordTerminal(txStore, frame)
	default:
		// phase frames are not part of the history
		return nil
	}
}

func (s *RecordService) recordState(txStore storage.Recorder, frame models.Frame) error {
	if _, err := txStore.GetExecution(frame.ExecutionID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		rec := models.ExecutionRecord{
			ExecutionID: frame.ExecutionID,
			Status:      frame.Status,
			StartedAt:   frame.Timestamp,
			LastLineAt:  frame.Timestamp,
		}
		if err := txStore.SaveExecution(rec); err != nil {
			return err
		}
		log.WithExecution(frame.ExecutionID).Infof("Registered execution with status '%s'", frame.Status)
		return nil
	}
	return txStore.UpdateExecutionStatus(frame.ExecutionID, frame.Status)
}

func (s *RecordService) recordTerminal(txStore storage.Recorder, frame models.Frame) error {
	status := frame.Status
	if status == "" || !status.IsTerminal() {
		status = models.FailedExecutionStatus
	}
	if _, err := txStore.GetExecution(frame.ExecutionID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		// rejected before it ever started running
		rec := models.ExecutionRecord{
			ExecutionID: frame.ExecutionID,
			Status:      status,
			StartedAt:   frame.Timestamp,
			LastLineAt:  frame.Timestamp,
		}
		if err := txStore.SaveExecution(rec); err != nil {
			return err
		}
	}
	if err := txStore.FinalizeExecution(frame.ExecutionID, status, frame.Summary); err != nil {
		return err
	}
	log.WithExecution(frame.ExecutionID).Infof("Finalized execution with status '%s'", status)
	return nil
}

// Recording wraps emit so that every frame is masked and recorded before it is
// delivered. Recording failures are logged and never stop the execution.
func (s *RecordService) Recording(emit runner.Emit) runner.Emit {
	return func(frame models.Frame) error {
		if frame.Type == models.LineFrameType {
			frame.Text = runner.MaskSecrets(frame.Text)
		}
		if err := s.Record(frame); err != nil {
			log.WithExecution(frame.ExecutionID).Errorf("Failed to record %s frame: %v", frame.Type, err)
		}
		return emit(frame)
	}
}

// ListExecutions returns the newest executions first.
func (s *RecordService) ListExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, limit)
}

func (s *RecordService) GetExecutionLogs(ctx context.Context, executionID string) ([]models.ExecutionLogLine, error) {
	return s.store.GetExecutionLogs(ctx, executionID)
}
