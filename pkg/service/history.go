package service

import (
	"context"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/pkg/errors"
)

const DefaultRecentLimit = 20

// LoadRecentExecutions replaces the recent list with the newest limit records.
// On failure the user is notified and the previous list is kept.
func (s *ExecutionService) LoadRecentExecutions(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	s.mu.Lock()
	s.recentLoading = true
	s.publishLocked()

	records, err := s.store.ListExecutions(ctx, limit)

	s.mu.Lock()
	s.recentLoading = false
	if err == nil {
		if records == nil {
			records = []models.ExecutionRecord{}
		}
		s.recent = records
	}
	s.publishLocked()

	if err != nil {
		s.logger.Errorf("Failed to load recent executions: %v", err)
		s.notifier.Notify("Failed to load recent executions", SeverityError)
		return errors.Wrap(err, "load recent executions")
	}
	return nil
}

// RecentExecutions returns the last loaded records.
func (s *ExecutionService) RecentExecutions() []models.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ExecutionRecord{}, s.recent...)
}

// ReattachExecution adopts a historical record as the current session and
// loads its stored log once. No live connection is opened, so a still running
// execution is shown as a snapshot until the next reattach.
func (s *ExecutionService) ReattachExecution(ctx context.Context, record models.ExecutionRecord) error {
	s.mu.Lock()
	if s.streams.Close() {
		s.logger.Infof("Closed live stream to reattach execution %s", record.ExecutionID)
	}
	s.machine.Adopt(record)
	s.panelOpen = true
	s.panelExpanded = true
	s.autoScroll = true
	s.manualScroll = false
	s.publishLocked()

	logs, err := s.store.GetExecutionLogs(ctx, record.ExecutionID)
	if err != nil {
		s.logger.Errorf("Failed to load logs of execution %s: %v", record.ExecutionID, err)
		s.notifier.Notify("Failed to load execution logs", SeverityError)
		return errors.Wrapf(err, "load logs of execution %s", record.ExecutionID)
	}

	s.mu.Lock()
	if !s.machine.HydrateLines(record.ExecutionID, logs) {
		// Another session took over while the logs were loading
		s.mu.Unlock()
		s.logger.Debugf("Discarding logs of execution %s: no longer current", record.ExecutionID)
		return nil
	}
	s.publishLocked()
	s.logger.Infof("Reattached execution %s (%s, %d lines)", record.ExecutionID, record.Status, len(logs))
	return nil
}

// AutoReattachMostRecentRunning reattaches the newest record still running on
// the server, if any. It reports whether it reattached.
func (s *ExecutionService) AutoReattachMostRecentRunning(ctx context.Context) (bool, error) {
	if err := s.LoadRecentExecutions(ctx, DefaultRecentLimit); err != nil {
		return false, err
	}
	for _, record := range s.RecentExecutions() {
		if record.Status != models.RunningExecutionStatus {
			continue
		}
		if err := s.ReattachExecution(ctx, record); err != nil {
			return false, err
		}
		s.notifier.Notify("Execution still running, reattached", SeverityInfo)
		return true, nil
	}
	return false, nil
}
