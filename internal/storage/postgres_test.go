package storage_test

import (
	"context"
	"testing"

	internal_storage "github.com/ignatij/execflow/internal/storage"
	"github.com/ignatij/execflow/internal/testutil"
	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}
	ctx := context.Background()

	t.Run("SaveExecution", func(t *testing.T) {
		store := newTxStore(t)
		rec := models.ExecutionRecord{
			ExecutionID: "exec-1",
			Status:      models.RunningExecutionStatus,
			StartedAt:   "2024-05-01T10:00:00Z",
		}
		require.NoError(t, store.SaveExecution(rec))

		saved, err := store.GetExecution("exec-1")
		assert.NoError(t, err)
		assert.Equal(t, rec, saved)
	})

	t.Run("GetNonExistingExecution", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetExecution("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.UpdateExecutionStatus("missing", models.FailedExecutionStatus), storage.ErrNotFound)
	})

	t.Run("FinalizeExecution", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveExecution(models.ExecutionRecord{
			ExecutionID: "exec-1",
			Status:      models.RunningExecutionStatus,
			StartedAt:   "2024-05-01T10:00:00Z",
		}))
		summary := &models.ExecutionSummary{
			StartedAt:        "2024-05-01T10:00:00Z",
			CompletedAt:      "2024-05-01T10:00:04.35Z",
			DurationMs:       4350,
			ExitCode:         0,
			ResourcesChanged: &models.ResourcesChanged{Created: 1, Configured: 2},
		}
		require.NoError(t, store.FinalizeExecution("exec-1", models.SucceededExecutionStatus, summary))

		saved, err := store.GetExecution("exec-1")
		require.NoError(t, err)
		assert.Equal(t, models.SucceededExecutionStatus, saved.Status)
		assert.Equal(t, summary, saved.Summary)
		assert.Equal(t, "2024-05-01T10:00:04.35Z", saved.LastLineAt)
	})

	t.Run("FinalizeWithoutResources", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveExecution(models.ExecutionRecord{
			ExecutionID: "exec-1",
			Status:      models.RunningExecutionStatus,
			StartedAt:   "2024-05-01T10:00:00Z",
		}))
		require.NoError(t, store.FinalizeExecution("exec-1", models.FailedExecutionStatus, &models.ExecutionSummary{
			StartedAt:   "2024-05-01T10:00:00Z",
			CompletedAt: "2024-05-01T10:00:01Z",
			DurationMs:  1000,
			ExitCode:    1,
		}))
		saved, err := store.GetExecution("exec-1")
		require.NoError(t, err)
		require.NotNil(t, saved.Summary)
		assert.Nil(t, saved.Summary.ResourcesChanged)
		assert.Equal(t, 1, saved.Summary.ExitCode)
	})

	t.Run("AppendLogLineTrims", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveExecution(models.ExecutionRecord{
			ExecutionID: "exec-1",
			Status:      models.RunningExecutionStatus,
			StartedAt:   "2024-05-01T10:00:00Z",
		}))
		lines := []models.ExecutionLogLine{
			{Timestamp: "2024-05-01T10:00:01Z", Stream: models.StdoutStream, Text: "one"},
			{Timestamp: "2024-05-01T10:00:02Z", Stream: models.StderrStream, Text: "two"},
			{Timestamp: "2024-05-01T10:00:03Z", Stream: models.StdoutStream, Text: "three"},
		}
		for _, line := range lines {
			require.NoError(t, store.AppendLogLine("exec-1", line, 2))
		}

		logs, err := store.GetExecutionLogs(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, lines[1:], logs)

		saved, err := store.GetExecution("exec-1")
		require.NoError(t, err)
		assert.Equal(t, "2024-05-01T10:00:03Z", saved.LastLineAt)
	})

	t.Run("AppendToUnknownExecution", func(t *testing.T) {
		store := newTxStore(t)
		err := store.AppendLogLine("missing", models.ExecutionLogLine{Timestamp: "2024-05-01T10:00:01Z", Stream: models.StdoutStream}, 10)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("LogsOfUnknownExecutionAreEmpty", func(t *testing.T) {
		store := newTxStore(t)
		logs, err := store.GetExecutionLogs(ctx, "missing")
		assert.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("ListExecutions returns newest first", func(t *testing.T) {
		store := newTxStore(t)
		for _, rec := range []models.ExecutionRecord{
			{ExecutionID: "exec-1", Status: models.SucceededExecutionStatus, StartedAt: "2024-05-01T08:00:00Z"},
			{ExecutionID: "exec-3", Status: models.RunningExecutionStatus, StartedAt: "2024-05-01T10:00:00Z"},
			{ExecutionID: "exec-2", Status: models.FailedExecutionStatus, StartedAt: "2024-05-01T09:00:00Z"},
		} {
			require.NoError(t, store.SaveExecution(rec))
		}

		records, err := store.ListExecutions(ctx, 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "exec-3", records[0].ExecutionID)
		assert.Equal(t, "exec-2", records[1].ExecutionID)

		all, err := store.ListExecutions(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("ListExecutions returns empty list when none exist", func(t *testing.T) {
		store := newTxStore(t)
		records, err := store.ListExecutions(ctx, 20)
		assert.NoError(t, err)
		assert.Empty(t, records)
	})
}
