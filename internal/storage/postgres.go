package storage

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Get(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

// executionRow mirrors the executions table.
type executionRow struct {
	ExecutionID      string        `db:"execution_id"`
	Status           string        `db:"status"`
	StartedAt        time.Time     `db:"started_at"`
	LastLineAt       sql.NullTime  `db:"last_line_at"`
	CompletedAt      sql.NullTime  `db:"completed_at"`
	DurationMs       sql.NullInt64 `db:"duration_ms"`
	ExitCode         sql.NullInt64 `db:"exit_code"`
	SummaryStartedAt sql.NullTime  `db:"summary_started_at"`
	Created          sql.NullInt64 `db:"created"`
	Configured       sql.NullInt64 `db:"configured"`
	Unchanged        sql.NullInt64 `db:"unchanged"`
	Deleted          sql.NullInt64 `db:"deleted"`
}

// logRow mirrors the execution_logs table.
type logRow struct {
	Timestamp time.Time `db:"ts"`
	Stream    string    `db:"stream"`
	Text      string    `db:"text"`
}

const executionColumns = `execution_id, status, started_at, last_line_at, completed_at, duration_ms,
	exit_code, summary_started_at, created, configured, unchanged, deleted`

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Recorder, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveExecution registers a new execution
func (s *PostgresStore) SaveExecution(rec models.ExecutionRecord) error {
	started, err := parseTime(rec.StartedAt)
	if err != nil {
		return errors.Wrapf(err, "save execution %s", rec.ExecutionID)
	}
	_, err = s.db.Exec("INSERT INTO executions (execution_id, status, started_at) VALUES ($1, $2, $3)",
		rec.ExecutionID, rec.Status, started)
	if err != nil {
		return errors.Wrapf(err, "save execution %s", rec.ExecutionID)
	}
	if rec.Summary != nil {
		return s.FinalizeExecution(rec.ExecutionID, rec.Status, rec.Summary)
	}
	return nil
}

// GetExecution retrieves an execution by ID, including its summary once finished
func (s *PostgresStore) GetExecution(executionID string) (models.ExecutionRecord, error) {
	var row executionRow
	err := s.db.Get(&row, "SELECT "+executionColumns+" FROM executions WHERE execution_id = $1", executionID)
	if err == sql.ErrNoRows {
		return models.ExecutionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ExecutionRecord{}, errors.Wrapf(err, "get execution %s", executionID)
	}
	return row.record(), nil
}

func (s *PostgresStore) UpdateExecutionStatus(executionID string, status models.ExecutionStatus) error {
	res, err := s.db.Exec("UPDATE executions SET status = $1 WHERE execution_id = $2", status, executionID)
	if err != nil {
		return errors.Wrapf(err, "update execution %s", executionID)
	}
	return requireRow(res)
}

// FinalizeExecution stores the terminal status and, when present, the summary
func (s *PostgresStore) FinalizeExecution(executionID string, status models.ExecutionStatus, summary *models.ExecutionSummary) error {
	if summary == nil {
		return s.UpdateExecutionStatus(executionID, status)
	}
	started, err := parseTime(summary.StartedAt)
	if err != nil {
		return errors.Wrapf(err, "finalize execution %s", executionID)
	}
	completed, err := parseTime(summary.CompletedAt)
	if err != nil {
		return errors.Wrapf(err, "finalize execution %s", executionID)
	}
	var rc models.ResourcesChanged
	hasResources := summary.ResourcesChanged != nil
	if hasResources {
		rc = *summary.ResourcesChanged
	}
	res, err := s.db.Exec(`
		UPDATE executions
		SET status = $1,
		summary_started_at = $2,
		completed_at = $3,
		last_line_at = $3,
		duration_ms = $4,
		exit_code = $5,
		created = CASE WHEN $6::boolean THEN $7::int ELSE NULL END,
		configured = CASE WHEN $6::boolean THEN $8::int ELSE NULL END,
		unchanged = CASE WHEN $6::boolean THEN $9::int ELSE NULL END,
		deleted = CASE WHEN $6::boolean THEN $10::int ELSE NULL END
		WHERE execution_id = $11`,
		status, started, completed, summary.DurationMs, summary.ExitCode,
		hasResources, rc.Created, rc.Configured, rc.Unchanged, rc.Deleted, executionID)
	if err != nil {
		return errors.Wrapf(err, "finalize execution %s", executionID)
	}
	return requireRow(res)
}

// AppendLogLine stores a line and drops the oldest lines beyond limit
func (s *PostgresStore) AppendLogLine(executionID string, line models.ExecutionLogLine, limit int) error {
	ts, err := parseTime(line.Timestamp)
	if err != nil {
		return errors.Wrapf(err, "append log line to %s", executionID)
	}
	res, err := s.db.Exec("UPDATE executions SET last_line_at = $1 WHERE execution_id = $2", ts, executionID)
	if err != nil {
		return errors.Wrapf(err, "append log line to %s", executionID)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT INTO execution_logs (execution_id, ts, stream, text) VALUES ($1, $2, $3, $4)",
		executionID, ts, line.Stream, line.Text)
	if err != nil {
		return errors.Wrapf(err, "append log line to %s", executionID)
	}
	if limit <= 0 {
		return nil
	}
	_, err = s.db.Exec(`
		DELETE FROM execution_logs
		WHERE execution_id = $1 AND id NOT IN (
			SELECT id FROM execution_logs WHERE execution_id = $1 ORDER BY id DESC LIMIT $2
		)`, executionID, limit)
	if err != nil {
		return errors.Wrapf(err, "trim log of %s", executionID)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows := []executionRow{}
	query := "SELECT " + executionColumns + " FROM executions ORDER BY started_at DESC LIMIT $1"
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	records := make([]models.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func (s *PostgresStore) GetExecutionLogs(ctx context.Context, executionID string) ([]models.ExecutionLogLine, error) {
	rows := []logRow{}
	err := s.db.SelectContext(ctx, &rows, "SELECT ts, stream, text FROM execution_logs WHERE execution_id = $1 ORDER BY id", executionID)
	if err != nil {
		return nil, errors.Wrapf(err, "get logs of %s", executionID)
	}
	lines := make([]models.ExecutionLogLine, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, models.ExecutionLogLine{
			Timestamp: formatTime(row.Timestamp),
			Stream:    models.StreamType(row.Stream),
			Text:      row.Text,
		})
	}
	return lines, nil
}

func (r executionRow) record() models.ExecutionRecord {
	rec := models.ExecutionRecord{
		ExecutionID: r.ExecutionID,
		Status:      models.ExecutionStatus(r.Status),
		StartedAt:   formatTime(r.StartedAt),
	}
	if r.LastLineAt.Valid {
		rec.LastLineAt = formatTime(r.LastLineAt.Time)
	}
	if !r.CompletedAt.Valid {
		return rec
	}
	summary := &models.ExecutionSummary{
		StartedAt:   rec.StartedAt,
		CompletedAt: formatTime(r.CompletedAt.Time),
		DurationMs:  r.DurationMs.Int64,
		ExitCode:    int(r.ExitCode.Int64),
	}
	if r.SummaryStartedAt.Valid {
		summary.StartedAt = formatTime(r.SummaryStartedAt.Time)
	}
	if r.Created.Valid {
		summary.ResourcesChanged = &models.ResourcesChanged{
			Created:    int(r.Created.Int64),
			Configured: int(r.Configured.Int64),
			Unchanged:  int(r.Unchanged.Int64),
			Deleted:    int(r.Deleted.Int64),
		}
	}
	rec.Summary = summary
	return rec
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
