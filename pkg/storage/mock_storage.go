package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Recorder with in-memory storage
type mockStore struct {
	mu         sync.RWMutex
	executions map[string]*models.ExecutionRecord
	logs       map[string][]models.ExecutionLogLine
}

// mockTx stages writes and applies them to the store on Commit. Reads outside
// GetExecution see committed data only.
type mockTx struct {
	*mockStore
	records   map[string]*models.ExecutionRecord
	created   map[string]bool
	lines     map[string][]models.ExecutionLogLine
	limits    map[string]int
	order     []string
	committed bool
	closed    bool
}

func NewMockStore() Recorder {
	return &mockStore{
		executions: make(map[string]*models.ExecutionRecord),
		logs:       make(map[string][]models.ExecutionLogLine),
	}
}

func (m *mockStore) Begin() (Recorder, error) {
	return &mockTx{
		mockStore: m,
		records:   make(map[string]*models.ExecutionRecord),
		created:   make(map[string]bool),
		lines:     make(map[string][]models.ExecutionLogLine),
		limits:    make(map[string]int),
	}, nil
}

func (m *mockStore) Commit() error {
	return errors.New("cannot commit: not a transaction")
}

func (m *mockStore) Rollback() error {
	return errors.New("cannot rollback: not a transaction")
}

func (m *mockStore) Close() error {
	return nil
}

func (tx *mockTx) Begin() (Recorder, error) {
	return nil, errors.New("transaction already started")
}

func (tx *mockTx) Commit() error {
	if tx.committed {
		return errors.New("already committed")
	}
	if tx.closed {
		return errors.New("transaction rolled back")
	}
	tx.mockStore.mu.Lock()
	defer tx.mockStore.mu.Unlock()
	for id := range tx.created {
		if _, exists := tx.mockStore.executions[id]; exists {
			return errors.Errorf("execution %s already exists", id)
		}
	}
	for _, id := range tx.order {
		rec := *tx.records[id]
		tx.mockStore.executions[id] = &rec
		if lines := tx.lines[id]; len(lines) > 0 {
			tx.mockStore.logs[id] = keepNewest(append(tx.mockStore.logs[id], lines...), tx.limits[id])
		}
	}
	tx.committed = true
	return nil
}

func (tx *mockTx) Rollback() error {
	if tx.committed {
		return errors.New("cannot rollback committed transaction")
	}
	tx.closed = true
	tx.records, tx.created, tx.lines, tx.order = nil, nil, nil, nil
	return nil
}

func (tx *mockTx) usable() error {
	if tx.committed {
		return errors.New("transaction already committed")
	}
	if tx.closed {
		return errors.New("transaction rolled back")
	}
	return nil
}

// staged returns the record as this transaction sees it, copying it from the
// store on first use.
func (tx *mockTx) staged(executionID string) (*models.ExecutionRecord, error) {
	if rec, ok := tx.records[executionID]; ok {
		return rec, nil
	}
	rec, err := tx.mockStore.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	tx.records[executionID] = &rec
	tx.order = append(tx.order, executionID)
	return &rec, nil
}

func (tx *mockTx) GetExecution(executionID string) (models.ExecutionRecord, error) {
	if err := tx.usable(); err != nil {
		return models.ExecutionRecord{}, err
	}
	if rec, ok := tx.records[executionID]; ok {
		return *rec, nil
	}
	return tx.mockStore.GetExecution(executionID)
}

func (tx *mockTx) SaveExecution(rec models.ExecutionRecord) error {
	if err := tx.usable(); err != nil {
		return err
	}
	if _, err := tx.GetExecution(rec.ExecutionID); err == nil {
		return errors.Errorf("execution %s already exists", rec.ExecutionID)
	}
	tx.records[rec.ExecutionID] = &rec
	tx.created[rec.ExecutionID] = true
	tx.order = append(tx.order, rec.ExecutionID)
	return nil
}

func (tx *mockTx) UpdateExecutionStatus(executionID string, status models.ExecutionStatus) error {
	if err := tx.usable(); err != nil {
		return err
	}
	rec, err := tx.staged(executionID)
	if err != nil {
		return err
	}
	rec.Status = status
	return nil
}

func (tx *mockTx) FinalizeExecution(executionID string, status models.ExecutionStatus, summary *models.ExecutionSummary) error {
	if err := tx.usable(); err != nil {
		return err
	}
	rec, err := tx.staged(executionID)
	if err != nil {
		return err
	}
	finalize(rec, status, summary)
	return nil
}

func (tx *mockTx) AppendLogLine(executionID string, line models.ExecutionLogLine, limit int) error {
	if err := tx.usable(); err != nil {
		return err
	}
	rec, err := tx.staged(executionID)
	if err != nil {
		return err
	}
	tx.lines[executionID] = append(tx.lines[executionID], line)
	tx.limits[executionID] = limit
	rec.LastLineAt = line.Timestamp
	return nil
}

func (m *mockStore) SaveExecution(rec models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[rec.ExecutionID]; exists {
		return errors.Errorf("execution %s already exists", rec.ExecutionID)
	}
	m.executions[rec.ExecutionID] = &rec
	return nil
}

func (m *mockStore) GetExecution(executionID string) (models.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return models.ExecutionRecord{}, ErrNotFound
	}
	return *rec, nil
}

func (m *mockStore) UpdateExecutionStatus(executionID string, status models.ExecutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	return nil
}

func (m *mockStore) FinalizeExecution(executionID string, status models.ExecutionStatus, summary *models.ExecutionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	finalize(rec, status, summary)
	return nil
}

func finalize(rec *models.ExecutionRecord, status models.ExecutionStatus, summary *models.ExecutionSummary) {
	rec.Status = status
	rec.Summary = summary
	if summary != nil {
		rec.LastLineAt = summary.CompletedAt
	}
}

func (m *mockStore) AppendLogLine(executionID string, line models.ExecutionLogLine, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	m.logs[executionID] = keepNewest(append(m.logs[executionID], line), limit)
	rec.LastLineAt = line.Timestamp
	return nil
}

func keepNewest(buf []models.ExecutionLogLine, limit int) []models.ExecutionLogLine {
	if limit > 0 && len(buf) > limit {
		return append([]models.ExecutionLogLine(nil), buf[len(buf)-limit:]...)
	}
	return buf
}

func (m *mockStore) ListExecutions(_ context.Context, limit int) ([]models.ExecutionRecord, error) {
	m.mu.RLock()
	records := make([]models.ExecutionRecord, 0, len(m.executions))
	for _, rec := range m.executions {
		records = append(records, *rec)
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return parseTime(records[i].StartedAt).After(parseTime(records[j].StartedAt))
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *mockStore) GetExecutionLogs(_ context.Context, executionID string) ([]models.ExecutionLogLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lines := make([]models.ExecutionLogLine, len(m.logs[executionID]))
	copy(lines, m.logs[executionID])
	return lines, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
