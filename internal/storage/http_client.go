package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/pkg/errors"
)

// HTTPStore reads the execution history from the remote log service.
type HTTPStore struct {
	baseURL     string
	historyPath string
	client      *http.Client
}

func NewHTTPStore(serverURL, historyPath string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		baseURL:     strings.TrimRight(serverURL, "/"),
		historyPath: "/" + strings.Trim(historyPath, "/"),
		client:      &http.Client{Timeout: timeout},
	}
}

// ListExecutions calls GET <history>?limit=N.
func (s *HTTPStore) ListExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var body models.ExecutionListResponse
	if err := s.get(ctx, s.historyPath, query, &body); err != nil {
		return nil, errors.WithMessage(err, "list executions")
	}
	if body.Executions == nil {
		body.Executions = []models.ExecutionRecord{}
	}
	return body.Executions, nil
}

// GetExecutionLogs calls GET <history>/logs?executionId=....
func (s *HTTPStore) GetExecutionLogs(ctx context.Context, executionID string) ([]models.ExecutionLogLine, error) {
	query := url.Values{}
	query.Set("executionId", executionID)
	var body models.ExecutionLogsResponse
	if err := s.get(ctx, s.historyPath+"/logs", query, &body); err != nil {
		return nil, errors.WithMessagef(err, "get logs of %s", executionID)
	}
	if body.Logs == nil {
		body.Logs = []models.ExecutionLogLine{}
	}
	return body.Logs, nil
}

func (s *HTTPStore) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("GET %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}
