package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignatij/execflow/internal/config"
	internal_http "github.com/ignatij/execflow/internal/http"
	"github.com/ignatij/execflow/internal/log"
	"github.com/ignatij/execflow/internal/runner"
	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/service"
	"github.com/ignatij/execflow/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScripts = `
scripts:
  - name: apply
    command: kubectl
    args: [apply]
    steps:
      - phase: Validating manifest
      - line: "deployment.apps/web configured"
  - name: fail
    command: kubectl
    args: [delete]
    steps:
      - line: "Error from server (Forbidden)"
        stream: stderr
    exit_code: 1
`

func testConfig() *config.Config {
	return &config.Config{
		StreamPath:  "/api/execution/stream",
		HistoryPath: "/api/executions",
		RecentLimit: 20,
		DialTimeout: time.Second,
		HTTPTimeout: time.Second,
	}
}

func newLogService(t *testing.T) (*httptest.Server, storage.Recorder) {
	t.Helper()
	scripts, err := runner.ParseScripts([]byte(testScripts))
	require.NoError(t, err)
	store := storage.NewMockStore()
	cfg := testConfig()
	s := internal_http.NewServer(store, runner.NewScriptRunner(scripts), 100, nil)
	srv := httptest.NewServer(s.NewRouter(cfg.StreamPath, cfg.HistoryPath, nil))
	t.Cleanup(srv.Close)
	return srv, store
}

func newTestClient(t *testing.T, serverURL string) (*service.ExecutionService, *bytes.Buffer) {
	t.Helper()
	errOut := &bytes.Buffer{}
	svc, err := NewClient(serverURL, testConfig(), errOut)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, errOut
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunExecution(t *testing.T) {
	srv, _ := newLogService(t)

	t.Run("Succeeded", func(t *testing.T) {
		svc, _ := newTestClient(t, srv.URL)
		out := &bytes.Buffer{}
		state, err := runExecution(withTimeout(t), svc, models.StartExecutionOptions{
			Command: "kubectl",
			Args:    []string{"apply", "-f", "web.yaml"},
			Mode:    models.ApplyExecutionMode,
		}, false, out)
		require.NoError(t, err)
		assert.Equal(t, models.SucceededExecutionStatus, state.Status)
		assert.Contains(t, out.String(), "==> Running command: kubectl apply -f web.yaml")
		assert.Contains(t, out.String(), "==> Validating manifest")
		assert.Contains(t, out.String(), "deployment.apps/web configured")
		assert.Contains(t, out.String(), "succeeded "+state.ExecutionID)
		assert.Contains(t, out.String(), "(0 created, 1 configured, 0 unchanged, 0 deleted)")
	})

	t.Run("Failed", func(t *testing.T) {
		svc, _ := newTestClient(t, srv.URL)
		out := &bytes.Buffer{}
		state, err := runExecution(withTimeout(t), svc, models.StartExecutionOptions{
			Command: "kubectl",
			Args:    []string{"delete", "pod/web"},
			Mode:    models.ApplyExecutionMode,
		}, false, out)
		assert.ErrorIs(t, err, ErrExecutionFailed)
		assert.Equal(t, models.FailedExecutionStatus, state.Status)
		assert.Contains(t, out.String(), "Error from server (Forbidden)")
		assert.Contains(t, out.String(), "1 error(s)")
		assert.Contains(t, out.String(), "Error: Command exited with error (code 1)")
	})

	t.Run("RetryOnFailure", func(t *testing.T) {
		svc, _ := newTestClient(t, srv.URL)
		out := &bytes.Buffer{}
		_, err := runExecution(withTimeout(t), svc, models.StartExecutionOptions{
			Command: "kubectl",
			Args:    []string{"delete", "pod/web"},
			Mode:    models.ApplyExecutionMode,
		}, true, out)
		assert.ErrorIs(t, err, ErrExecutionFailed)
		assert.Contains(t, out.String(), "Retrying...")
		assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("Error: Command exited with error (code 1)")))
	})

	t.Run("Rejected", func(t *testing.T) {
		svc, _ := newTestClient(t, srv.URL)
		out := &bytes.Buffer{}
		state, err := runExecution(withTimeout(t), svc, models.StartExecutionOptions{
			Command:              "kubectl",
			Args:                 []string{"apply"},
			Mode:                 models.ApplyExecutionMode,
			KubernetesEquivalent: true,
		}, false, out)
		assert.ErrorIs(t, err, ErrExecutionFailed)
		assert.Contains(t, state.Error, "namespace is required")
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		svc, _ := newTestClient(t, srv.URL)
		_, err := runExecution(withTimeout(t), svc, models.StartExecutionOptions{Mode: models.ApplyExecutionMode}, false, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestHistoryCommands(t *testing.T) {
	srv, store := newLogService(t)
	svc, _ := newTestClient(t, srv.URL)
	state, err := runExecution(withTimeout(t), svc, models.StartExecutionOptions{
		Command: "kubectl",
		Args:    []string{"apply"},
		Mode:    models.ApplyExecutionMode,
	}, false, &bytes.Buffer{})
	require.NoError(t, err)

	t.Run("List", func(t *testing.T) {
		client, _ := newTestClient(t, srv.URL)
		out := &bytes.Buffer{}
		require.NoError(t, listExecutions(withTimeout(t), client, 10, out))
		assert.Contains(t, out.String(), state.ExecutionID)
		assert.Contains(t, out.String(), "succeeded")
	})

	t.Run("ListEmpty", func(t *testing.T) {
		empty, _ := newLogService(t)
		client, _ := newTestClient(t, empty.URL)
		out := &bytes.Buffer{}
		require.NoError(t, listExecutions(withTimeout(t), client, 10, out))
		assert.Equal(t, "No executions found.\n", out.String())
	})

	t.Run("AttachByID", func(t *testing.T) {
		client, _ := newTestClient(t, srv.URL)
		out := &bytes.Buffer{}
		require.NoError(t, attachExecution(withTimeout(t), client, state.ExecutionID, false, attachSearchLimit, out))
		assert.Contains(t, out.String(), "deployment.apps/web configured")
		assert.Contains(t, out.String(), "succeeded "+state.ExecutionID)
	})

	t.Run("AttachUnknown", func(t *testing.T) {
		client, _ := newTestClient(t, srv.URL)
		err := attachExecution(withTimeout(t), client, "ghost", false, attachSearchLimit, &bytes.Buffer{})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AttachBeyondDefaultPage", func(t *testing.T) {
		older, olderStore := newLogService(t)
		base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		for i := 0; i < 25; i++ {
			require.NoError(t, olderStore.SaveExecution(models.ExecutionRecord{
				ExecutionID: fmt.Sprintf("exec-%02d", i),
				Status:      models.SucceededExecutionStatus,
				StartedAt:   base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			}))
		}
		require.NoError(t, olderStore.AppendLogLine("exec-00", models.ExecutionLogLine{
			Timestamp: base.Format(time.RFC3339),
			Stream:    models.StdoutStream,
			Text:      "namespace/oldest created",
		}, 100))

		client, _ := newTestClient(t, older.URL)
		out := &bytes.Buffer{}
		require.NoError(t, attachExecution(withTimeout(t), client, "exec-00", false, attachSearchLimit, out))
		assert.Contains(t, out.String(), "namespace/oldest created")
		assert.Contains(t, out.String(), "succeeded exec-00")

		narrow, _ := newTestClient(t, older.URL)
		err := attachExecution(withTimeout(t), narrow, "exec-00", false, service.DefaultRecentLimit, &bytes.Buffer{})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AutoAttachWithoutRunning", func(t *testing.T) {
		client, _ := newTestClient(t, srv.URL)
		out := &bytes.Buffer{}
		require.NoError(t, attachExecution(withTimeout(t), client, "", true, attachSearchLimit, out))
		assert.Equal(t, "No running execution to attach to.\n", out.String())
	})

	t.Run("AutoAttachRunning", func(t *testing.T) {
		require.NoError(t, store.SaveExecution(models.ExecutionRecord{
			ExecutionID: "exec-running",
			Status:      models.RunningExecutionStatus,
			StartedAt:   time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		}))
		client, errOut := newTestClient(t, srv.URL)
		out := &bytes.Buffer{}
		require.NoError(t, attachExecution(withTimeout(t), client, "", true, attachSearchLimit, out))
		assert.Contains(t, out.String(), "running exec-running")
		assert.Contains(t, errOut.String(), "Execution still running, reattached")
	})
}

func TestSetupCLI(t *testing.T) {
	srv, _ := newLogService(t)
	cfg := testConfig()
	cfg.ServerURL = srv.URL

	execute := func(args ...string) (string, error) {
		root := &cobra.Command{Use: "execflow", SilenceUsage: true, SilenceErrors: true}
		SetupCLI(root, cfg)
		out := &bytes.Buffer{}
		root.SetOut(out)
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)
		err := root.Execute()
		return out.String(), err
	}

	t.Run("Run", func(t *testing.T) {
		out, err := execute("run", "--dry-run", "--label", "Apply web", "--", "kubectl", "apply", "-f", "web.yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "deployment.apps/web configured")
	})

	t.Run("RunFailureIsAnError", func(t *testing.T) {
		_, err := execute("run", "--", "kubectl", "delete", "pod/web")
		assert.ErrorIs(t, err, ErrExecutionFailed)
	})

	t.Run("List", func(t *testing.T) {
		out, err := execute("list", "--limit", "5")
		require.NoError(t, err)
		assert.Contains(t, out, "Executions:")
	})

	t.Run("AttachNeedsID", func(t *testing.T) {
		_, err := execute("attach")
		assert.Error(t, err)
	})

	t.Run("UnknownServer", func(t *testing.T) {
		_, err := execute("list", "--server", "ftp://example.com")
		assert.Error(t, err)
	})
}

func TestClientMetrics(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		recorder, srv, err := startClientMetrics("")
		require.NoError(t, err)
		assert.Nil(t, recorder)
		assert.Nil(t, srv)
		stopClientMetrics(srv)
	})

	t.Run("ServesClientSessions", func(t *testing.T) {
		logService, _ := newLogService(t)
		recorder, srv, err := startClientMetrics("127.0.0.1:0")
		require.NoError(t, err)
		defer stopClientMetrics(srv)

		svc, err := NewClient(logService.URL, testConfig(), &bytes.Buffer{}, service.WithMetrics(recorder))
		require.NoError(t, err)
		defer svc.Close()
		_, err = runExecution(withTimeout(t), svc, models.StartExecutionOptions{
			Command: "kubectl",
			Args:    []string{"apply"},
			Mode:    models.DryRunExecutionMode,
		}, false, &bytes.Buffer{})
		require.NoError(t, err)

		resp, err := http.Get("http://" + srv.Addr + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `execflow_sessions_started_total{mode="dry-run"} 1`)
		assert.Contains(t, string(body), `execflow_sessions_finished_total{status="succeeded"} 1`)
	})
}

func TestSetupCLIAppliesLogLevel(t *testing.T) {
	defer log.SetLevel("INFO")
	cfg := testConfig()
	cfg.LogLevel = "DEBUG"
	SetupCLI(&cobra.Command{Use: "execflow"}, cfg)
	assert.Equal(t, logrus.DebugLevel, log.GetLogger().GetLevel())
}

func TestLoadRunner(t *testing.T) {
	r, err := loadRunner("")
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = loadRunner("does-not-exist.yaml")
	assert.Error(t, err)

	rec, err := openRecorder("")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}
