package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignatij/execflow/internal/config"
	internal_http "github.com/ignatij/execflow/internal/http"
	"github.com/ignatij/execflow/internal/log"
	"github.com/ignatij/execflow/internal/metrics"
	"github.com/ignatij/execflow/internal/runner"
	internal_storage "github.com/ignatij/execflow/internal/storage"
	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/service"
	"github.com/ignatij/execflow/pkg/storage"
	"github.com/ignatij/execflow/pkg/stream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// ErrExecutionFailed is returned when the watched execution ends in failure.
var ErrExecutionFailed = errors.New("execution failed")

// attachSearchLimit is the largest page the log service returns.
const attachSearchLimit = 200

func SetupCLI(rootCmd *cobra.Command, cfg *config.Config) {
	// .env is loaded after the logger is created, so apply the configured level here
	log.SetLevel(cfg.LogLevel)
	rootCmd.PersistentFlags().String("server", cfg.ServerURL, "Log service URL")

	runCmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command on the log service and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			metricsAddr, _ := flags.GetString("metrics-addr")
			clientMetrics, metricsSrv, err := startClientMetrics(metricsAddr)
			if err != nil {
				return err
			}
			defer stopClientMetrics(metricsSrv)

			var extra []service.Option
			if clientMetrics != nil {
				extra = append(extra, service.WithMetrics(clientMetrics))
			}
			svc, err := newClient(cmd, cfg, extra...)
			if err != nil {
				return err
			}
			defer svc.Close()

			dryRun, _ := flags.GetBool("dry-run")
			opts := models.StartExecutionOptions{
				Command: args[0],
				Args:    args[1:],
				Mode:    models.ApplyExecutionMode,
			}
			if dryRun {
				opts.Mode = models.DryRunExecutionMode
			}
			opts.Label, _ = flags.GetString("label")
			opts.Namespace, _ = flags.GetString("namespace")
			opts.Context, _ = flags.GetString("context")
			opts.KubernetesEquivalent, _ = flags.GetBool("k8s")
			opts.AllowClusterWide, _ = flags.GetBool("allow-cluster-wide")
			opts.Intent, _ = flags.GetString("intent")
			opts.UserAction = "cli"
			retry, _ := flags.GetBool("retry-on-failure")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err = runExecution(ctx, svc, opts, retry, cmd.OutOrStdout())
			return err
		},
	}
	runCmd.Flags().Bool("dry-run", false, "Run in dry-run mode")
	runCmd.Flags().String("label", "", "Human readable label of the execution")
	runCmd.Flags().String("namespace", "", "Kubernetes namespace")
	runCmd.Flags().String("context", "", "Kubernetes cluster context")
	runCmd.Flags().Bool("k8s", false, "Label output as kubectl-equivalent")
	runCmd.Flags().Bool("allow-cluster-wide", false, "Allow Kubernetes-equivalent executions without a namespace")
	runCmd.Flags().String("intent", "", "Intent tag, e.g. apply-yaml")
	runCmd.Flags().Bool("retry-on-failure", false, "Run the same request once more when it fails")
	runCmd.Flags().String("metrics-addr", cfg.ClientMetricsAddr, "Serve client session metrics on this address, empty disables them")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newClient(cmd, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			return listExecutions(cmd.Context(), svc, limit, cmd.OutOrStdout())
		},
	}
	listCmd.Flags().Int("limit", cfg.RecentLimit, "Number of executions to show")

	attachCmd := &cobra.Command{
		Use:   "attach [executionId]",
		Short: "Show the stored output of an execution",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auto, _ := cmd.Flags().GetBool("auto")
			if !auto && len(args) == 0 {
				return errors.New("executionId is required unless --auto is set")
			}
			svc, err := newClient(cmd, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return attachExecution(cmd.Context(), svc, id, auto, limit, cmd.OutOrStdout())
		},
	}
	attachCmd.Flags().Bool("auto", false, "Attach to the most recent running execution")
	attachCmd.Flags().Int("limit", attachSearchLimit, "Number of recent executions searched for executionId")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the log service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbURL, _ := cmd.Flags().GetString("db")
			scriptsFile, _ := cmd.Flags().GetString("scripts")
			store, err := openRecorder(dbURL)
			if err != nil {
				return err
			}
			defer store.Close()
			r, err := loadRunner(scriptsFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return internal_http.StartServer(ctx, cfg, store, r)
		},
	}
	serveCmd.Flags().String("db", cfg.DatabaseURL, "Database connection string, empty keeps history in memory")
	serveCmd.Flags().String("scripts", cfg.ScriptsFile, "YAML file of scripted commands")

	rootCmd.AddCommand(runCmd, listCmd, attachCmd, serveCmd)
}

func newClient(cmd *cobra.Command, cfg *config.Config, opts ...service.Option) (*service.ExecutionService, error) {
	serverURL, err := cmd.Flags().GetString("server")
	if err != nil {
		return nil, err
	}
	log.GetLogger().Debugf("Using log service at %s", serverURL)
	return NewClient(serverURL, cfg, cmd.ErrOrStderr(), opts...)
}

// NewClient builds an execution service talking to the log service at serverURL.
func NewClient(serverURL string, cfg *config.Config, errOut io.Writer, opts ...service.Option) (*service.ExecutionService, error) {
	dialer, err := stream.NewWebsocketDialer(serverURL, cfg.StreamPath, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	history := internal_storage.NewHTTPStore(serverURL, cfg.HistoryPath, cfg.HTTPTimeout)
	opts = append([]service.Option{service.WithNotifier(stderrNotifier{out: errOut})}, opts...)
	return service.NewExecutionService(dialer, history, log.GetLogger(), opts...), nil
}

// startClientMetrics serves session and frame-drop counters on addr. An empty
// addr disables metrics and returns a nil recorder and server.
func startClientMetrics(addr string) (*metrics.PrometheusRecorder, *http.Server, error) {
	if addr == "" {
		return nil, nil, nil
	}
	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewPrometheusRecorder(registry)
	if err != nil {
		return nil, nil, err
	}
	srv, err := metrics.StartPrometheusServer(addr, registry)
	if err != nil {
		return nil, nil, err
	}
	log.GetLogger().Infof("Serving client metrics on %s/metrics", srv.Addr)
	return recorder, srv, nil
}

func stopClientMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metrics.StopServer(ctx, srv); err != nil {
		log.GetLogger().Warnf("Failed to stop metrics server: %v", err)
	}
}

func runExecution(ctx context.Context, svc *service.ExecutionService, opts models.StartExecutionOptions, retry bool, out io.Writer) (service.PanelState, error) {
	p := newPrinter(out)
	unsubscribe := svc.Subscribe(p.update)
	defer unsubscribe()

	id, err := svc.StartExecution(opts)
	if err != nil {
		return service.PanelState{}, err
	}
	state, err := waitFinished(ctx, p, id)
	if err != nil {
		return state, err
	}
	printSummary(out, state)
	if state.Status == models.FailedExecutionStatus && retry {
		fmt.Fprintln(out, mutedStyle.Render("Retrying..."))
		if id, err = svc.RetryLastExecution(); err != nil {
			return state, err
		}
		if state, err = waitFinished(ctx, p, id); err != nil {
			return state, err
		}
		printSummary(out, state)
	}
	if state.Status == models.FailedExecutionStatus {
		return state, ErrExecutionFailed
	}
	return state, nil
}

func waitFinished(ctx context.Context, p *printer, executionID string) (service.PanelState, error) {
	for {
		if state, ok := p.finished(executionID); ok {
			return state, nil
		}
		select {
		case <-p.changed:
		case <-ctx.Done():
			return service.PanelState{}, errors.Wrapf(ctx.Err(), "waiting for execution %s", executionID)
		}
	}
}

func listExecutions(ctx context.Context, svc *service.ExecutionService, limit int, out io.Writer) error {
	if err := svc.LoadRecentExecutions(ctx, limit); err != nil {
		return err
	}
	printRecords(out, svc.RecentExecutions())
	return nil
}

func attachExecution(ctx context.Context, svc *service.ExecutionService, executionID string, auto bool, limit int, out io.Writer) error {
	p := newPrinter(out)
	unsubscribe := svc.Subscribe(p.update)
	defer unsubscribe()

	if auto {
		attached, err := svc.AutoReattachMostRecentRunning(ctx)
		if err != nil {
			return err
		}
		if !attached {
			fmt.Fprintln(out, "No running execution to attach to.")
			return nil
		}
	} else {
		if err := svc.LoadRecentExecutions(ctx, limit); err != nil {
			return err
		}
		record, ok := findRecord(svc.RecentExecutions(), executionID)
		if !ok {
			return errors.Wrapf(storage.ErrNotFound, "execution %s", executionID)
		}
		if err := svc.ReattachExecution(ctx, record); err != nil {
			return err
		}
	}
	printSummary(out, svc.Snapshot())
	return nil
}

func findRecord(records []models.ExecutionRecord, executionID string) (models.ExecutionRecord, bool) {
	for _, rec := range records {
		if rec.ExecutionID == executionID {
			return rec, true
		}
	}
	return models.ExecutionRecord{}, false
}

func openRecorder(dbURL string) (storage.Recorder, error) {
	if dbURL == "" {
		log.GetLogger().Warn("No database configured, execution history is kept in memory")
		return storage.NewMockStore(), nil
	}
	store, err := internal_storage.InitStore(dbURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func loadRunner(scriptsFile string) (runner.Runner, error) {
	var (
		scripts []runner.Script
		err     error
	)
	if scriptsFile == "" {
		scripts, err = runner.DefaultScripts()
	} else {
		scripts, err = runner.LoadScripts(scriptsFile)
	}
	if err != nil {
		return nil, err
	}
	log.GetLogger().Infof("Loaded %d scripted commands", len(scripts))
	return runner.NewScriptRunner(scripts), nil
}
