package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pipecore/internal/app"
	"pipecore/internal/config"
	"pipecore/internal/env"
	"pipecore/internal/runs"
	"pipecore/internal/store"
)

type runFlags struct {
	input        string
	runConfig    string
	storeResults bool
	projectID    int64
	runID        string
	secrets      map[string]string
	drainTimeout time.Duration
}

func newRunCommand(cfg *config.Config) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <specification.yaml>",
		Short: "Run an app specification once and print the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSpecification(ctx, cfg, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.input, "input", "", "run input as JSON")
	cmd.Flags().StringVar(&flags.runConfig, "config", "", `per-block run configuration as JSON ({"blocks": {...}})`)
	cmd.Flags().BoolVar(&flags.storeResults, "store-results", false, "persist every block execution")
	cmd.Flags().Int64Var(&flags.projectID, "project", 1, "project id")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringToStringVar(&flags.secrets, "secret", nil, "secret exposed to scripts and Replit (KEY=VALUE)")
	cmd.Flags().DurationVar(&flags.drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for the run on shutdown")
	return cmd
}

// runOutput is what the run command prints.
type runOutput struct {
	Run        *store.Run             `json:"run"`
	Error      string                 `json:"error,omitempty"`
	Executions []store.BlockExecution `json:"executions"`
}

func runSpecification(ctx context.Context, cfg *config.Config, path string, flags *runFlags) error {
	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read specification: %w", err)
	}
	a, err := app.New(string(text))
	if err != nil {
		return err
	}

	var input any
	if flags.input != "" {
		if err := json.Unmarshal([]byte(flags.input), &input); err != nil {
			return fmt.Errorf("invalid --input: %w", err)
		}
	}
	var runConfig env.RunConfig
	if flags.runConfig != "" {
		if err := json.Unmarshal([]byte(flags.runConfig), &runConfig); err != nil {
			return fmt.Errorf("invalid --config: %w", err)
		}
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close(context.Background())
	serveMetrics(ctx, cfg.MetricsAddr, b.Registry)

	project := store.Project{ProjectID: flags.projectID}
	if err := app.RegisterSpecification(ctx, b.Store, project, a); err != nil {
		return err
	}

	type outcome struct {
		run *store.Run
		err error
	}
	done := make(chan outcome, 1)
	manager, err := runs.NewManager(runs.Options{
		QueueSize:         cfg.RunQueueSize,
		MaxConcurrentRuns: int64(cfg.MaxConcurrentRuns),
		Metrics:           b.Metrics,
		Store:             b.Store,
		HeartbeatLiveness: cfg.WorkerLiveness,
		CleanupInterval:   cfg.CleanupInterval,
		ReportInterval:    cfg.QueueReportInterval,
		OrphanRunMaxAge:   cfg.OrphanRunMaxAge,
		OnFinish: func(runID string, run *store.Run, err error) {
			done <- outcome{run: run, err: err}
		},
	})
	if err != nil {
		return err
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	go manager.RunLoop(loopCtx)

	runID, err := manager.RunApp(a, app.RunOptions{
		RunID:             flags.runID,
		Input:             input,
		Credentials:       credentialsFromEnv(),
		Secrets:           flags.secrets,
		Config:            runConfig,
		Project:           project,
		Store:             b.Store,
		DatabasesStore:    b.Rows,
		SearchStore:       b.Search,
		Runtime:           b.Runtime,
		StoreBlockResults: flags.storeResults,
	})
	if err != nil {
		return err
	}
	log.Printf("🚀 Run %s queued (app %s)", runID, a.Hash())

	var result outcome
	select {
	case result = <-done:
	case <-ctx.Done():
		log.Printf("⏳ Interrupted, waiting up to %s for run %s", flags.drainTimeout, runID)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), flags.drainTimeout)
	defer cancel()
	if err := manager.StopLoop(drainCtx); err != nil {
		return err
	}
	if result.run == nil && result.err == nil {
		select {
		case result = <-done:
		default:
		}
	}

	out := runOutput{Run: result.run}
	if result.err != nil {
		out.Error = result.err.Error()
	}
	if out.Run == nil {
		if out.Run, err = b.Store.LoadRun(context.Background(), project, runID); err != nil {
			return fmt.Errorf("load run %s: %w", runID, err)
		}
	}
	if out.Executions, err = b.Store.LoadBlockExecutions(context.Background(), project, runID); err != nil {
		return fmt.Errorf("load block executions: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if out.Run.Status != store.StatusCompleted {
		return fmt.Errorf("run %s %s", runID, out.Run.Status)
	}
	return nil
}

// credentialsFromEnv collects the provider and search API keys from the
// process environment.
func credentialsFromEnv() map[string]string {
	credentials := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if strings.HasSuffix(key, "_API_KEY") {
			credentials[key] = value
		}
	}
	return credentials
}
