package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pipecore/internal/config"
	"pipecore/internal/jobs"
	"pipecore/internal/sqliteworker"
)

func newSqliteWorkerCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sqlite-worker",
		Short: "Serve ephemeral SQLite databases for Database blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSqliteWorker(ctx, cfg)
		},
	}
}

func runSqliteWorker(ctx context.Context, cfg *config.Config) error {
	b := &backends{}
	if err := openStores(ctx, cfg, b); err != nil {
		return err
	}
	defer b.Close(context.Background())

	server := sqliteworker.NewServer(sqliteworker.ServerOptions{
		Rows:           b.Rows,
		MaxRows:        cfg.SqliteMaxRows,
		MaxResultBytes: cfg.SqliteMaxResultBytes,
		Logger:         newLogrus(cfg),
		Registerer:     prometheus.DefaultRegisterer,
	})

	scheduler, err := jobs.NewScheduler()
	if err != nil {
		return err
	}
	heartbeat := jobs.NewWorkerHeartbeatJob(b.Store, cfg.SqliteWorkerURL, cfg.HeartbeatInterval)
	if err := scheduler.Register("sqlite-worker-heartbeat", heartbeat); err != nil {
		return err
	}
	expiry := jobs.NewDatabaseExpiryJob(server, cfg.SqliteIdleExpiry, time.Minute)
	if err := scheduler.Register("sqlite-database-expiry", expiry); err != nil {
		return err
	}
	// Register before serving so the first query can be routed here.
	if err := scheduler.RunNow("sqlite-worker-heartbeat"); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Listen(cfg.SqliteWorkerAddr) }()

	select {
	case err := <-serveErr:
		return fmt.Errorf("sqlite worker stopped: %w", err)
	case <-ctx.Done():
	}

	log.Println("🛑 Shutting down sqlite worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown sqlite worker: %w", err)
	}
	log.Println("✅ Sqlite worker stopped")
	return nil
}
