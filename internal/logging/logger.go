package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production it uses JSON output for log aggregation, otherwise the
// human-readable text handler. The standard library log package is routed
// through the same handler once slog.SetDefault is called.
func Init(environment string) {
	var handler slog.Handler
	if strings.ToLower(environment) == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithRun returns a logger with run context fields attached.
// Use this for all logging within an app run.
func WithRun(runID, appHash string) *slog.Logger {
	return slog.With(
		"run_id", runID,
		"app_hash", appHash,
	)
}

// WithBlock returns a logger scoped to a specific block within a run.
func WithBlock(logger *slog.Logger, blockType, blockName string) *slog.Logger {
	return logger.With(
		"block_type", blockType,
		"block_name", blockName,
	)
}

// WithIteration scopes a block logger to one loop iteration.
func WithIteration(logger *slog.Logger, loop string, index int) *slog.Logger {
	return logger.With(
		"loop", loop,
		"iteration", index,
	)
}
