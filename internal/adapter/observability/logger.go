package observability

import (
	"log/slog"
	"os"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/config"
)

// SetupLogger configures a JSON slog logger with environment and worker
// identity fields. Every log line a worker process emits carries
// worker_id so log aggregation can attribute drain/dispatch activity to
// a specific pod even when several replicas share the same deployment.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		if host, err := os.Hostname(); err == nil {
			workerID = host
		}
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("worker_id", workerID),
	)
	return logger
}

// TaskLogger returns a child logger scoped to a single task execution, so
// every log line emitted while dispatching it can be correlated without
// threading task_id/task_type/market through every call by hand.
func TaskLogger(base *slog.Logger, taskID, taskType, market string) *slog.Logger {
	return base.With(
		slog.String("task_id", taskID),
		slog.String("task_type", taskType),
		slog.String("market", market),
	)
}
