// Package main provides the Autoscaler entry point. It runs as a
// separate process (a sidecar or standalone Deployment) from the
// crawler workers, per spec.md §4.6: it observes queue depth through
// the Broker Gateway and drives replica counts through the orchestrator
// API. It shares no state with any worker process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/autoscaler"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/adapter/observability"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/config"
	redisbroker "github.com/cenwei/saturn-mousehunter-crawler-service/internal/broker/redis"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9091", mux); err != nil {
			slog.Error("autoscaler metrics server error", slog.Any("error", err))
		}
	}()

	table, err := config.LoadDeploymentTable(cfg.DeploymentConfigPath)
	if err != nil {
		slog.Error("deployment table load failed", slog.Any("error", err))
		os.Exit(1)
	}
	for i := range table.Deployments {
		if table.Deployments[i].Namespace == "" {
			table.Deployments[i].Namespace = cfg.KubeNamespace
		}
	}

	broker, err := redisbroker.New(cfg.RedisURL, cfg.DelayedTaskPumpInterval)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer broker.Close()

	orch, err := orchestrator.NewFromKubeconfig(cfg.KubeconfigPath)
	if err != nil {
		slog.Error("orchestrator client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	scaler := autoscaler.New(broker, orch, table.Deployments, cfg.AutoscalerCooldown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting autoscaler",
		slog.Int("deployments", len(table.Deployments)),
		slog.Duration("poll_interval", cfg.AutoscalerPollInterval),
		slog.Duration("cooldown", cfg.AutoscalerCooldown))
	go scaler.Run(ctx, cfg.AutoscalerPollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down autoscaler", slog.String("signal", sig.String()))
	cancel()
}
