// Package main provides the crawler worker entry point: the process
// that wires the Broker Gateway, Resource Injector, Handler Registry,
// and Task Consumer together, then hands shutdown to the Drain
// Controller.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/adapter/observability"
	redisbroker "github.com/cenwei/saturn-mousehunter-crawler-service/internal/broker/redis"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/app"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/config"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/consumer"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/drain"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/handler"
	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/injector"
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

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "crawler-worker-" + uuid.NewString()[:8]
	}

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting crawler worker", slog.String("worker_id", workerID), slog.String("env", cfg.AppEnv))

	broker, err := redisbroker.New(cfg.RedisURL, cfg.DelayedTaskPumpInterval)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	inj := injector.New(injector.Config{
		ProxyIdleExpiry:           cfg.ProxyIdleExpiry,
		CredentialFreshnessWindow: cfg.CredentialFreshnessWindow,
		NoProxyConcurrencyCap:     cfg.NoProxyConcurrencyCap,
		WithProxyConcurrencyCap:   cfg.WithProxyConcurrencyCap,
	}, nil, nil) // TODO: wire real ProxyPoolClient/CredentialPoolClient once the operator's proxy/credential pool transport is chosen.

	registry := handler.NewRegistry()
	defaultHandler := handler.NewDefaultHandler(handler.DefaultHandlerConfig{
		NoProxyConcurrencyCap:   cfg.NoProxyConcurrencyCap,
		WithProxyConcurrencyCap: cfg.WithProxyConcurrencyCap,
	}, map[string]handler.Adapter{}, handler.GenericJSONAdapter("https://quote.%s.example/symbol/%s"))
	registry.SetDefault(defaultHandler.AsDomainHandler())

	workerCfg := cfg.GetWorkerConfig(workerID)
	retryCfg := cfg.GetRetryConfig()
	c := consumer.New(workerCfg, retryCfg, broker, inj, registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	readiness := app.BuildReadinessCheck(broker)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := readiness(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready: " + err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	go func() {
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker http server error", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupInterval := cfg.InjectorCleanupInterval
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				inj.CleanupExpired(ctx)
			}
		}
	}()

	if err := c.Start(ctx); err != nil {
		slog.Error("consumer start failed", slog.Any("error", err))
		os.Exit(1)
	}

	drainCtrl := drain.New(drain.Config{
		MaxWaitSeconds: cfg.DrainMaxWaitSeconds,
		PollInterval:   cfg.DrainPollInterval,
		CleanupTimeout: cfg.DrainCleanupTimeout,
		ForceExitDelay: cfg.DrainForceExitDelay,
	}, c, broker, inj)
	drainCtrl.ListenForSignals(context.Background())

	slog.Info("worker started, waiting for shutdown signal", slog.String("worker_id", workerID))
	<-drainCtrl.Done()
	cancel()
	c.Wait()

	drainCtrl.WaitForceExit()
	slog.Info("worker exiting", slog.Any("stats", c.Stats()))
}
