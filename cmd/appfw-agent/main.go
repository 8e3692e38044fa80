// Command appfw-agent runs the collection, decision and detection loop on
// this host and serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"appfirewall/pkg/agent"
	"appfirewall/pkg/config"
	"appfirewall/pkg/metrics"
	otelobs "appfirewall/pkg/observability/otel"
	"appfirewall/pkg/structlog"
)

const serviceName = "appfw-agent"

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	bootLog := structlog.New(structlog.Options{Service: serviceName})

	cfg, err := config.Load()
	if err != nil {
		bootLog.Error("invalid configuration", "error", err)
		return err
	}
	level, _ := structlog.ParseLevel(cfg.LogLevel)
	logger := structlog.New(structlog.Options{Service: serviceName, Level: level, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otelobs.InitTracer(ctx, serviceName, logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	store, err := agent.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "driver", cfg.StoreDriver, "error", err)
		return err
	}
	defer store.Close()

	m := metrics.New()
	orch, publisher, err := agent.Assemble(ctx, cfg, store, m, logger)
	if err != nil {
		logger.Error("assemble agent", "error", err)
		return err
	}
	defer publisher.Close()

	var server *http.Server
	if cfg.MetricsAddr != "" {
		h := otelobs.HTTPTraceLogMiddleware(logger, m.Handler(agent.HealthChecks(store)...))
		server = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           otelobs.WrapHTTPHandler(serviceName, h),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("starting", "agent_id", orch.AgentID(), "store_driver", cfg.StoreDriver)
	runErr := orch.Run(ctx)

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}
	return runErr
}
