package agent

import (
	"context"
	"fmt"
	"log/slog"

	"appfirewall/pkg/config"
	"appfirewall/pkg/database"
	"appfirewall/pkg/metrics"
	"appfirewall/pkg/ml"
	"appfirewall/pkg/policy"
	"appfirewall/pkg/report"
	"appfirewall/pkg/storage"
	"appfirewall/pkg/storage/badgerstore"
	"appfirewall/pkg/telemetry"
)

// OpenStore opens the backend selected by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverBadger:
		bc := badgerstore.DefaultConfig(cfg.DBPath)
		bc.Logger = logger
		s, err := badgerstore.Open(bc)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := database.Open(ctx, database.DBConfig{DSN: cfg.DBDSN})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// HealthChecks returns the /healthz checks for store: a connectivity ping
// for backends that support one, nothing for the embedded store.
func HealthChecks(store storage.Store) []metrics.HealthCheck {
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		return []metrics.HealthCheck{p.Ping}
	}
	return nil
}

// Assemble builds the production pipeline around an open store. The caller
// closes the returned publisher.
func Assemble(ctx context.Context, cfg config.Config, store storage.Store, m *metrics.Metrics, logger *slog.Logger) (*Orchestrator, report.Publisher, error) {
	rego, err := policy.LoadRego(ctx, cfg.RegoPolicy)
	if err != nil {
		return nil, nil, err
	}

	mlCfg := ml.DefaultConfig()
	mlCfg.Contamination = cfg.Contamination
	mlCfg.Seed = cfg.AnomalySeed
	mlCfg.Trees = cfg.AnomalyTrees
	detector, err := ml.NewDetector(mlCfg, logger)
	if err != nil {
		return nil, nil, err
	}

	collector := telemetry.NewCollector(telemetry.SystemSource{}, telemetry.Config{
		LookupTimeout: cfg.ProcessLookupTimeout,
		Flows:         telemetry.ConntrackCounters{},
		Logger:        logger,
	})

	sink, err := report.New(cfg.ReportEndpoint)
	if err != nil {
		return nil, nil, err
	}
	bs := report.DefaultBreakerSettings()
	bs.OnStateChange = func(from, to report.State) {
		logger.Warn("report sink circuit changed", "from", from.String(), "to", to.String())
	}
	publisher := report.WithBreaker(sink, bs)

	o, err := New(Config{
		PollInterval:     cfg.PollInterval,
		DetectEvery:      cfg.DetectEvery,
		DetectionTimeout: cfg.DetectionTimeout,
		DetectionWindow:  cfg.DetectionWindow,
		LogVerdicts:      cfg.LogVerdicts,
	}, Deps{
		Store:     store,
		Collector: collector,
		Decider:   policy.NewEngine(rego, logger),
		Detector:  detector,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		publisher.Close()
		return nil, nil, err
	}
	return o, publisher, nil
}
