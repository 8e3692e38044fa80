// Package agent schedules collection and anomaly detection and exposes the
// operations the dashboard and CLI consume.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"appfirewall/pkg/firewall"
	"appfirewall/pkg/metrics"
	"appfirewall/pkg/ml"
	"appfirewall/pkg/report"
	"appfirewall/pkg/storage"
	"appfirewall/pkg/structlog"
	"appfirewall/pkg/telemetry"
)

// Collector produces one batch of observations per tick.
type Collector interface {
	Collect(ctx context.Context) ([]firewall.ConnectionRecord, telemetry.Stats)
	Processes(ctx context.Context) []firewall.ProcessDescriptor
}

// Decider turns a record and its app's policy into a verdict.
type Decider interface {
	Decide(ctx context.Context, rec firewall.ConnectionRecord, p *firewall.Policy) firewall.Verdict
}

// Detector scores a batch of records.
type Detector interface {
	Detect(ctx context.Context, records []firewall.ConnectionRecord) ml.Result
}

type Config struct {
	AgentID          string
	PollInterval     time.Duration
	DetectEvery      int
	DetectionTimeout time.Duration
	// DetectionWindow limits detection to records newer than now-window.
	// 0 scores the whole log.
	DetectionWindow time.Duration
	LogVerdicts     bool
}

// Deps are the components the orchestrator composes. Publisher, Metrics,
// Logger and Clock are optional.
type Deps struct {
	Store     storage.Store
	Collector Collector
	Decider   Decider
	Detector  Detector
	Publisher report.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     Clock
}

// Anomalies is the output of one detection cycle.
type Anomalies struct {
	Status      ml.Status                   `json:"status"`
	GeneratedAt time.Time                   `json:"generated_at"`
	Records     []firewall.ConnectionRecord `json:"anomalies"`
	Scores      []firewall.AnomalyScore     `json:"scores"`
}

type Orchestrator struct {
	cfg       Config
	store     storage.Store
	collector Collector
	decider   Decider
	detector  Detector
	publisher report.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     Clock
	tracer    trace.Tracer

	detectReq chan struct{}
	detectMu  sync.Mutex

	mu     sync.RWMutex
	latest Anomalies
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("agent: store is required")
	case deps.Collector == nil:
		return nil, errors.New("agent: collector is required")
	case deps.Decider == nil:
		return nil, errors.New("agent: decider is required")
	case deps.Detector == nil:
		return nil, errors.New("agent: detector is required")
	case cfg.PollInterval <= 0:
		return nil, fmt.Errorf("agent: poll interval must be positive, got %s", cfg.PollInterval)
	case cfg.DetectEvery < 1:
		return nil, fmt.Errorf("agent: detect every must be at least 1, got %d", cfg.DetectEvery)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	if cfg.DetectionTimeout <= 0 {
		cfg.DetectionTimeout = 2 * time.Minute
	}
	if deps.Publisher == nil {
		deps.Publisher = report.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		collector: deps.Collector,
		decider:   deps.Decider,
		detector:  deps.Detector,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "orchestrator", "agent_id", cfg.AgentID),
		clock:     deps.Clock,
		tracer:    otel.Tracer("appfirewall/agent"),
		detectReq: make(chan struct{}, 1),
		latest:    emptyAnomalies(ml.StatusInsufficientData, time.Time{}),
	}, nil
}

// AgentID identifies this agent in reports.
func (o *Orchestrator) AgentID() string { return o.cfg.AgentID }

// Run collects immediately and then every PollInterval, and runs detection
// every DetectEvery ticks on a separate worker. Cancelling ctx stops new
// ticks; an in-flight tick or detection finishes first. Run returns nil on
// shutdown and an error only when the store is gone for good.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("agent started",
		"poll_interval", o.cfg.PollInterval,
		"detect_every", o.cfg.DetectEvery,
		"detection_window", o.cfg.DetectionWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.collectLoop(gctx) })
	g.Go(func() error { return o.detectLoop(gctx) })
	err := g.Wait()
	if err != nil {
		o.logger.Error("agent stopped", "error", err)
		return err
	}
	o.logger.Info("agent stopped")
	return nil
}

func (o *Orchestrator) collectLoop(ctx context.Context) error {
	ticker := o.clock.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		if err := o.Tick(context.WithoutCancel(ctx)); err != nil {
			if errors.Is(err, storage.ErrClosed) {
				return err
			}
			o.logger.Error("collection tick abandoned", "tick", n, "error", err)
		}
		if n%o.cfg.DetectEvery == 0 {
			o.requestDetection()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// requestDetection queues a cycle unless one is already pending.
func (o *Orchestrator) requestDetection() {
	select {
	case o.detectReq <- struct{}{}:
	default:
		o.logger.Debug("detection already pending, skipping request")
	}
}

func (o *Orchestrator) detectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.detectReq:
			if _, err := o.DetectNow(context.WithoutCancel(ctx)); err != nil {
				if errors.Is(err, storage.ErrClosed) {
					return err
				}
				o.logger.Error("detection cycle abandoned", "error", err)
			}
		}
	}
}

// Tick runs one collection pass: every observation is appended to the log
// and judged against its app's active policy. A storage error abandons the
// rest of the tick; the next tick retries. A correlation ID already on ctx
// is kept, otherwise the tick gets its own.
func (o *Orchestrator) Tick(ctx context.Context) error {
	ctx, corrID := structlog.GetOrCreateCorrelationID(ctx)
	ctx, span := o.tracer.Start(ctx, "collect_tick", trace.WithAttributes(attribute.String("appfw.correlation_id", corrID)))
	defer span.End()

	o.metrics.CollectorTicks.Inc()
	records, stats := o.collector.Collect(ctx)
	for reason, n := range stats.Skipped {
		o.metrics.CollectorSkipped.WithLabelValues(string(reason)).Add(float64(n))
	}
	span.SetAttributes(attribute.Int("appfw.records", len(records)), attribute.Int("appfw.sockets", stats.Sockets))

	policies := make(map[string]*firewall.Policy)
	for _, rec := range records {
		o.metrics.ConnectionsObserved.WithLabelValues(string(rec.Protocol)).Inc()
		if err := o.store.Append(ctx, rec); err != nil {
			return o.storageFailure(span, "append", err)
		}

		policy, cached := policies[rec.AppName]
		if !cached {
			var err error
			policy, err = o.store.GetActivePolicy(ctx, rec.AppName)
			if err != nil {
				return o.storageFailure(span, "get_active_policy", err)
			}
			policies[rec.AppName] = policy
		}

		v := o.decider.Decide(ctx, rec, policy)
		o.metrics.Verdicts.WithLabelValues(string(v.Outcome)).Inc()
		if o.cfg.LogVerdicts {
			o.logger.InfoContext(ctx, "verdict",
				"connection_id", rec.ID,
				"app", rec.AppName,
				"destination", rec.Destination,
				"protocol", rec.Protocol,
				"outcome", v.Outcome,
				"reason", v.Reason)
		}
	}

	o.logger.DebugContext(ctx, "collection tick done",
		"sockets", stats.Sockets, "records", len(records), "skipped", stats.Skipped)
	return nil
}

func (o *Orchestrator) storageFailure(span trace.Span, op string, err error) error {
	o.metrics.StorageErrors.WithLabelValues(op).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return storage.Wrap(op, err)
}

// DetectNow runs one detection cycle synchronously, caches its output for
// GetAnomalies and publishes it. Only a storage error is returned, next to
// an empty StatusFailed result that leaves the cache untouched; model
// failures degrade to an empty result.
func (o *Orchestrator) DetectNow(ctx context.Context) (Anomalies, error) {
	o.detectMu.Lock()
	defer o.detectMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.DetectionTimeout)
	defer cancel()
	ctx, corrID := structlog.GetOrCreateCorrelationID(ctx)
	ctx, span := o.tracer.Start(ctx, "detection_cycle", trace.WithAttributes(attribute.String("appfw.correlation_id", corrID)))
	defer span.End()

	start := o.clock.Now()
	records, err := o.detectionInput(ctx, start)
	if err != nil {
		o.metrics.DetectionRuns.WithLabelValues("storage_error").Inc()
		return emptyAnomalies(ml.StatusFailed, start.UTC()), o.storageFailure(span, "query", err)
	}

	res := o.detector.Detect(ctx, records)
	o.metrics.DetectionRuns.WithLabelValues(res.Status.String()).Inc()
	o.metrics.DetectionDuration.Observe(o.clock.Now().Sub(start).Seconds())

	out := emptyAnomalies(res.Status, start.UTC())
	if res.Status == ml.StatusScored {
		flagged := make(map[string]struct{}, len(res.Anomalies))
		for _, id := range res.Anomalies {
			flagged[id] = struct{}{}
		}
		for _, rec := range records {
			if _, ok := flagged[rec.ID]; ok {
				out.Records = append(out.Records, rec)
			}
		}
		for _, s := range res.Scores {
			if s.IsAnomaly {
				out.Scores = append(out.Scores, s)
			}
		}
	}
	span.SetAttributes(attribute.Int("appfw.records", len(records)), attribute.Int("appfw.anomalies", len(out.Records)))

	o.mu.Lock()
	o.latest = out
	o.mu.Unlock()
	o.metrics.AnomaliesFlagged.Set(float64(len(out.Records)))

	o.logger.InfoContext(ctx, "detection cycle done",
		"status", res.Status.String(), "records", len(records), "anomalies", len(out.Records))

	if res.Status == ml.StatusScored {
		o.publish(ctx, out)
	}
	return out, nil
}

func (o *Orchestrator) detectionInput(ctx context.Context, now time.Time) ([]firewall.ConnectionRecord, error) {
	if o.cfg.DetectionWindow <= 0 {
		return o.store.QueryAll(ctx)
	}
	// the range is half-open; include records stamped exactly at now
	return o.store.QueryRange(ctx, now.Add(-o.cfg.DetectionWindow), now.Add(time.Nanosecond))
}

func (o *Orchestrator) publish(ctx context.Context, a Anomalies) {
	r := report.AnomalyReport{
		AgentID:     o.cfg.AgentID,
		GeneratedAt: a.GeneratedAt,
		Anomalies:   a.Records,
		Scores:      a.Scores,
	}
	if err := o.publisher.Publish(ctx, r); err != nil {
		o.metrics.ReportFailures.Inc()
		o.logger.WarnContext(ctx, "anomaly report not delivered", "error", err)
	}
}

func emptyAnomalies(status ml.Status, at time.Time) Anomalies {
	return Anomalies{
		Status:      status,
		GeneratedAt: at,
		Records:     []firewall.ConnectionRecord{},
		Scores:      []firewall.AnomalyScore{},
	}
}
