// Package ml scores connection records with an Isolation Forest fitted from
// scratch on every call.
package ml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"appfirewall/pkg/firewall"
)

// MinRecords is the smallest batch worth fitting a model on.
const MinRecords = 10

// Status distinguishes "no signal" from "detection broke". The zero value
// is StatusUnknown, so an unset result never reads as scored.
type Status int

const (
	StatusUnknown Status = iota
	StatusScored
	StatusInsufficientData
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusScored:
		return "scored"
	case StatusInsufficientData:
		return "insufficient_data"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is the outcome of one detection cycle. Anomalies lists flagged
// record ids in input order and is never nil.
type Result struct {
	Status    Status
	Anomalies []string
	Scores    []firewall.AnomalyScore
	Err       error
}

// Config tunes the forest.
type Config struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          uint64
}

func DefaultConfig() Config {
	return Config{
		Trees:         100,
		SampleSize:    256,
		Contamination: 0.1,
		Seed:          42,
	}
}

// Validate rejects settings the forest cannot run with.
func (c Config) Validate() error {
	if c.Trees <= 0 {
		return fmt.Errorf("trees must be positive, got %d", c.Trees)
	}
	if c.SampleSize <= 1 {
		return fmt.Errorf("sample size must be at least 2, got %d", c.SampleSize)
	}
	if !(c.Contamination > 0 && c.Contamination <= 0.5) {
		return fmt.Errorf("contamination must be in (0, 0.5], got %v", c.Contamination)
	}
	return nil
}

// Detector is safe for concurrent use; it keeps no model between calls.
type Detector struct {
	cfg    Config
	logger *slog.Logger
}

func NewDetector(cfg Config, logger *slog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Detector{cfg: cfg, logger: logger.With("component", "anomaly-detector")}, nil
}

// Detect fits a fresh forest on records and flags the top
// max(1, floor(contamination*n)) scores. It never returns an error or
// panics; failures come back as StatusFailed with an empty anomaly set.
func (d *Detector) Detect(ctx context.Context, records []firewall.ConnectionRecord) (res Result) {
	res = Result{Anomalies: []string{}, Scores: []firewall.AnomalyScore{}}
	if len(records) < MinRecords {
		res.Status = StatusInsufficientData
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			res = d.failed(fmt.Errorf("model fitting panicked: %v", r), len(records))
		}
	}()

	features, err := extractFeatures(records)
	if err != nil {
		return d.failed(err, len(records))
	}

	forest := NewIsolationForest(d.cfg.Trees, d.cfg.SampleSize, d.cfg.Seed)
	if err := forest.Fit(ctx, features); err != nil {
		return d.failed(fmt.Errorf("fit isolation forest: %w", err), len(records))
	}

	scores := make([]float64, len(features))
	for i, f := range features {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return d.failed(err, len(records))
			}
		}
		scores[i] = forest.Score(f)
	}

	flagged := topIndices(scores, flagCount(d.cfg.Contamination, len(records)))
	res.Status = StatusScored
	res.Scores = make([]firewall.AnomalyScore, len(records))
	for i, rec := range records {
		res.Scores[i] = firewall.AnomalyScore{ConnectionID: rec.ID, IsAnomaly: flagged[i], Score: scores[i]}
		if flagged[i] {
			res.Anomalies = append(res.Anomalies, rec.ID)
		}
	}
	return res
}

func (d *Detector) failed(err error, n int) Result {
	d.logger.Error("anomaly detection failed", "records", n, "error", err)
	return Result{Status: StatusFailed, Anomalies: []string{}, Scores: []firewall.AnomalyScore{}, Err: err}
}

func extractFeatures(records []firewall.ConnectionRecord) ([][]float64, error) {
	seen := make(map[string]struct{}, len(records))
	features := make([][]float64, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			return nil, errors.New("record without id")
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate record id %s", rec.ID)
		}
		seen[rec.ID] = struct{}{}
		features[i] = []float64{float64(rec.BytesSent), float64(rec.BytesReceived)}
	}
	return features, nil
}

func flagCount(contamination float64, n int) int {
	k := int(math.Floor(contamination*float64(n) + 1e-9))
	return max(1, min(k, n))
}

// topIndices marks the k highest scores; equal scores go to the earlier index.
func topIndices(scores []float64, k int) []bool {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	flagged := make([]bool, len(scores))
	for _, idx := range order[:k] {
		flagged[idx] = true
	}
	return flagged
}
