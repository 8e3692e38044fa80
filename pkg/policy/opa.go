package policy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"

	"appfirewall/pkg/firewall"
)

// DecisionQuery is the rule a policy module must define. It evaluates to
// an object {"outcome": "ALLOW"|"BLOCK", "reason": string}.
const DecisionQuery = "data.appfw.decision"

// RegoEngine wraps a prepared Rego query for per-connection decisions.
type RegoEngine struct {
	prepared rego.PreparedEvalQuery
}

// LoadRego compiles the Rego file at path. An empty path returns nil, nil.
func LoadRego(ctx context.Context, path string) (*RegoEngine, error) {
	if path == "" {
		return nil, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rego policy: %w", err)
	}
	return NewRegoEngine(ctx, path, string(src))
}

// NewRegoEngine compiles a single module.
func NewRegoEngine(ctx context.Context, filename, module string) (*RegoEngine, error) {
	r := rego.New(
		rego.Query(DecisionQuery),
		rego.Module(filename, module),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego policy: %w", err)
	}
	return &RegoEngine{prepared: pq}, nil
}

// Evaluate returns the policy's verdict and true when the rule is defined
// for this input. builtin is exposed to the policy as input.builtin.
func (e *RegoEngine) Evaluate(ctx context.Context, rec firewall.ConnectionRecord, p *firewall.Policy, builtin firewall.Verdict) (firewall.Verdict, bool, error) {
	if e == nil {
		return firewall.Verdict{}, false, nil
	}
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(regoInput(rec, p, builtin)))
	if err != nil {
		return firewall.Verdict{}, false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return firewall.Verdict{}, false, nil
	}

	obj, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return firewall.Verdict{}, false, fmt.Errorf("decision must be an object, got %T", rs[0].Expressions[0].Value)
	}
	outcome, _ := obj["outcome"].(string)
	reason, _ := obj["reason"].(string)
	switch firewall.Outcome(outcome) {
	case firewall.OutcomeAllow, firewall.OutcomeBlock:
	default:
		return firewall.Verdict{}, false, fmt.Errorf("unsupported outcome %q", outcome)
	}
	if reason == "" {
		reason = "rego policy"
	}
	return firewall.Verdict{ConnectionID: rec.ID, Outcome: firewall.Outcome(outcome), Reason: reason}, true, nil
}

func regoInput(rec firewall.ConnectionRecord, p *firewall.Policy, builtin firewall.Verdict) map[string]any {
	input := map[string]any{
		"record": map[string]any{
			"id":             rec.ID,
			"app_name":       rec.AppName,
			"timestamp":      rec.Timestamp.UTC().Format(time.RFC3339Nano),
			"destination":    rec.Destination,
			"host":           DestinationHost(rec.Destination),
			"protocol":       string(rec.Protocol),
			"bytes_sent":     rec.BytesSent,
			"bytes_received": rec.BytesReceived,
		},
		"builtin": map[string]any{
			"outcome": string(builtin.Outcome),
			"reason":  builtin.Reason,
		},
		"policy": nil,
	}
	if p != nil {
		protocols := make([]any, len(p.AllowedProtocols))
		for i, proto := range p.AllowedProtocols {
			protocols[i] = string(proto)
		}
		input["policy"] = map[string]any{
			"id":                p.ID,
			"app_name":          p.AppName,
			"allowed_domains":   toAny(p.AllowedDomains),
			"allowed_ips":       toAny(p.AllowedIPs),
			"allowed_protocols": protocols,
			"is_active":         p.IsActive,
		}
	}
	return input
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
