// Package policy turns a connection record and the app's active policy into
// an ALLOW or BLOCK verdict.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"appfirewall/pkg/firewall"
)

const (
	ReasonNoPolicy = "no policy configured"
	ReasonInactive = "policy inactive"
	ReasonMatched  = "matched policy"
)

// Decide is the built-in decision function. It is pure: the verdict depends
// only on rec and p. A missing policy fails open.
func Decide(rec firewall.ConnectionRecord, p *firewall.Policy) firewall.Verdict {
	v := firewall.Verdict{ConnectionID: rec.ID, Outcome: firewall.OutcomeAllow}
	switch {
	case p == nil:
		v.Reason = ReasonNoPolicy
		return v
	case !p.IsActive:
		v.Reason = ReasonInactive
		return v
	}

	var failures []string
	host := DestinationHost(rec.Destination)
	if !hostAllowed(host, p) {
		if isIPLiteral(host) {
			failures = append(failures, fmt.Sprintf("IP %s not in allowed IPs", host))
		} else {
			failures = append(failures, fmt.Sprintf("domain %s not in allowed domains", host))
		}
	}
	if !p.AllowsProtocol(rec.Protocol) {
		failures = append(failures, fmt.Sprintf("protocol %s not allowed", rec.Protocol))
	}

	if len(failures) > 0 {
		v.Outcome = firewall.OutcomeBlock
		v.Reason = strings.Join(failures, "; ")
		return v
	}
	v.Reason = ReasonMatched
	return v
}

// DestinationHost strips the port, IPv6 brackets and a trailing dot from a
// record destination.
func DestinationHost(dest string) string {
	host := dest
	if h, _, err := net.SplitHostPort(dest); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.TrimSuffix(host, ".")
}

func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}

// hostAllowed matches domains case-insensitively and IPs as exact strings.
func hostAllowed(host string, p *firewall.Policy) bool {
	for _, ip := range p.AllowedIPs {
		if host == ip {
			return true
		}
	}
	for _, d := range p.AllowedDomains {
		if strings.EqualFold(host, strings.TrimSuffix(d, ".")) {
			return true
		}
	}
	return false
}

// Engine layers an optional Rego override on top of Decide.
type Engine struct {
	rego   *RegoEngine
	logger *slog.Logger
}

// NewEngine returns an engine; rego may be nil.
func NewEngine(rego *RegoEngine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{rego: rego, logger: logger.With("component", "decision-engine")}
}

// Decide asks the Rego policy first and falls back to the built-in verdict
// when the policy is absent, undefined for this input, or fails.
func (e *Engine) Decide(ctx context.Context, rec firewall.ConnectionRecord, p *firewall.Policy) firewall.Verdict {
	builtin := Decide(rec, p)
	if e == nil || e.rego == nil {
		return builtin
	}
	v, ok, err := e.rego.Evaluate(ctx, rec, p, builtin)
	if err != nil {
		e.logger.Warn("rego evaluation failed, using built-in verdict",
			"connection_id", rec.ID, "app", rec.AppName, "error", err)
		return builtin
	}
	if !ok {
		return builtin
	}
	return v
}
