package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"appfirewall/pkg/firewall"
)

// ListProcesses is a read-only snapshot of running processes.
func (o *Orchestrator) ListProcesses(ctx context.Context) []firewall.ProcessDescriptor {
	return o.collector.Processes(ctx)
}

// CreateOrUpdatePolicy validates every field before touching the store, so
// a bad request changes nothing. The new row gets a fresh id; when active
// it replaces the app's current policy.
func (o *Orchestrator) CreateOrUpdatePolicy(ctx context.Context, appName string, domains, ips, protocols []string, active bool) (firewall.Policy, error) {
	p, err := buildPolicy(appName, domains, ips, protocols, active)
	if err != nil {
		return firewall.Policy{}, err
	}
	stored, err := o.store.Upsert(ctx, p)
	if err != nil {
		o.metrics.StorageErrors.WithLabelValues("upsert_policy").Inc()
		return firewall.Policy{}, err
	}
	o.logger.InfoContext(ctx, "policy stored",
		"policy_id", stored.ID, "app", stored.AppName, "active", stored.IsActive)
	return stored, nil
}

func buildPolicy(appName string, domains, ips, protocols []string, active bool) (firewall.Policy, error) {
	var errs []error
	appName = strings.TrimSpace(appName)
	if appName == "" {
		errs = append(errs, errors.New("app name is required"))
	}
	for _, d := range domains {
		d = strings.TrimSpace(d)
		switch {
		case d == "" || strings.ContainsAny(d, ", \t/"):
			errs = append(errs, fmt.Errorf("invalid domain %q", d))
		case isIPLiteral(d):
			errs = append(errs, fmt.Errorf("domain %q is an IP address; list it as an allowed IP", d))
		case strings.Contains(d, ":"):
			// destinations are matched on the host alone
			errs = append(errs, fmt.Errorf("domain %q must not carry a port", d))
		}
	}
	for _, ip := range ips {
		if !isIPLiteral(strings.TrimSpace(ip)) {
			errs = append(errs, fmt.Errorf("invalid IP %q", ip))
		}
	}
	protos := make([]firewall.Protocol, 0, len(protocols))
	for _, s := range protocols {
		proto, err := firewall.ParseProtocol(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		protos = append(protos, proto)
	}
	if err := errors.Join(errs...); err != nil {
		return firewall.Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return firewall.Policy{
		AppName:          appName,
		AllowedDomains:   domains,
		AllowedIPs:       ips,
		AllowedProtocols: protos,
		IsActive:         active,
	}, nil
}

// GetLogsForApp returns the app's records in insertion order; never nil.
func (o *Orchestrator) GetLogsForApp(ctx context.Context, appName string) ([]firewall.ConnectionRecord, error) {
	recs, err := o.store.QueryByApp(ctx, appName)
	if err != nil {
		o.metrics.StorageErrors.WithLabelValues("query_by_app").Inc()
		return []firewall.ConnectionRecord{}, err
	}
	if recs == nil {
		recs = []firewall.ConnectionRecord{}
	}
	return recs, nil
}

// GetAnomalies returns the latest detection cycle's output without running
// a new one. Before the first cycle it is empty.
func (o *Orchestrator) GetAnomalies() Anomalies {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.latest
}

func isIPLiteral(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}
