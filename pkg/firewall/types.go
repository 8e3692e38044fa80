// Package firewall holds the domain model shared by the collector, the
// stores, the decision engine and the anomaly detector.
package firewall

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol is the transport of an observed socket.
type Protocol string

const (
	ProtocolTCP     Protocol = "TCP"
	ProtocolUDP     Protocol = "UDP"
	ProtocolUnknown Protocol = "UNKNOWN"
)

// ParseProtocol accepts a policy protocol name. Only TCP and UDP can be
// allowed by a policy; anything else is an error.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(s))) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolUDP:
		return ProtocolUDP, nil
	default:
		return "", fmt.Errorf("unsupported protocol %q", s)
	}
}

// ProtocolFromString is the lenient form used when reading stored records:
// unrecognized values map to ProtocolUnknown.
func ProtocolFromString(s string) Protocol {
	if p, err := ParseProtocol(s); err == nil {
		return p
	}
	return ProtocolUnknown
}

// ProcessDescriptor is a transient snapshot of one running process.
type ProcessDescriptor struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
	// ExecutablePath is empty when the OS would not reveal it.
	ExecutablePath string `json:"path,omitempty"`
}

// ConnectionRecord is one observed socket. Records are immutable once
// appended to the log.
type ConnectionRecord struct {
	ID            string    `json:"id"`
	AppName       string    `json:"app_name"`
	Timestamp     time.Time `json:"timestamp"`
	Destination   string    `json:"destination"`
	Protocol      Protocol  `json:"protocol"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
}

// NewConnectionRecord stamps a fresh id onto an observation.
func NewConnectionRecord(appName, destination string, proto Protocol, sent, received uint64, ts time.Time) ConnectionRecord {
	return ConnectionRecord{
		ID:            uuid.NewString(),
		AppName:       appName,
		Timestamp:     ts.UTC(),
		Destination:   destination,
		Protocol:      proto,
		BytesSent:     sent,
		BytesReceived: received,
	}
}

// Policy is the allow-list for one application.
type Policy struct {
	ID               string     `json:"id"`
	AppName          string     `json:"app_name"`
	AllowedDomains   []string   `json:"allowed_domains"`
	AllowedIPs       []string   `json:"allowed_ips"`
	AllowedProtocols []Protocol `json:"allowed_protocols"`
	IsActive         bool       `json:"is_active"`
}

// Normalize returns a copy with trimmed, de-duplicated and sorted sets.
// Domains are lowercased; IPs are kept as literal strings.
func (p Policy) Normalize() Policy {
	out := p
	out.AppName = strings.TrimSpace(p.AppName)
	out.AllowedDomains = normalizeSet(p.AllowedDomains, func(s string) string {
		return strings.TrimSuffix(strings.ToLower(s), ".")
	})
	out.AllowedIPs = normalizeSet(p.AllowedIPs, func(s string) string { return s })

	seen := make(map[Protocol]struct{}, len(p.AllowedProtocols))
	out.AllowedProtocols = make([]Protocol, 0, len(p.AllowedProtocols))
	for _, proto := range p.AllowedProtocols {
		if _, ok := seen[proto]; ok {
			continue
		}
		seen[proto] = struct{}{}
		out.AllowedProtocols = append(out.AllowedProtocols, proto)
	}
	sort.Slice(out.AllowedProtocols, func(i, j int) bool { return out.AllowedProtocols[i] < out.AllowedProtocols[j] })
	return out
}

// AllowsProtocol reports whether proto is in the allowed set.
func (p Policy) AllowsProtocol(proto Protocol) bool {
	for _, allowed := range p.AllowedProtocols {
		if allowed == proto {
			return true
		}
	}
	return false
}

func normalizeSet(in []string, canon func(string) string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = canon(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Outcome is the decision engine's answer.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeBlock Outcome = "BLOCK"
)

// Verdict is derived from a record and a policy; it is never stored.
type Verdict struct {
	ConnectionID string  `json:"connection_id"`
	Outcome      Outcome `json:"outcome"`
	Reason       string  `json:"reason"`
}

// AnomalyScore is one record's label from a detection cycle.
type AnomalyScore struct {
	ConnectionID string  `json:"connection_id"`
	IsAnomaly    bool    `json:"is_anomaly"`
	Score        float64 `json:"score"`
}
