package firewall

import "strings"

// JoinCSV encodes a set the way the app_policies table stores it.
func JoinCSV(values []string) string {
	return strings.Join(values, ",")
}

// SplitCSV is the inverse of JoinCSV; empty input yields an empty set.
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ProtocolsCSV encodes a protocol set.
func ProtocolsCSV(protos []Protocol) string {
	s := make([]string, len(protos))
	for i, p := range protos {
		s[i] = string(p)
	}
	return JoinCSV(s)
}

// ParseProtocolsCSV decodes a protocol set, dropping unknown entries.
func ParseProtocolsCSV(s string) []Protocol {
	parts := SplitCSV(s)
	out := make([]Protocol, 0, len(parts))
	for _, p := range parts {
		if proto, err := ParseProtocol(p); err == nil {
			out = append(out, proto)
		}
	}
	return out
}
