package telemetry

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"appfirewall/pkg/firewall"
)

// DefaultConntrackPath is the netfilter connection tracking table.
const DefaultConntrackPath = "/proc/net/nf_conntrack"

// FlowKey identifies a flow from the local host's side.
type FlowKey struct {
	Protocol   firewall.Protocol
	LocalIP    string
	LocalPort  uint32
	RemoteIP   string
	RemotePort uint32
}

// Counters are byte totals seen from the local host.
type Counters struct {
	Sent     uint64
	Received uint64
}

// FlowCounters supplies per-flow byte counters for one collection pass.
// Flows missing from the snapshot count as zero.
type FlowCounters interface {
	Snapshot(ctx context.Context) (map[FlowKey]Counters, error)
}

// NopFlowCounters reports no accounting data.
type NopFlowCounters struct{}

func (NopFlowCounters) Snapshot(context.Context) (map[FlowKey]Counters, error) { return nil, nil }

// ConntrackCounters reads netfilter accounting. Byte fields only appear
// when net.netfilter.nf_conntrack_acct is enabled.
type ConntrackCounters struct {
	Path string
}

func (c ConntrackCounters) Snapshot(ctx context.Context) (map[FlowKey]Counters, error) {
	path := c.Path
	if path == "" {
		path = DefaultConntrackPath
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseConntrack(ctx, f)
}

type ctTuple struct {
	src, dst     string
	sport, dport uint32
	bytes        uint64
	set          bool
}

// parseConntrack indexes every flow under both orientations: as the
// originator (sent = original bytes) and as the responder (sent = reply
// bytes).
func parseConntrack(ctx context.Context, r io.Reader) (map[FlowKey]Counters, error) {
	out := make(map[FlowKey]Counters)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 0; sc.Scan(); n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		proto := firewall.ProtocolFromString(fields[2])
		if proto == firewall.ProtocolUnknown {
			continue
		}

		var orig, reply ctTuple
		cur := &orig
		for _, field := range fields[3:] {
			k, v, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			if k == "src" && cur.set {
				if cur == &reply {
					break
				}
				cur = &reply
			}
			switch k {
			case "src":
				cur.src, cur.set = canonicalIP(v), true
			case "dst":
				cur.dst = canonicalIP(v)
			case "sport":
				cur.sport = parseUint32(v)
			case "dport":
				cur.dport = parseUint32(v)
			case "bytes":
				cur.bytes, _ = strconv.ParseUint(v, 10, 64)
			}
		}
		if !orig.set || !reply.set {
			continue
		}

		out[FlowKey{proto, orig.src, orig.sport, orig.dst, orig.dport}] = Counters{Sent: orig.bytes, Received: reply.bytes}
		out[FlowKey{proto, reply.src, reply.sport, reply.dst, reply.dport}] = Counters{Sent: reply.bytes, Received: orig.bytes}
	}
	return out, sc.Err()
}

func canonicalIP(s string) string {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.Unmap().String()
}

func parseUint32(s string) uint32 {
	v, _ := strconv.ParseUint(s, 10, 32)
	return uint32(v)
}
