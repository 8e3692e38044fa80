// Package telemetry enumerates the host's established sockets and turns
// them into connection records.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"appfirewall/pkg/firewall"
)

// SkipReason explains why a socket produced no record.
type SkipReason string

const (
	SkipNoRemote       SkipReason = "no_remote"
	SkipNotEstablished SkipReason = "not_established"
	SkipNoPID          SkipReason = "no_pid"
	SkipProcessGone    SkipReason = "process_gone"
	SkipAccessDenied   SkipReason = "access_denied"
	SkipLookupFailed   SkipReason = "lookup_failed"
	SkipPanic          SkipReason = "panic"
)

// Stats summarizes one collection pass.
type Stats struct {
	Sockets int
	Records int
	Skipped map[SkipReason]int
	// Err is set when the socket table itself could not be read.
	Err error
}

// Config for the collector.
type Config struct {
	// LookupTimeout bounds each process-name lookup.
	LookupTimeout time.Duration
	Flows         FlowCounters
	Now           func() time.Time
	Logger        *slog.Logger
}

type Collector struct {
	src     Source
	flows   FlowCounters
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewCollector(src Source, cfg Config) *Collector {
	c := &Collector{
		src:     src,
		flows:   cfg.Flows,
		timeout: cfg.LookupTimeout,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if c.flows == nil {
		c.flows = NopFlowCounters{}
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.logger = c.logger.With("component", "collector")
	return c
}

type lookup struct {
	name string
	err  error
}

// Collect returns one record per established socket with both endpoints
// known. Per-socket failures are skipped and counted, never returned.
func (c *Collector) Collect(ctx context.Context) ([]firewall.ConnectionRecord, Stats) {
	stats := Stats{Skipped: make(map[SkipReason]int)}
	records := []firewall.ConnectionRecord{}

	sockets, err := c.src.Sockets(ctx)
	if err != nil {
		c.logger.Error("socket table enumeration failed", "error", err)
		stats.Err = err
		return records, stats
	}
	stats.Sockets = len(sockets)

	flows, err := c.flows.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("flow accounting unavailable, byte counters default to zero", "error", err)
		flows = nil
	}

	names := make(map[int32]lookup)
	ts := c.now().UTC()
	for _, s := range sockets {
		rec, reason := c.observe(ctx, s, names, flows, ts)
		if reason != "" {
			stats.Skipped[reason]++
			continue
		}
		records = append(records, rec)
	}
	stats.Records = len(records)
	return records, stats
}

func (c *Collector) observe(ctx context.Context, s Socket, names map[int32]lookup, flows map[FlowKey]Counters, ts time.Time) (rec firewall.ConnectionRecord, reason SkipReason) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling socket", "pid", s.PID, "panic", fmt.Sprint(r))
			reason = SkipPanic
		}
	}()

	if s.LocalIP == "" || s.RemoteIP == "" || s.RemotePort == 0 {
		return rec, SkipNoRemote
	}
	proto := protocolOf(s.Type)
	if proto == firewall.ProtocolTCP && s.Status != "ESTABLISHED" {
		return rec, SkipNotEstablished
	}
	if s.PID <= 0 {
		return rec, SkipNoPID
	}

	l, ok := names[s.PID]
	if !ok {
		lctx, cancel := context.WithTimeout(ctx, c.timeout)
		l.name, l.err = c.src.ProcessName(lctx, s.PID)
		cancel()
		if l.err == nil && l.name == "" {
			l.err = ErrProcessGone
		}
		names[s.PID] = l
	}
	switch {
	case errors.Is(l.err, ErrProcessGone):
		return rec, SkipProcessGone
	case errors.Is(l.err, ErrAccessDenied):
		return rec, SkipAccessDenied
	case l.err != nil:
		c.logger.Debug("process lookup failed", "pid", s.PID, "error", l.err)
		return rec, SkipLookupFailed
	}

	ctr := flows[FlowKey{
		Protocol:   proto,
		LocalIP:    canonicalIP(s.LocalIP),
		LocalPort:  s.LocalPort,
		RemoteIP:   canonicalIP(s.RemoteIP),
		RemotePort: s.RemotePort,
	}]
	dest := net.JoinHostPort(s.RemoteIP, strconv.FormatUint(uint64(s.RemotePort), 10))
	return firewall.NewConnectionRecord(l.name, dest, proto, ctr.Sent, ctr.Received, ts), ""
}

func protocolOf(sockType uint32) firewall.Protocol {
	switch sockType {
	case sockStream:
		return firewall.ProtocolTCP
	case sockDgram:
		return firewall.ProtocolUDP
	default:
		return firewall.ProtocolUnknown
	}
}

// Processes returns a snapshot of running processes. Enumeration failure
// yields an empty list.
func (c *Collector) Processes(ctx context.Context) []firewall.ProcessDescriptor {
	procs, err := c.src.Processes(ctx)
	if err != nil {
		c.logger.Error("process enumeration failed", "error", err)
		return []firewall.ProcessDescriptor{}
	}
	if procs == nil {
		procs = []firewall.ProcessDescriptor{}
	}
	return procs
}
