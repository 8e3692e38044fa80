package telemetry

import (
	"context"
	"errors"
	"os"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"appfirewall/pkg/firewall"
)

var (
	// ErrProcessGone means the socket's owner exited before it was looked up.
	ErrProcessGone = errors.New("process exited")
	// ErrAccessDenied means the OS refused to reveal the process.
	ErrAccessDenied = errors.New("process access denied")
)

// Socket types as reported by the OS socket table.
const (
	sockStream uint32 = 1
	sockDgram  uint32 = 2
)

// Socket is one row of the OS socket table.
type Socket struct {
	PID        int32
	Type       uint32
	Status     string
	LocalIP    string
	LocalPort  uint32
	RemoteIP   string
	RemotePort uint32
}

// Source is the collector's view of the operating system.
type Source interface {
	Sockets(ctx context.Context) ([]Socket, error)
	// ProcessName returns ErrProcessGone or ErrAccessDenied when the owner
	// cannot be resolved for those reasons.
	ProcessName(ctx context.Context, pid int32) (string, error)
	Processes(ctx context.Context) ([]firewall.ProcessDescriptor, error)
}

// SystemSource reads the live process and socket tables through gopsutil.
type SystemSource struct{}

var _ Source = SystemSource{}

func (SystemSource) Sockets(ctx context.Context) ([]Socket, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	out := make([]Socket, 0, len(conns))
	for _, c := range conns {
		out = append(out, Socket{
			PID:        c.Pid,
			Type:       c.Type,
			Status:     c.Status,
			LocalIP:    c.Laddr.IP,
			LocalPort:  c.Laddr.Port,
			RemoteIP:   c.Raddr.IP,
			RemotePort: c.Raddr.Port,
		})
	}
	return out, nil
}

func (SystemSource) ProcessName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", classifyProcessErr(err)
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return "", classifyProcessErr(err)
	}
	return name, nil
}

func (SystemSource) Processes(ctx context.Context) ([]firewall.ProcessDescriptor, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]firewall.ProcessDescriptor, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		out = append(out, firewall.ProcessDescriptor{PID: p.Pid, Name: name, ExecutablePath: exe})
	}
	return out, nil
}

func classifyProcessErr(err error) error {
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning), errors.Is(err, os.ErrNotExist):
		return ErrProcessGone
	case errors.Is(err, os.ErrPermission), strings.Contains(strings.ToLower(err.Error()), "access is denied"):
		return ErrAccessDenied
	}
	return err
}
