// Command policyctl manages application policies and inspects the
// connection log, processes and anomalies of a local agent's store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"appfirewall/pkg/agent"
	"appfirewall/pkg/config"
	"appfirewall/pkg/metrics"
	"appfirewall/pkg/storage"
	"appfirewall/pkg/structlog"
)

func main() {
	a := &cli{out: os.Stdout, open: openFromConfig, loadConfig: config.Load}
	err := newRootCmd(a).ExecuteContext(context.Background())
	a.closeAll()
	if err != nil {
		os.Exit(1)
	}
}

// session is an orchestrator bound to an open store.
type session struct {
	orch  *agent.Orchestrator
	store storage.Store
	close func()
}

// sessionConfig keeps the CLI local: inspection commands never publish
// anomaly reports or dial the report broker.
func sessionConfig(cfg config.Config) config.Config {
	cfg.ReportEndpoint = ""
	return cfg
}

func openFromConfig(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg = sessionConfig(cfg)
	level, _ := structlog.ParseLevel(cfg.LogLevel)
	logger := structlog.New(structlog.Options{Service: "policyctl", Level: level, Format: "text", Output: os.Stderr})

	store, err := agent.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	orch, publisher, err := agent.Assemble(ctx, cfg, store, metrics.New(), logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &session{
		orch:  orch,
		store: store,
		close: func() {
			publisher.Close()
			store.Close()
		},
	}, nil
}

type cli struct {
	out        io.Writer
	open       func(ctx context.Context) (*session, error)
	loadConfig func() (config.Config, error)
	jsonOut    bool
	sessions   []*session
}

func (c *cli) session(ctx context.Context) (*session, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *cli) closeAll() {
	for _, s := range c.sessions {
		s.close()
	}
	c.sessions = nil
}
