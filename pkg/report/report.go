// Package report publishes each detection cycle's anomalies to a central
// collector. The endpoint scheme picks the transport.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"appfirewall/pkg/firewall"
	otelobs "appfirewall/pkg/observability/otel"
)

const (
	// RedisChannel is the pub/sub channel for redis:// endpoints.
	RedisChannel = "appfw:anomalies"
	// NATSSubject is the subject for nats:// endpoints.
	NATSSubject = "appfw.anomalies"
)

// AnomalyReport is the payload sent after every scored detection cycle.
type AnomalyReport struct {
	AgentID     string                      `json:"agent_id"`
	GeneratedAt time.Time                   `json:"generated_at"`
	Anomalies   []firewall.ConnectionRecord `json:"anomalies"`
	Scores      []firewall.AnomalyScore     `json:"scores"`
}

// Publisher delivers reports. Implementations are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, r AnomalyReport) error
	Close() error
}

// New returns the publisher for endpoint:
//
//	""                 no-op
//	redis://, rediss:// Redis PUBLISH on RedisChannel
//	nats://, tls://     NATS publish on NATSSubject
//	http://, https://   JSON POST to the URL
func New(endpoint string) (Publisher, error) {
	if endpoint == "" {
		return Nop{}, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse report endpoint: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		opts, err := redis.ParseURL(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse redis endpoint: %w", err)
		}
		return &redisPublisher{client: redis.NewClient(opts)}, nil
	case "nats", "tls":
		conn, err := nats.Connect(endpoint,
			nats.Name("appfw-agent"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return &natsPublisher{conn: conn}, nil
	case "http", "https":
		return &httpPublisher{
			url:    endpoint,
			client: &http.Client{Timeout: 10 * time.Second, Transport: otelobs.WrapHTTPTransport(nil)},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported report endpoint scheme %q", u.Scheme)
	}
}

// Nop drops every report.
type Nop struct{}

func (Nop) Publish(context.Context, AnomalyReport) error { return nil }
func (Nop) Close() error { return nil }

type redisPublisher struct {
	client *redis.Client
}

func (p *redisPublisher) Publish(ctx context.Context, r AnomalyReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, RedisChannel, body).Err()
}

func (p *redisPublisher) Close() error { return p.client.Close() }

type natsPublisher struct {
	conn *nats.Conn
}

func (p *natsPublisher) Publish(_ context.Context, r AnomalyReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return p.conn.Publish(NATSSubject, body)
}

func (p *natsPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

type httpPublisher struct {
	url    string
	client *http.Client
}

func (p *httpPublisher) Publish(ctx context.Context, r AnomalyReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("report endpoint returned %s", resp.Status)
	}
	return nil
}

func (p *httpPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
