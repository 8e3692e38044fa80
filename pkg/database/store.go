package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"appfirewall/pkg/firewall"
	"appfirewall/pkg/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db     *Database
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Open connects, migrates and returns a ready store.
func Open(ctx context.Context, config DBConfig) (*Store, error) {
	db, err := NewDatabase(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the pool. Later calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Ping checks the pool; the agent's /healthz calls it.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.check("ping"); err != nil {
		return err
	}
	return s.db.Ping(ctx)
}

func (s *Store) check(op string) error {
	if s.closed.Load() {
		return storage.Wrap(op, storage.ErrClosed)
	}
	return nil
}

// BIGINT is signed; counters past MaxInt64 are clamped.
func toBigint(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func (s *Store) Append(ctx context.Context, rec firewall.ConnectionRecord) error {
	if err := s.check("append"); err != nil {
		return err
	}
	if rec.ID == "" {
		return storage.Wrap("append", errors.New("record id is required"))
	}
	_, err := s.db.Primary.ExecContext(ctx,
		`INSERT INTO network_logs (id, app_name, timestamp, destination, protocol, bytes_sent, bytes_received)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.AppName, rec.Timestamp.UTC(), rec.Destination, string(rec.Protocol),
		toBigint(rec.BytesSent), toBigint(rec.BytesReceived))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return storage.Wrap("append", fmt.Errorf("%w: %s", storage.ErrDuplicateID, rec.ID))
		}
		return storage.Wrap("append", err)
	}
	return nil
}

const selectLogs = `SELECT id, app_name, timestamp, destination, protocol, bytes_sent, bytes_received FROM network_logs`

func (s *Store) QueryByApp(ctx context.Context, appName string) ([]firewall.ConnectionRecord, error) {
	return s.queryLogs(ctx, "query by app", selectLogs+` WHERE app_name = $1 ORDER BY seq`, appName)
}

func (s *Store) QueryRange(ctx context.Context, from, to time.Time) ([]firewall.ConnectionRecord, error) {
	return s.queryLogs(ctx, "query range",
		selectLogs+` WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp, seq`, from.UTC(), to.UTC())
}

func (s *Store) QueryAll(ctx context.Context) ([]firewall.ConnectionRecord, error) {
	return s.queryLogs(ctx, "query all", selectLogs+` ORDER BY seq`)
}

func (s *Store) queryLogs(ctx context.Context, op, query string, args ...any) ([]firewall.ConnectionRecord, error) {
	if err := s.check(op); err != nil {
		return nil, err
	}
	rows, err := s.db.Primary.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap(op, err)
	}
	defer rows.Close()

	out := []firewall.ConnectionRecord{}
	for rows.Next() {
		var (
			rec         firewall.ConnectionRecord
			proto       string
			sent, recvd int64
		)
		if err := rows.Scan(&rec.ID, &rec.AppName, &rec.Timestamp, &rec.Destination, &proto, &sent, &recvd); err != nil {
			return nil, storage.Wrap(op, err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.Protocol = firewall.ProtocolFromString(proto)
		rec.BytesSent, rec.BytesReceived = uint64(sent), uint64(recvd)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(op, err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.check("count"); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.Primary.QueryRowContext(ctx, `SELECT COUNT(*) FROM network_logs`).Scan(&n); err != nil {
		return 0, storage.Wrap("count", err)
	}
	return n, nil
}

// ClearAll is a single DELETE, so it commits entirely or not at all.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.check("clear"); err != nil {
		return err
	}
	if _, err := s.db.Primary.ExecContext(ctx, `DELETE FROM network_logs`); err != nil {
		return storage.Wrap("clear", err)
	}
	return nil
}

// Upsert serializes writers per application with a transaction-scoped
// advisory lock; the partial unique index on active rows backs it up.
func (s *Store) Upsert(ctx context.Context, p firewall.Policy) (firewall.Policy, error) {
	if err := s.check("upsert policy"); err != nil {
		return firewall.Policy{}, err
	}
	p = p.Normalize()
	if p.AppName == "" {
		return firewall.Policy{}, storage.Wrap("upsert policy", errors.New("app name is required"))
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.AppName); err != nil {
			return err
		}
		if p.IsActive {
			if _, err := tx.ExecContext(ctx,
				`UPDATE app_policies SET is_active = FALSE WHERE app_name = $1 AND id <> $2 AND is_active`,
				p.AppName, p.ID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO app_policies (id, app_name, allowed_domains, allowed_ips, allowed_protocols, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
			   app_name = EXCLUDED.app_name,
			   allowed_domains = EXCLUDED.allowed_domains,
			   allowed_ips = EXCLUDED.allowed_ips,
			   allowed_protocols = EXCLUDED.allowed_protocols,
			   is_active = EXCLUDED.is_active`,
			p.ID, p.AppName, firewall.JoinCSV(p.AllowedDomains), firewall.JoinCSV(p.AllowedIPs),
			firewall.ProtocolsCSV(p.AllowedProtocols), p.IsActive)
		return err
	})
	if err != nil {
		return firewall.Policy{}, storage.Wrap("upsert policy", err)
	}
	return p, nil
}

const selectPolicies = `SELECT id, app_name, allowed_domains, allowed_ips, allowed_protocols, is_active FROM app_policies`

func (s *Store) GetActivePolicy(ctx context.Context, appName string) (*firewall.Policy, error) {
	rows, err := s.queryPolicies(ctx, "get active policy", selectPolicies+` WHERE app_name = $1 AND is_active LIMIT 1`, appName)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (s *Store) PolicyHistory(ctx context.Context, appName string) ([]firewall.Policy, error) {
	return s.queryPolicies(ctx, "policy history", selectPolicies+` WHERE app_name = $1 ORDER BY is_active DESC, id`, appName)
}

func (s *Store) queryPolicies(ctx context.Context, op, query string, args ...any) ([]firewall.Policy, error) {
	if err := s.check(op); err != nil {
		return nil, err
	}
	rows, err := s.db.Primary.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap(op, err)
	}
	defer rows.Close()

	out := []firewall.Policy{}
	for rows.Next() {
		var (
			p                       firewall.Policy
			domains, ips, protocols string
		)
		if err := rows.Scan(&p.ID, &p.AppName, &domains, &ips, &protocols, &p.IsActive); err != nil {
			return nil, storage.Wrap(op, err)
		}
		p.AllowedDomains = firewall.SplitCSV(strings.ToLower(domains))
		p.AllowedIPs = firewall.SplitCSV(ips)
		p.AllowedProtocols = firewall.ParseProtocolsCSV(protocols)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(op, err)
	}
	return out, nil
}
