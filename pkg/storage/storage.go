// Package storage defines the connection log and policy store contracts
// shared by the embedded (badger) and PostgreSQL backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"appfirewall/pkg/firewall"
)

var (
	// ErrDuplicateID is returned when a record id is already in the log.
	ErrDuplicateID = errors.New("duplicate record id")
	// ErrClosed means the medium is gone for good; the agent treats it as fatal.
	ErrClosed = errors.New("store closed")
)

// Error is the StorageError of the pipeline: the operation that failed and
// the underlying cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise a *Error for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// LogStore is the append-only connection log.
type LogStore interface {
	Append(ctx context.Context, rec firewall.ConnectionRecord) error
	QueryByApp(ctx context.Context, appName string) ([]firewall.ConnectionRecord, error)
	// QueryRange returns records with from <= Timestamp < to.
	QueryRange(ctx context.Context, from, to time.Time) ([]firewall.ConnectionRecord, error)
	QueryAll(ctx context.Context) ([]firewall.ConnectionRecord, error)
	Count(ctx context.Context) (int, error)
	// ClearAll removes every record atomically.
	ClearAll(ctx context.Context) error
}

// PolicyStore keeps per-application rules. Only one row per app is active.
type PolicyStore interface {
	// Upsert assigns an id when p.ID is empty and returns the stored row.
	// Upserting an active row deactivates every other row of the same app.
	Upsert(ctx context.Context, p firewall.Policy) (firewall.Policy, error)
	// GetActivePolicy returns nil, nil when the app has no active policy.
	GetActivePolicy(ctx context.Context, appName string) (*firewall.Policy, error)
	PolicyHistory(ctx context.Context, appName string) ([]firewall.Policy, error)
}

// Store bundles both tables behind one handle.
type Store interface {
	LogStore
	PolicyStore
	Close() error
}
