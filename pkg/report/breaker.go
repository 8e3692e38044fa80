package report

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects publishes.
var ErrCircuitOpen = errors.New("report circuit breaker is open")

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerSettings struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before one probe is let through.
	Timeout time.Duration
	// OnStateChange is called with the breaker lock held; keep it short.
	OnStateChange func(from, to State)

	now func() time.Time
}

// DefaultBreakerSettings opens after 3 failures and probes every 5 minutes.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 3, Timeout: 5 * time.Minute}
}

// Breaker stops calling an unreachable sink after repeated failures, so a
// dead endpoint costs one fast error per cycle instead of a full timeout.
type Breaker struct {
	next     Publisher
	settings BreakerSettings

	mu       sync.Mutex
	state    State
	failures uint32
	expiry   time.Time
	probing  bool
}

var _ Publisher = (*Breaker)(nil)

func WithBreaker(next Publisher, s BreakerSettings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 3
	}
	if s.Timeout == 0 {
		s.Timeout = 5 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return &Breaker{next: next, settings: s}
}

func (b *Breaker) Publish(ctx context.Context, r AnomalyReport) error {
	if err := b.before(); err != nil {
		return err
	}
	err := b.next.Publish(ctx, r)
	b.after(err == nil)
	return err
}

func (b *Breaker) Close() error { return b.next.Close() }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !b.settings.now().Before(b.expiry) {
		b.setState(StateHalfOpen)
	}
	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if success {
		b.failures = 0
		b.setState(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.settings.FailureThreshold {
		b.expiry = b.settings.now().Add(b.settings.Timeout)
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(prev, s)
	}
}
