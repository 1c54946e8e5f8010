// Package circuitbreaker implements the failure-isolation primitive that
// protects callers from a broker judged unhealthy.
//
// # State machine
//
//	Closed ──(consecutive failures ≥ threshold)──► Open ──(RecoveryTimeout elapsed)──► HalfOpen
//	  ▲                                                                                   │
//	  └────────────────(HalfOpenSuccesses trial calls succeed)───────────────────────────┘
//	                    (any half-open failure) ─────────────────────────────────► Open
//
// While Open and before the recovery deadline, Execute fails fast with
// ErrOpen instead of invoking the wrapped operation.
//
// # Concurrency
//
// All public methods are safe for concurrent use; they acquire the internal
// mutex for every call. The per-name Registry uses a separate read-write
// mutex so the common read path (Get for an existing breaker) does not
// contend with the rare write path.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Requests are rejected
	StateHalfOpen              // Limited trial requests are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute while the breaker rejects calls.
type ErrOpen struct {
	Name  string
	Until time.Time
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.Until.Format(time.RFC3339))
}

// Config holds the circuit breaker configuration.
type Config struct {
	FailureThreshold  int           // Consecutive failures that trip the breaker
	RecoveryTimeout   time.Duration // How long the breaker stays open before half-open
	HalfOpenSuccesses int           // Trial successes required to close again
}

// Metrics is a point-in-time snapshot for observability.
type Metrics struct {
	TotalCalls          int64
	SuccessfulCalls     int64
	FailedCalls         int64
	ConsecutiveFailures int
	State               State
}

// Breaker is a named circuit breaker wrapping broker operations.
type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  Config

	state       State
	consecutive int
	openedAt    time.Time
	halfOpenOK  int

	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
}

// New creates a new circuit breaker with the given configuration.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	return &Breaker{name: name, cfg: cfg}
}

// Execute runs op under the breaker. While open it fails fast with *ErrOpen
// without invoking op; otherwise the call outcome is recorded and op's error
// returned unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		deadline := b.openedAt.Add(b.cfg.RecoveryTimeout)
		if time.Now().Before(deadline) {
			return &ErrOpen{Name: b.name, Until: deadline}
		}
		b.state = StateHalfOpen
		b.halfOpenOK = 0
	}

	b.totalCalls++
	return nil
}

// RecordSuccess records a successful operation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successfulCalls++
	b.consecutive = 0

	if b.state == StateHalfOpen {
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenSuccesses {
			b.state = StateClosed
		}
	}
}

// RecordFailure records a failed operation.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failedCalls++
	b.consecutive++

	switch b.state {
	case StateClosed:
		if b.consecutive >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		// Trial failed, reopen immediately
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// State returns the current breaker state, applying the open→half-open
// transition if the recovery deadline has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.halfOpenOK = 0
	}
	return b.state
}

// Snapshot returns current metrics for observability.
func (b *Breaker) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		TotalCalls:          b.totalCalls,
		SuccessfulCalls:     b.successfulCalls,
		FailedCalls:         b.failedCalls,
		ConsecutiveFailures: b.consecutive,
		State:               b.state,
	}
}

// Registry holds named circuit breakers.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry; every breaker it creates shares
// cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a name, creating one on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double check
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Remove deletes the breaker for a name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

// Snapshot returns a map of breaker name to state for observability.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
