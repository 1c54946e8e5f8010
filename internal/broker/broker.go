// Package broker owns the Redis connections shared by every relay component.
// All higher-level state (workers, consumers, return values) is broker
// resident; this package is the single place connections are created,
// circuit-breaker protected and torn down.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/circuitbreaker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/metrics"
)

// TransportError wraps a broker command failure so callers can classify it
// without inspecting redis internals.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Manager pools connections to Redis and applies circuit-breaker protection
// to every operation executed through it.
type Manager struct {
	cfg      config.RedisConfig
	client   *redis.Client
	breakers *circuitbreaker.Registry
}

// NewManager connects to Redis and verifies the connection with a ping.
func NewManager(ctx context.Context, cfg config.RedisConfig, breaker circuitbreaker.Config) (*Manager, error) {
	client := newClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		breakers: circuitbreaker.NewRegistry(breaker),
	}, nil
}

func newClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// Client returns the pooled client for direct command access. Prefer Execute
// for operations that should be breaker-protected.
func (m *Manager) Client() *redis.Client {
	return m.client
}

// Subscriber returns a fresh client suitable for a long-lived SUBSCRIBE
// connection. go-redis dedicates the connection once Subscribe is called, so
// subscribers must not share the pooled client.
func (m *Manager) Subscriber() *redis.Client {
	return newClient(m.cfg)
}

// Execute runs op against the pooled client under the named circuit breaker.
// While the breaker is open, op is not invoked and *circuitbreaker.ErrOpen
// is returned. Command failures are wrapped in *TransportError.
func (m *Manager) Execute(ctx context.Context, name string, op func(ctx context.Context, client *redis.Client) error) error {
	b := m.breakers.Get(name)
	err := b.Execute(ctx, func(ctx context.Context) error {
		return op(ctx, m.client)
	})
	metrics.SetCircuitBreakerState(name, int(b.State()))
	if err != nil {
		var open *circuitbreaker.ErrOpen
		if errors.As(err, &open) {
			return err
		}
		return &TransportError{Op: name, Err: err}
	}
	return nil
}

// Breakers exposes the breaker registry for observability.
func (m *Manager) Breakers() *circuitbreaker.Registry {
	return m.breakers
}

// Ping checks broker connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close tears down the pooled client.
func (m *Manager) Close() error {
	return m.client.Close()
}
