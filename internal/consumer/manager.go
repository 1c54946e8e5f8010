package consumer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
)

// Handler processes one call entry read from the stream. The values map is
// the raw stream entry. Returning an error counts against the consumer's
// error budget; the entry is acknowledged either way, so a failing call is
// attempted at most once.
type Handler func(ctx context.Context, msgID string, values map[string]any) error

// Options configures one consumer.
type Options struct {
	Stream       string
	Group        string
	ConsumerID   string
	FunctionName string
	Scope        string
}

// Manager owns one consumer's read loop and its supervision state. The
// lifecycle is starting -> active -> stopping -> stopped; a consumer that
// exhausts its error budget or cannot register its state ends up in error.
type Manager struct {
	broker  *broker.Manager
	state   *StateManager
	opts    Options
	cfg     config.ConsumerConfig
	handler Handler

	mu      sync.Mutex
	status  string
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	errored bool
}

// NewManager builds a consumer for one function stream. Start must be
// called before any entry is read.
func NewManager(b *broker.Manager, state *StateManager, cfg config.ConsumerConfig, opts Options, h Handler) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 5 * time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.ReadRetryDelay <= 0 {
		cfg.ReadRetryDelay = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = 5
	}
	return &Manager{broker: b, state: state, opts: opts, cfg: cfg, handler: h, status: StatusStopped}
}

// Status returns the consumer's current lifecycle state as this process
// sees it.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(ctx context.Context, status string) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	if err := m.state.SetStatus(ctx, m.opts.ConsumerID, status); err != nil {
		logging.Op().Warn("consumer status publish failed",
			"consumer", m.opts.ConsumerID, "status", status, "error", err)
	}
}

// Start registers the consumer's supervision state, ensures the group
// exists and launches the read loop. Fail-closed: if the state cannot be
// registered, no entry is ever read. Calling Start on a running consumer is
// a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.status = StatusStarting
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		m.started = false
		m.status = StatusError
		m.mu.Unlock()
		return err
	}

	if err := m.ensureGroup(ctx); err != nil {
		return fail(err)
	}
	if err := m.state.Register(ctx, m.opts.ConsumerID, m.opts.FunctionName, m.opts.Scope); err != nil {
		return fail(err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.setStatus(ctx, StatusActive)
	go m.run(loopCtx, done)
	go m.heartbeatLoop(loopCtx)

	logging.Op().Info("consumer started",
		"consumer", m.opts.ConsumerID, "stream", m.opts.Stream, "group", m.opts.Group)
	return nil
}

func (m *Manager) ensureGroup(ctx context.Context) error {
	return m.broker.Execute(ctx, "consumer.group", func(ctx context.Context, client *redis.Client) error {
		err := client.XGroupCreateMkStream(ctx, m.opts.Stream, m.opts.Group, "0").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	})
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.state.Heartbeat(ctx, m.opts.ConsumerID); err != nil {
				logging.Op().Warn("consumer heartbeat failed",
					"consumer", m.opts.ConsumerID, "error", err)
			}
		}
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := m.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Op().Warn("stream read failed, backing off",
				"consumer", m.opts.ConsumerID, "stream", m.opts.Stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.ReadRetryDelay):
			}
			// A transient broker outage must not count against the error
			// budget; wait out the outage before reading again.
			for m.broker.Ping(ctx) != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.cfg.ReadRetryDelay):
				}
			}
			// Broker reachable again, but that alone does not mean this
			// consumer should resume: the supervisor may have judged it
			// dead in the meantime. Refresh the heartbeat, then re-check
			// the supervision state before reading again.
			if err := m.state.Heartbeat(ctx, m.opts.ConsumerID); err != nil {
				logging.Op().Warn("consumer heartbeat failed",
					"consumer", m.opts.ConsumerID, "error", err)
			}
			st, serr := m.state.Get(ctx, m.opts.ConsumerID)
			if serr == nil && !m.state.IsHealthy(st, time.Now()) {
				logging.Op().Error("consumer no longer healthy after read failure, stopping",
					"consumer", m.opts.ConsumerID, "stream", m.opts.Stream)
				m.setStatus(context.WithoutCancel(ctx), StatusError)
				return
			}
			continue
		}
		for _, msg := range entries {
			if ctx.Err() != nil {
				return
			}
			if stop := m.process(ctx, msg); stop {
				m.setStatus(context.WithoutCancel(ctx), StatusError)
				return
			}
		}
	}
}

func (m *Manager) read(ctx context.Context) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	err := m.broker.Execute(ctx, "consumer.read", func(ctx context.Context, client *redis.Client) error {
		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    m.opts.Group,
			Consumer: m.opts.ConsumerID,
			Streams:  []string{m.opts.Stream, ">"},
			Count:    int64(m.cfg.BatchSize),
			Block:    m.cfg.BlockTime,
		}).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
		return nil
	})
	return msgs, err
}

// process runs one entry through the handler and acknowledges it regardless
// of outcome: a failing call gets exactly one attempt, there is no retry
// queue. Returns true when the error budget is exhausted and the consumer
// must stop.
func (m *Manager) process(ctx context.Context, msg redis.XMessage) (stop bool) {
	procCtx, cancel := context.WithTimeout(ctx, m.cfg.ProcessingTimeout)
	err := m.handler(procCtx, msg.ID, msg.Values)
	cancel()

	m.ack(context.WithoutCancel(ctx), msg.ID)
	metrics.RecordMessageProcessed(m.opts.FunctionName, err == nil)
	if err == nil {
		// The budget counts consecutive failures; a success clears it.
		m.mu.Lock()
		hadErrors := m.errored
		m.errored = false
		m.mu.Unlock()
		if hadErrors {
			if rerr := m.state.ResetErrors(context.WithoutCancel(ctx), m.opts.ConsumerID); rerr != nil {
				logging.Op().Warn("error count reset failed",
					"consumer", m.opts.ConsumerID, "error", rerr)
			}
		}
		return false
	}
	m.mu.Lock()
	m.errored = true
	m.mu.Unlock()

	logging.Op().Warn("call processing failed",
		"consumer", m.opts.ConsumerID, "msgId", msg.ID, "error", err)
	count, recErr := m.state.RecordError(context.WithoutCancel(ctx), m.opts.ConsumerID, err)
	if recErr != nil {
		logging.Op().Warn("error count update failed",
			"consumer", m.opts.ConsumerID, "error", recErr)
		return false
	}
	if count >= m.cfg.MaxErrorCount {
		logging.Op().Error("consumer exceeded error budget, stopping",
			"consumer", m.opts.ConsumerID, "errors", count)
		return true
	}
	return false
}

func (m *Manager) ack(ctx context.Context, msgID string) {
	err := m.broker.Execute(ctx, "consumer.ack", func(ctx context.Context, client *redis.Client) error {
		return client.XAck(ctx, m.opts.Stream, m.opts.Group, msgID).Err()
	})
	if err != nil {
		logging.Op().Warn("ack failed", "consumer", m.opts.ConsumerID, "msgId", msgID, "error", err)
	}
}

// Stop drains the read loop and removes the consumer's supervision state.
// Safe to call on a consumer that never started.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	m.setStatus(ctx, StatusStopping)
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.status = StatusStopped
	m.mu.Unlock()

	// Drop the group-side consumer so its pending-entry list does not
	// accumulate, then clear supervision state.
	delErr := m.broker.Execute(ctx, "consumer.delete", func(ctx context.Context, client *redis.Client) error {
		return client.XGroupDelConsumer(ctx, m.opts.Stream, m.opts.Group, m.opts.ConsumerID).Err()
	})
	if delErr != nil {
		logging.Op().Warn("group consumer delete failed",
			"consumer", m.opts.ConsumerID, "error", delErr)
	}
	if err := m.state.Remove(ctx, m.opts.ConsumerID, m.opts.FunctionName, m.opts.Scope); err != nil {
		return err
	}
	logging.Op().Info("consumer stopped", "consumer", m.opts.ConsumerID)
	return nil
}
