// Package consumer runs and supervises stream consumers: the read loop that
// drains a function's call stream through a consumer group, and the
// broker-resident state that lets any process judge a consumer's health.
package consumer

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
)

// Consumer lifecycle states. starting and active are the live states;
// stopping and stopped mark a graceful exit; errored is terminal for the
// state record until the sweeper removes it.
const (
	StatusStarting = "starting"
	StatusActive   = "active"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// State is one consumer's supervision record as stored in its state hash.
type State struct {
	ID            string
	FunctionName  string
	Scope         string
	Status        string
	StartTime     time.Time
	LastHeartbeat time.Time
	ErrorCount    int
	LastError     string
}

// StateManager reads and writes consumer supervision state in the broker.
// Every mutation refreshes the hash TTL, so a crashed process's record
// eventually disappears on its own even if no sweeper runs.
type StateManager struct {
	broker   *broker.Manager
	keys     keys.Layout
	ttl      time.Duration
	timeout  time.Duration
	maxError int
}

// NewStateManager builds a state manager from the consumer config.
func NewStateManager(b *broker.Manager, layout keys.Layout, cfg config.ConsumerConfig) *StateManager {
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxError := cfg.MaxErrorCount
	if maxError <= 0 {
		maxError = 5
	}
	return &StateManager{broker: b, keys: layout, ttl: ttl, timeout: timeout, maxError: maxError}
}

// Register creates the state hash in starting status and adds the consumer
// to the active and global sets. Start refuses to read from the stream
// until this has succeeded.
func (s *StateManager) Register(ctx context.Context, id, functionName, scope string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.broker.Execute(ctx, "consumer.register", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		pipe.HSet(ctx, s.keys.ConsumerState(id), map[string]any{
			"status":        StatusStarting,
			"functionName":  functionName,
			"scope":         scope,
			"startTime":     now,
			"lastHeartbeat": now,
			"errorCount":    "0",
		})
		pipe.Expire(ctx, s.keys.ConsumerState(id), s.ttl)
		pipe.SAdd(ctx, s.keys.ConsumerActive(functionName, scope), id)
		pipe.SAdd(ctx, s.keys.ConsumersAll(), id)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// SetStatus transitions the consumer's status field.
func (s *StateManager) SetStatus(ctx context.Context, id, status string) error {
	return s.broker.Execute(ctx, "consumer.status", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		pipe.HSet(ctx, s.keys.ConsumerState(id), "status", status)
		pipe.Expire(ctx, s.keys.ConsumerState(id), s.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Heartbeat refreshes lastHeartbeat and the hash TTL.
func (s *StateManager) Heartbeat(ctx context.Context, id string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.broker.Execute(ctx, "consumer.heartbeat", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		pipe.HSet(ctx, s.keys.ConsumerState(id), "lastHeartbeat", now)
		pipe.Expire(ctx, s.keys.ConsumerState(id), s.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RecordError increments the consumer's error count, stores the message and
// returns the new count.
func (s *StateManager) RecordError(ctx context.Context, id string, cause error) (int, error) {
	var count int64
	err := s.broker.Execute(ctx, "consumer.error", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		incr := pipe.HIncrBy(ctx, s.keys.ConsumerState(id), "errorCount", 1)
		pipe.HSet(ctx, s.keys.ConsumerState(id), "lastError", cause.Error())
		pipe.Expire(ctx, s.keys.ConsumerState(id), s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		count = incr.Val()
		return nil
	})
	return int(count), err
}

// ResetErrors clears the consecutive-error count after a successful batch,
// so only an unbroken run of failures exhausts the budget.
func (s *StateManager) ResetErrors(ctx context.Context, id string) error {
	return s.broker.Execute(ctx, "consumer.reset", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		pipe.HSet(ctx, s.keys.ConsumerState(id), "errorCount", "0")
		pipe.HDel(ctx, s.keys.ConsumerState(id), "lastError")
		pipe.Expire(ctx, s.keys.ConsumerState(id), s.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Remove deletes the state hash and drops the consumer from both sets.
func (s *StateManager) Remove(ctx context.Context, id, functionName, scope string) error {
	return s.broker.Execute(ctx, "consumer.remove", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		pipe.Del(ctx, s.keys.ConsumerState(id))
		pipe.SRem(ctx, s.keys.ConsumerActive(functionName, scope), id)
		pipe.SRem(ctx, s.keys.ConsumersAll(), id)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Get loads a consumer's state. A missing hash returns (nil, nil): the
// record expired or was never written, which callers treat as unhealthy.
func (s *StateManager) Get(ctx context.Context, id string) (*State, error) {
	var fields map[string]string
	err := s.broker.Execute(ctx, "consumer.state", func(ctx context.Context, client *redis.Client) error {
		m, err := client.HGetAll(ctx, s.keys.ConsumerState(id)).Result()
		if err != nil {
			return err
		}
		fields = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	st := &State{
		ID:           id,
		FunctionName: fields["functionName"],
		Scope:        fields["scope"],
		Status:       fields["status"],
		LastError:    fields["lastError"],
	}
	if ms, err := strconv.ParseInt(fields["startTime"], 10, 64); err == nil {
		st.StartTime = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["lastHeartbeat"], 10, 64); err == nil {
		st.LastHeartbeat = time.UnixMilli(ms)
	}
	if n, err := strconv.Atoi(fields["errorCount"]); err == nil {
		st.ErrorCount = n
	}
	return st, nil
}

// List returns every consumer id in the global set.
func (s *StateManager) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.broker.Execute(ctx, "consumer.list", func(ctx context.Context, client *redis.Client) error {
		members, err := client.SMembers(ctx, s.keys.ConsumersAll()).Result()
		if err != nil {
			return err
		}
		ids = members
		return nil
	})
	return ids, err
}

// IsHealthy applies the supervision predicate: a recent heartbeat, active
// status and an error count below the configured maximum. A nil state is
// never healthy.
func (s *StateManager) IsHealthy(st *State, now time.Time) bool {
	if st == nil || st.Status != StatusActive {
		return false
	}
	if st.ErrorCount >= s.maxError {
		return false
	}
	return now.Sub(st.LastHeartbeat) < s.timeout
}

// CleanupStale removes every consumer whose state is missing or unhealthy
// from the supervision sets, along with its hash. Returns how many were
// removed.
func (s *StateManager) CleanupStale(ctx context.Context) (int, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	removed := 0
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if err != nil {
			return removed, err
		}
		if s.IsHealthy(st, now) {
			continue
		}
		name, scope := "", ""
		if st != nil {
			name, scope = st.FunctionName, st.Scope
		}
		if err := s.Remove(ctx, id, name, scope); err != nil {
			return removed, err
		}
		logging.Op().Info("removed stale consumer", "consumer", id, "function", name)
		removed++
	}
	if removed > 0 {
		metrics.RecordStaleConsumersRemoved(removed)
	}
	return removed, nil
}
