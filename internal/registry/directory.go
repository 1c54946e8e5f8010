package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/logging"
)

// Directory is the broker-resident half of the call directory: metadata
// hashes per (worker, function) with a TTL, plus per-function worker sets
// for fast routing. Both remote backends share it; the recovery sweeper
// prunes entries whose owners stopped heartbeating.
type Directory struct {
	broker        *broker.Manager
	keys          keys.Layout
	metaTTL       time.Duration
	healthTimeout time.Duration
}

// NewDirectory creates a directory over the given broker connection.
func NewDirectory(b *broker.Manager, layout keys.Layout, metaTTL, healthTimeout time.Duration) *Directory {
	if metaTTL <= 0 {
		metaTTL = 60 * time.Second
	}
	if healthTimeout <= 0 {
		healthTimeout = 30 * time.Second
	}
	return &Directory{broker: b, keys: layout, metaTTL: metaTTL, healthTimeout: healthTimeout}
}

// HealthTimeout returns the heartbeat-recency bound used by Healthy.
func (d *Directory) HealthTimeout() time.Duration { return d.healthTimeout }

// Save publishes a function definition: metadata hash with TTL plus
// membership in the function's worker set.
func (d *Directory) Save(ctx context.Context, def FunctionDefinition) error {
	params, err := json.Marshal(def.Parameters)
	if err != nil {
		return err
	}
	scope := def.EffectiveScope()
	metaKey := d.keys.FunctionMeta(def.WorkerID, def.Name)
	setKey := d.keys.FunctionWorkers(def.Name, scope)

	return d.broker.Execute(ctx, "directory.save", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		pipe.HSet(ctx, metaKey, map[string]any{
			"functionName":  def.Name,
			"scope":         scope,
			"nodeId":        def.NodeID,
			"parameters":    string(params),
			"workerId":      def.WorkerID,
			"lastHeartbeat": time.Now().UnixMilli(),
		})
		pipe.Expire(ctx, metaKey, d.metaTTL)
		pipe.SAdd(ctx, setKey, def.WorkerID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Remove deletes a worker's registration of a function. Idempotent.
func (d *Directory) Remove(ctx context.Context, workerID, name, scope string) error {
	return d.broker.Execute(ctx, "directory.remove", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		pipe.Del(ctx, d.keys.FunctionMeta(workerID, name))
		pipe.SRem(ctx, d.keys.FunctionWorkers(name, scope), workerID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Heartbeat refreshes a registration's lastHeartbeat and TTL. Broker
// failures here are the caller's to log and swallow; a missed heartbeat
// only narrows the health window.
func (d *Directory) Heartbeat(ctx context.Context, workerID, name string) error {
	metaKey := d.keys.FunctionMeta(workerID, name)
	return d.broker.Execute(ctx, "directory.heartbeat", func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		pipe.HSet(ctx, metaKey, "lastHeartbeat", time.Now().UnixMilli())
		pipe.Expire(ctx, metaKey, d.metaTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Workers returns all worker ids registered for a (function, scope) pair,
// healthy or not.
func (d *Directory) Workers(ctx context.Context, name, scope string) ([]string, error) {
	var ids []string
	err := d.broker.Execute(ctx, "directory.workers", func(ctx context.Context, client *redis.Client) error {
		res, err := client.SMembers(ctx, d.keys.FunctionWorkers(name, scope)).Result()
		if err != nil {
			return err
		}
		ids = res
		return nil
	})
	return ids, err
}

// Healthy filters worker ids by heartbeat recency. A worker whose meta hash
// expired or whose lastHeartbeat is older than the health timeout is
// excluded; the boundary is strict (exactly healthTimeout old is stale).
func (d *Directory) Healthy(ctx context.Context, name, scope string) ([]string, error) {
	ids, err := d.Workers(ctx, name, scope)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	cutoff := time.Now().Add(-d.healthTimeout).UnixMilli()
	var healthy []string
	for _, id := range ids {
		hb, err := d.lastHeartbeat(ctx, id, name)
		if err != nil {
			logging.Op().Warn("heartbeat lookup failed", "worker", id, "function", name, "error", err)
			continue
		}
		if hb > cutoff {
			healthy = append(healthy, id)
		}
	}
	return healthy, nil
}

func (d *Directory) lastHeartbeat(ctx context.Context, workerID, name string) (int64, error) {
	var hb int64 = -1
	err := d.broker.Execute(ctx, "directory.meta", func(ctx context.Context, client *redis.Client) error {
		raw, err := client.HGet(ctx, d.keys.FunctionMeta(workerID, name), "lastHeartbeat").Result()
		if err == redis.Nil {
			return nil // meta expired, worker is stale
		}
		if err != nil {
			return err
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		hb = v
		return nil
	})
	return hb, err
}

// Definition loads one worker's registration of a function.
func (d *Directory) Definition(ctx context.Context, workerID, name string) (*FunctionDefinition, error) {
	var fields map[string]string
	err := d.broker.Execute(ctx, "directory.meta", func(ctx context.Context, client *redis.Client) error {
		res, err := client.HGetAll(ctx, d.keys.FunctionMeta(workerID, name)).Result()
		if err != nil {
			return err
		}
		fields = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrFunctionNotFound
	}

	def := &FunctionDefinition{
		Name:     fields["functionName"],
		Scope:    fields["scope"],
		NodeID:   fields["nodeId"],
		WorkerID: fields["workerId"],
	}
	if raw := fields["parameters"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &def.Parameters); err != nil {
			return nil, err
		}
	}
	if raw := fields["lastHeartbeat"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			def.LastHeartbeat = time.UnixMilli(ms)
		}
	}
	return def, nil
}

// Parameters resolves a function's declared schema from any registered
// worker, preferring the request scope over global.
func (d *Directory) Parameters(ctx context.Context, name, scope string) ([]ParameterDefinition, error) {
	for _, s := range scopeOrder(scope) {
		ids, err := d.Workers(ctx, name, s)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			def, err := d.Definition(ctx, id, name)
			if err != nil {
				continue
			}
			return def.Parameters, nil
		}
	}
	return nil, ErrFunctionNotFound
}

// List enumerates registered function names visible from a scope,
// de-duplicated with the scoped registration winning.
func (d *Directory) List(ctx context.Context, scope string) ([]FunctionOption, error) {
	var metaKeys []string
	pattern := d.keys.Prefix() + ":function:meta:*"
	err := d.broker.Execute(ctx, "directory.list", func(ctx context.Context, client *redis.Client) error {
		// Cursor scan rather than KEYS: enumeration must not block the
		// broker while it walks the keyspace.
		var cursor uint64
		for {
			batch, next, err := client.ScanType(ctx, cursor, pattern, 100, "hash").Result()
			if err != nil {
				return err
			}
			metaKeys = append(metaKeys, batch...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []FunctionOption
	for _, key := range metaKeys {
		var fields map[string]string
		err := d.broker.Execute(ctx, "directory.meta", func(ctx context.Context, client *redis.Client) error {
			res, err := client.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			fields = res
			return nil
		})
		if err != nil || len(fields) == 0 {
			continue
		}
		fnScope := fields["scope"]
		if fnScope != keys.GlobalScope && fnScope != scope {
			continue
		}
		name := fields["functionName"]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, FunctionOption{Name: name, Value: name})
	}
	return out, nil
}

// scopeOrder yields the lookup precedence for a request scope: the workflow
// scope first when one is given, then the global namespace.
func scopeOrder(scope string) []string {
	if scope == "" || scope == keys.GlobalScope {
		return []string{keys.GlobalScope}
	}
	return []string{scope, keys.GlobalScope}
}
