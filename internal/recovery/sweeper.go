// Package recovery sweeps broker-resident state that crashed processes left
// behind: worker-set entries whose metadata expired, consumers that stopped
// heartbeating, and call entries stuck in a dead consumer's pending list.
package recovery

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/consumer"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
)

// reclaimConsumer is the group consumer name recovery claims stuck entries
// under before re-enqueueing them.
const reclaimConsumer = "recovery"

// Report summarizes one recovery pass.
type Report struct {
	StaleWorkers   int
	StaleConsumers int
	Reclaimed      int
}

// Sweeper periodically repairs coordination state so transient distributed
// failures become automatic retries instead of caller-visible errors.
type Sweeper struct {
	broker *broker.Manager
	keys   keys.Layout
	states *consumer.StateManager
	cfg    config.RecoveryConfig
}

// NewSweeper builds a sweeper over the shared broker state.
func NewSweeper(b *broker.Manager, layout keys.Layout, states *consumer.StateManager, cfg config.RecoveryConfig) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = time.Minute
	}
	return &Sweeper{broker: b, keys: layout, states: states, cfg: cfg}
}

// Run sweeps on the configured interval until ctx is done. Errors are
// logged and the loop keeps going; a failed pass retries next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.AttemptRecovery(ctx)
			if err != nil {
				logging.Op().Warn("recovery pass failed", "error", err)
				continue
			}
			if report.StaleWorkers+report.StaleConsumers+report.Reclaimed > 0 {
				logging.Op().Info("recovery pass",
					"staleWorkers", report.StaleWorkers,
					"staleConsumers", report.StaleConsumers,
					"reclaimed", report.Reclaimed)
			}
		}
	}
}

// AttemptRecovery runs one full pass: stale workers, stale consumers, then
// stuck messages. Partial results are reported alongside the first error.
func (s *Sweeper) AttemptRecovery(ctx context.Context) (Report, error) {
	var report Report
	var err error
	if report.StaleWorkers, err = s.SweepWorkers(ctx); err != nil {
		return report, err
	}
	if report.StaleConsumers, err = s.states.CleanupStale(ctx); err != nil {
		return report, err
	}
	report.Reclaimed, err = s.ReclaimMessages(ctx)
	return report, err
}

// SweepWorkers removes worker-set members whose metadata hash has expired.
// The metadata TTL is the liveness signal: a worker that stops heartbeating
// loses its hash, and this sweep clears the dangling set entry so callers
// never route to it.
func (s *Sweeper) SweepWorkers(ctx context.Context) (int, error) {
	removed := 0
	err := s.broker.Execute(ctx, "recovery.workers", func(ctx context.Context, client *redis.Client) error {
		var cursor uint64
		for {
			sets, next, err := client.ScanType(ctx, cursor, s.keys.Prefix()+":function:*", 100, "set").Result()
			if err != nil {
				return err
			}
			for _, setKey := range sets {
				name := functionNameFromSet(setKey)
				if name == "" {
					continue
				}
				workers, err := client.SMembers(ctx, setKey).Result()
				if err != nil {
					return err
				}
				live := 0
				for _, workerID := range workers {
					exists, err := client.Exists(ctx, s.keys.FunctionMeta(workerID, name)).Result()
					if err != nil {
						return err
					}
					if exists > 0 {
						live++
						continue
					}
					if err := client.SRem(ctx, setKey, workerID).Err(); err != nil {
						return err
					}
					logging.Op().Info("removed stale worker", "worker", workerID, "function", name)
					removed++
				}
				metrics.SetRegisteredWorkers(name, live)
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if removed > 0 {
		metrics.RecordStaleWorkersRemoved(removed)
	}
	return removed, err
}

// functionNameFromSet extracts the function name from a worker-set key.
// Worker sets are either prefix:function:{name} or
// prefix:function:{scope}:{name}; the name is always the last segment.
func functionNameFromSet(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}

// ReclaimMessages re-enqueues call entries that sat unacknowledged in a
// dead consumer's pending list longer than the reclaim-idle window. The
// stuck entry is claimed, appended to the stream as a fresh copy and
// acknowledged, so a live consumer gets one new attempt at it.
func (s *Sweeper) ReclaimMessages(ctx context.Context) (int, error) {
	reclaimed := 0
	err := s.broker.Execute(ctx, "recovery.reclaim", func(ctx context.Context, client *redis.Client) error {
		var cursor uint64
		for {
			streams, next, err := client.ScanType(ctx, cursor, s.keys.Prefix()+":function:stream:*", 100, "stream").Result()
			if err != nil {
				return err
			}
			for _, stream := range streams {
				n, err := s.reclaimStream(ctx, client, stream)
				if err != nil {
					return err
				}
				reclaimed += n
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if reclaimed > 0 {
		metrics.RecordMessagesReclaimed(reclaimed)
	}
	return reclaimed, err
}

func (s *Sweeper) reclaimStream(ctx context.Context, client *redis.Client, stream string) (int, error) {
	parts := strings.Split(stream, ":")
	name := parts[len(parts)-1]
	group := s.keys.ConsumerGroup(name)

	reclaimed := 0
	start := "0-0"
	for {
		msgs, next, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: reclaimConsumer,
			MinIdle:  s.cfg.ReclaimIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			// A stream without its group has nothing pending to reclaim.
			if strings.Contains(err.Error(), "NOGROUP") {
				return reclaimed, nil
			}
			return reclaimed, err
		}
		for _, msg := range msgs {
			if err := client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: msg.Values}).Err(); err != nil {
				return reclaimed, err
			}
			if err := client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
				return reclaimed, err
			}
			logging.Op().Info("reclaimed stuck call", "stream", stream, "msgId", msg.ID)
			reclaimed++
		}
		if next == "0-0" || len(msgs) == 0 {
			return reclaimed, nil
		}
		start = next
	}
}
