package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/config"
)

func fastConsumerConfig() config.ConsumerConfig {
	return config.ConsumerConfig{
		BatchSize:         10,
		BlockTime:         100 * time.Millisecond,
		ProcessingTimeout: 5 * time.Second,
		ReadRetryDelay:    100 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
		MaxErrorCount:     5,
	}
}

func addEntry(t *testing.T, b *broker.Manager, stream string, values map[string]any) {
	t.Helper()
	err := b.Client().XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err()
	if err != nil {
		t.Fatal(err)
	}
}

// waitForZeroPending polls until the group's pending-entry list drains,
// which proves every delivered entry was acknowledged.
func waitForZeroPending(t *testing.T, b *broker.Manager, stream, group string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		pending, err := b.Client().XPending(context.Background(), stream, group).Result()
		if err == nil && pending.Count == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending entries never drained: %+v (err %v)", pending, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestManagerStartIsIdempotent(t *testing.T) {
	b, layout := newTestBroker(t)
	state := NewStateManager(b, layout, config.ConsumerConfig{})
	opts := Options{
		Stream:       layout.FunctionStream("fn", ""),
		Group:        layout.ConsumerGroup("fn"),
		ConsumerID:   "c1",
		FunctionName: "fn",
	}
	m := NewManager(b, state, fastConsumerConfig(), opts, func(context.Context, string, map[string]any) error {
		return nil
	})
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start must be a no-op: %v", err)
	}
	if got := m.Status(); got != StatusActive {
		t.Errorf("status after start: %s", got)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.Status(); got != StatusStopped {
		t.Errorf("status after stop: %s", got)
	}

	// Supervision state is gone once stopped.
	st, err := state.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Errorf("state residue after stop: %+v", st)
	}
}

func TestManagerProcessesAndAcks(t *testing.T) {
	b, layout := newTestBroker(t)
	state := NewStateManager(b, layout, config.ConsumerConfig{})
	stream := layout.FunctionStream("fn", "")
	group := layout.ConsumerGroup("fn")

	got := make(chan map[string]any, 1)
	m := NewManager(b, state, fastConsumerConfig(), Options{
		Stream:       stream,
		Group:        group,
		ConsumerID:   "c1",
		FunctionName: "fn",
	}, func(_ context.Context, _ string, values map[string]any) error {
		select {
		case got <- values:
		default:
		}
		return nil
	})
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(ctx)

	addEntry(t, b, stream, map[string]any{"callId": "abc"})

	select {
	case values := <-got:
		if values["callId"] != "abc" {
			t.Errorf("handler saw %v", values)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("entry never reached the handler")
	}

	// The entry is acknowledged, so nothing stays pending.
	waitForZeroPending(t, b, stream, group)
}

func TestManagerFailingEntryAckedOnce(t *testing.T) {
	b, layout := newTestBroker(t)
	state := NewStateManager(b, layout, config.ConsumerConfig{})
	stream := layout.FunctionStream("fn", "")
	group := layout.ConsumerGroup("fn")

	var attempts int64
	m := NewManager(b, state, fastConsumerConfig(), Options{
		Stream:       stream,
		Group:        group,
		ConsumerID:   "c1",
		FunctionName: "fn",
	}, func(context.Context, string, map[string]any) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("handler failure")
	})
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(ctx)

	addEntry(t, b, stream, map[string]any{"callId": "abc"})

	// Failed entries are acknowledged too: one attempt, no redelivery.
	waitForZeroPending(t, b, stream, group)
	time.Sleep(300 * time.Millisecond)
	if got := atomic.LoadInt64(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want exactly 1", got)
	}

	st, err := state.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.ErrorCount != 1 || st.LastError != "handler failure" {
		t.Errorf("error accounting: %+v", st)
	}
}

func TestManagerSuccessResetsErrorBudget(t *testing.T) {
	b, layout := newTestBroker(t)
	state := NewStateManager(b, layout, config.ConsumerConfig{})
	stream := layout.FunctionStream("fn", "")
	group := layout.ConsumerGroup("fn")

	processed := make(chan bool, 2)
	m := NewManager(b, state, fastConsumerConfig(), Options{
		Stream:       stream,
		Group:        group,
		ConsumerID:   "c1",
		FunctionName: "fn",
	}, func(_ context.Context, _ string, values map[string]any) error {
		fail := values["fail"] == "1"
		processed <- fail
		if fail {
			return errors.New("requested failure")
		}
		return nil
	})
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(ctx)

	addEntry(t, b, stream, map[string]any{"fail": "1"})
	addEntry(t, b, stream, map[string]any{"fail": "0"})
	for i := 0; i < 2; i++ {
		select {
		case <-processed:
		case <-time.After(5 * time.Second):
			t.Fatalf("entry %d never processed", i)
		}
	}
	waitForZeroPending(t, b, stream, group)

	// The budget counts consecutive failures, so the success wiped it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := state.Get(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if st != nil && st.ErrorCount == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("error count never reset: %+v", st)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestManagerStopsWhenSupervisionStateLost(t *testing.T) {
	b, layout := newTestBroker(t)
	state := NewStateManager(b, layout, config.ConsumerConfig{})
	stream := layout.FunctionStream("fn", "")
	group := layout.ConsumerGroup("fn")

	m := NewManager(b, state, fastConsumerConfig(), Options{
		Stream:       stream,
		Group:        group,
		ConsumerID:   "c1",
		FunctionName: "fn",
	}, func(context.Context, string, map[string]any) error {
		return nil
	})
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Simulate the sweeper reaping this consumer during a broker hiccup:
	// its supervision record disappears and the group is gone, so the next
	// read fails. Once the broker answers again the loop must notice it is
	// no longer supervised and stop instead of resuming reads.
	if err := state.Remove(ctx, "c1", "fn", ""); err != nil {
		t.Fatal(err)
	}
	if err := b.Client().XGroupDestroy(ctx, stream, group).Err(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for m.Status() != StatusError {
		if time.Now().After(deadline) {
			t.Fatalf("consumer kept running without supervision state; status %s", m.Status())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestManagerStopsWhenErrorBudgetExhausted(t *testing.T) {
	b, layout := newTestBroker(t)
	state := NewStateManager(b, layout, config.ConsumerConfig{})
	stream := layout.FunctionStream("fn", "")
	group := layout.ConsumerGroup("fn")

	cfg := fastConsumerConfig()
	cfg.MaxErrorCount = 2
	m := NewManager(b, state, cfg, Options{
		Stream:       stream,
		Group:        group,
		ConsumerID:   "c1",
		FunctionName: "fn",
	}, func(context.Context, string, map[string]any) error {
		return errors.New("always fails")
	})
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		addEntry(t, b, stream, map[string]any{"n": i})
	}

	deadline := time.Now().Add(10 * time.Second)
	for m.Status() != StatusError {
		if time.Now().After(deadline) {
			t.Fatalf("consumer never stopped; status %s", m.Status())
		}
		time.Sleep(50 * time.Millisecond)
	}

	st, err := state.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.Status != StatusError {
		t.Errorf("broker-side status: %+v", st)
	}
	if st != nil && st.ErrorCount < cfg.MaxErrorCount {
		t.Errorf("error count %d below budget %d", st.ErrorCount, cfg.MaxErrorCount)
	}
}
