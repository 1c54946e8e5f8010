package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/circuitbreaker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/notify"
	"github.com/oriys/relay/internal/registry"
)

// newTestEnv connects to the local test Redis with a per-test key prefix.
// Tests that need a running Redis instance are skipped automatically.
func newTestEnv(t *testing.T) (*broker.Manager, *notify.Manager, keys.Layout) {
	t.Helper()
	prefix := fmt.Sprintf("relaytest:%d", time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := broker.NewManager(ctx, config.RedisConfig{Addr: "localhost:6379", DB: 15}, circuitbreaker.Config{})
	if err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	n := notify.NewManager(b.Client(), b.Subscriber())
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ks, err := b.Client().Keys(cleanupCtx, prefix+"*").Result(); err == nil && len(ks) > 0 {
			b.Client().Del(cleanupCtx, ks...)
		}
		n.Close()
		b.Close()
	})
	return b, n, keys.New(prefix)
}

func TestWaitReturnsImmediatelyWhenHealthy(t *testing.T) {
	b, n, layout := newTestEnv(t)
	dir := registry.NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()

	if err := dir.Save(ctx, registry.FunctionDefinition{Name: "fn", WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(n, layout, dir, 2*time.Second)
	start := time.Now()
	if err := w.WaitForAvailability(ctx, "fn", ""); err != nil {
		t.Fatalf("WaitForAvailability: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait should have been immediate, took %s", elapsed)
	}
}

func TestWaitWokenByReadinessAnnouncement(t *testing.T) {
	b, n, layout := newTestEnv(t)
	dir := registry.NewDirectory(b, layout, time.Minute, 30*time.Second)
	reg := registry.NewLocalRegistry(time.Minute)
	defer reg.Close()
	ctx := context.Background()

	w := NewWatcher(n, layout, dir, 10*time.Second)
	got := make(chan error, 1)
	go func() {
		got <- w.WaitForAvailability(ctx, "fn", "")
	}()
	time.Sleep(200 * time.Millisecond) // let the waiter subscribe

	// A registering coordinator publishes readiness; the blocked waiter
	// sees a healthy worker by the time it wakes.
	if err := dir.Save(ctx, registry.FunctionDefinition{Name: "fn", WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}
	coord := NewCoordinator(reg, n, layout, config.WorkerConfig{}, "w1")
	noop := func(_ context.Context, _ *registry.Call) (any, error) { return nil, nil }
	if err := coord.Register(ctx, registry.FunctionDefinition{Name: "fn"}, noop); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woken by the announcement")
	}
}

func TestWaitersShareOneSubscription(t *testing.T) {
	b, n, layout := newTestEnv(t)
	dir := registry.NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()

	w := NewWatcher(n, layout, dir, 10*time.Second)
	got := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got <- w.WaitForAvailability(ctx, "fn", "")
		}()
	}
	time.Sleep(300 * time.Millisecond)

	// Two concurrent global waits on one function collapse into one
	// pending entry.
	if pending := w.Pending(); pending != 1 {
		t.Errorf("Pending() = %d, want 1", pending)
	}

	if err := dir.Save(ctx, registry.FunctionDefinition{Name: "fn", WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}
	if err := n.Publish(ctx, layout.Ready("fn", keys.GlobalScope), []byte("{}")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-got:
			if err != nil {
				t.Fatalf("waiter %d: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter %d never woke", i)
		}
	}
	if pending := w.Pending(); pending != 0 {
		t.Errorf("pending residue after wake: %d", pending)
	}
}

func TestScopedWaitWakesOnGlobalRegistration(t *testing.T) {
	b, n, layout := newTestEnv(t)
	dir := registry.NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()

	w := NewWatcher(n, layout, dir, 10*time.Second)
	got := make(chan error, 1)
	go func() {
		got <- w.WaitForAvailability(ctx, "fn", "wf-1")
	}()
	time.Sleep(300 * time.Millisecond)

	// The worker arrives in the global namespace; scope fallback must
	// still satisfy the scoped wait.
	if err := dir.Save(ctx, registry.FunctionDefinition{Name: "fn", WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}
	if err := n.Publish(ctx, layout.Ready("fn", keys.GlobalScope), []byte("{}")); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("scoped wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scoped waiter never woke on the global announcement")
	}
}

func TestWakeRacingSubscribeLeavesNoListener(t *testing.T) {
	b, n, layout := newTestEnv(t)
	dir := registry.NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()
	channel := layout.Ready("fn", keys.GlobalScope)

	w := NewWatcher(n, layout, dir, 10*time.Second)

	// Hammer the ready channel while waits race their subscriptions up, so
	// announcements land in the window where the shared wait is being set
	// up. Every settled wait must take its listener down with it.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				n.Publish(ctx, channel, []byte("{}"))
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for i := 0; i < 10; i++ {
		if err := w.WaitForAvailability(ctx, "fn", ""); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	if pending := w.Pending(); pending != 0 {
		t.Fatalf("pending residue after all waits settled: %d", pending)
	}

	// With no waits outstanding nothing may still be listening: a further
	// publish must not be delivered.
	time.Sleep(200 * time.Millisecond)
	_, before := n.Counts()
	if err := n.Publish(ctx, channel, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, after := n.Counts(); after != before {
		t.Fatalf("leaked ready listener: %d deliveries after all waits settled", after-before)
	}
}

func TestWaitTimesOutWithoutWorkers(t *testing.T) {
	b, n, layout := newTestEnv(t)
	dir := registry.NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()

	w := NewWatcher(n, layout, dir, 500*time.Millisecond)
	err := w.WaitForAvailability(ctx, "fn", "")
	if !errors.Is(err, registry.ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if pending := w.Pending(); pending != 0 {
		t.Errorf("pending residue after timeout: %d", pending)
	}
}

func TestCoordinatorTwoPhaseShutdown(t *testing.T) {
	_, n, layout := newTestEnv(t)
	reg := registry.NewLocalRegistry(time.Minute)
	defer reg.Close()
	ctx := context.Background()

	cfg := config.WorkerConfig{ShutdownGrace: 100 * time.Millisecond}
	coord := NewCoordinator(reg, n, layout, cfg, "w1")

	type seen struct {
		channel    string
		status     string
		downtimeMs int64
	}
	events := make(chan seen, 4)
	listen := func(channel string) {
		t.Helper()
		_, err := n.Subscribe(ctx, channel, func(ch string, payload []byte) {
			var ev notify.Event
			if json.Unmarshal(payload, &ev) == nil {
				events <- seen{channel: ch, status: ev.Status, downtimeMs: ev.DowntimeMs}
			}
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	listen(layout.Ready("fn", keys.GlobalScope))
	listen(layout.Shutdown("fn", keys.GlobalScope))
	listen(layout.Offline("fn", keys.GlobalScope))

	noop := func(_ context.Context, _ *registry.Call) (any, error) { return nil, nil }
	if err := coord.Register(ctx, registry.FunctionDefinition{Name: "fn"}, noop); err != nil {
		t.Fatal(err)
	}
	if err := coord.Unregister(ctx, "fn", ""); err != nil {
		t.Fatal(err)
	}

	want := []string{"ready", "shutting_down", "offline"}
	for _, status := range want {
		select {
		case ev := <-events:
			if ev.status != status {
				t.Fatalf("event order: got %q, want %q", ev.status, status)
			}
			// The shutdown announcement tells callers how long the grace
			// window is; the other phases carry no downtime estimate.
			wantDowntime := int64(0)
			if status == "shutting_down" {
				wantDowntime = cfg.ShutdownGrace.Milliseconds()
			}
			if ev.downtimeMs != wantDowntime {
				t.Errorf("%s downtimeMs = %d, want %d", status, ev.downtimeMs, wantDowntime)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("never saw %q announcement", status)
		}
	}

	// The registration is gone from the registry.
	if _, err := reg.GetFunctionParameters(ctx, "fn", ""); !errors.Is(err, registry.ErrFunctionNotFound) {
		t.Errorf("function should be unregistered, got %v", err)
	}
}

func TestCoordinatorUnregisterUnknownIsNoop(t *testing.T) {
	_, n, layout := newTestEnv(t)
	reg := registry.NewLocalRegistry(time.Minute)
	defer reg.Close()

	coord := NewCoordinator(reg, n, layout, config.WorkerConfig{ShutdownGrace: 10 * time.Millisecond}, "w1")
	if err := coord.Unregister(context.Background(), "never-registered", ""); err != nil {
		t.Fatalf("unknown unregister must be a no-op: %v", err)
	}
}

func TestCoordinatorShutdownDrainsEverything(t *testing.T) {
	_, n, layout := newTestEnv(t)
	reg := registry.NewLocalRegistry(time.Minute)
	defer reg.Close()
	ctx := context.Background()

	cfg := config.WorkerConfig{ShutdownGrace: 50 * time.Millisecond}
	coord := NewCoordinator(reg, n, layout, cfg, "w1")

	noop := func(_ context.Context, _ *registry.Call) (any, error) { return nil, nil }
	for _, def := range []registry.FunctionDefinition{
		{Name: "a"},
		{Name: "b", Scope: "wf-1"},
	} {
		if err := coord.Register(ctx, def, noop); err != nil {
			t.Fatal(err)
		}
	}

	if err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Second shutdown has nothing left to do.
	if err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	for _, name := range []string{"a", "b"} {
		if _, err := reg.GetFunctionParameters(ctx, name, "wf-1"); !errors.Is(err, registry.ErrFunctionNotFound) {
			t.Errorf("%s should be unregistered, got %v", name, err)
		}
	}
}
