package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/circuitbreaker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/notify"
)

// testConfig returns a config pointed at the local test Redis with a
// per-test key prefix so runs never interfere.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.KeyPrefix = fmt.Sprintf("relaytest:%d", time.Now().UnixNano())
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DB = 15 // separate DB for tests
	cfg.Mode = config.ModeStreams
	return cfg
}

// newTestBroker connects to the test Redis. Tests that need a running Redis
// instance are skipped automatically.
func newTestBroker(t *testing.T, cfg *config.Config) (*broker.Manager, *notify.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := broker.NewManager(ctx, cfg.Redis, circuitbreaker.Config{})
	if err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	n := notify.NewManager(b.Client(), b.Subscriber())
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ks, err := b.Client().Keys(cleanupCtx, cfg.KeyPrefix+"*").Result(); err == nil && len(ks) > 0 {
			b.Client().Del(cleanupCtx, ks...)
		}
		n.Close()
		b.Close()
	})
	return b, n
}

func TestDirectorySaveWorkersHealthy(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	dir := NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()

	def := FunctionDefinition{
		Name:     "addTax",
		WorkerID: "w1",
		Parameters: []ParameterDefinition{
			{Name: "amount", Type: TypeNumber, Required: true},
		},
		LastHeartbeat: time.Now(),
	}
	if err := dir.Save(ctx, def); err != nil {
		t.Fatalf("Save: %v", err)
	}

	workers, err := dir.Workers(ctx, "addTax", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0] != "w1" {
		t.Fatalf("workers: got %v", workers)
	}

	healthy, err := dir.Healthy(ctx, "addTax", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(healthy) != 1 {
		t.Fatalf("fresh worker should be healthy, got %v", healthy)
	}

	params, err := dir.Parameters(ctx, "addTax", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(params) != 1 || params[0].Name != "amount" || !params[0].Required {
		t.Errorf("parameters survived the round trip badly: %+v", params)
	}
}

func TestDirectoryHealthBoundary(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	dir := NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()

	save := func(workerID string, heartbeat time.Time) {
		t.Helper()
		if err := dir.Save(ctx, FunctionDefinition{Name: "fn", WorkerID: workerID}); err != nil {
			t.Fatal(err)
		}
		// Save stamps the current time; rewrite the heartbeat to sit on
		// either side of the boundary.
		err := b.Client().HSet(ctx, layout.FunctionMeta(workerID, "fn"),
			"lastHeartbeat", heartbeat.UnixMilli()).Err()
		if err != nil {
			t.Fatal(err)
		}
	}
	save("fresh", time.Now().Add(-29999*time.Millisecond))
	save("stale", time.Now().Add(-30001*time.Millisecond))

	healthy, err := dir.Healthy(ctx, "fn", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(healthy) != 1 || healthy[0] != "fresh" {
		t.Fatalf("health boundary: got %v, want [fresh]", healthy)
	}
}

func TestDirectoryListScopeFiltering(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	dir := NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()

	for _, def := range []FunctionDefinition{
		{Name: "global-fn", WorkerID: "w1"},
		{Name: "scoped-fn", WorkerID: "w2", Scope: "wf-1"},
		{Name: "other-fn", WorkerID: "w3", Scope: "wf-2"},
	} {
		if err := dir.Save(ctx, def); err != nil {
			t.Fatal(err)
		}
	}

	options, err := dir.List(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool, len(options))
	for _, o := range options {
		names[o.Name] = true
	}
	if !names["global-fn"] || !names["scoped-fn"] {
		t.Errorf("List missed visible functions: %v", names)
	}
	if names["other-fn"] {
		t.Error("List leaked a function from a foreign scope")
	}
}

func TestDirectoryRemoveLeavesNoResidue(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	dir := NewDirectory(b, layout, time.Minute, 30*time.Second)
	ctx := context.Background()

	dir.Save(ctx, FunctionDefinition{Name: "fn", WorkerID: "w1", LastHeartbeat: time.Now()})
	if err := dir.Remove(ctx, "w1", "fn", ""); err != nil {
		t.Fatal(err)
	}
	// Removing again must not fail.
	if err := dir.Remove(ctx, "w1", "fn", ""); err != nil {
		t.Fatalf("second remove: %v", err)
	}

	workers, _ := dir.Workers(ctx, "fn", "")
	if len(workers) != 0 {
		t.Errorf("worker set residue: %v", workers)
	}
	exists, err := b.Client().Exists(ctx, layout.FunctionMeta("w1", "fn")).Result()
	if err != nil {
		t.Fatal(err)
	}
	if exists != 0 {
		t.Error("metadata hash residue after remove")
	}
}

func TestReturnStoreRoundTripBitForBit(t *testing.T) {
	cfg := testConfig(t)
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	store := NewReturnStore(b, n, layout, time.Minute)
	ctx := context.Background()

	value := map[string]any{
		"nested": map[string]any{"a": []any{1.0, "two", true, nil}},
		"n":      42.5,
		"ok":     false,
	}
	if err := store.Set(ctx, "c1", value); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, found, err := store.Get(ctx, "c1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	wantJSON, _ := json.Marshal(value)
	gotJSON, _ := json.Marshal(got)
	if string(wantJSON) != string(gotJSON) {
		t.Errorf("round trip mismatch:\n got %s\nwant %s", gotJSON, wantJSON)
	}

	if err := store.Clear(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := store.Get(ctx, "c1"); found {
		t.Error("value should be gone after Clear")
	}
}

func TestReturnStoreWaitWokenByRemoteResolve(t *testing.T) {
	cfg := testConfig(t)
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)

	// Two stores on the same broker simulate the caller's and the
	// callee's processes.
	caller := NewReturnStore(b, n, layout, time.Minute)
	callee := NewReturnStore(b, n, layout, time.Minute)

	got := make(chan any, 1)
	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := caller.Wait(ctx, "c1")
		if err != nil {
			errs <- err
			return
		}
		got <- v
	}()

	time.Sleep(100 * time.Millisecond) // let the waiter subscribe
	if err := callee.Set(context.Background(), "c1", "result"); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-got:
		if v != "result" {
			t.Fatalf("got %v", v)
		}
	case err := <-errs:
		t.Fatalf("Wait: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestReturnStoreWaitAfterResolve(t *testing.T) {
	cfg := testConfig(t)
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	store := NewReturnStore(b, n, layout, time.Minute)
	ctx := context.Background()

	// Resolution before the wait: the stored copy covers it.
	store.Set(ctx, "c1", "early")
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	v, err := store.Wait(waitCtx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if v != "early" {
		t.Errorf("got %v", v)
	}
}

func TestReturnStoreRejectSurfacesCalleeError(t *testing.T) {
	cfg := testConfig(t)
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	store := NewReturnStore(b, n, layout, time.Minute)
	ctx := context.Background()

	if err := store.Reject(ctx, "c1", "callee exploded"); err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := store.Wait(waitCtx, "c1")
	var cerr *CalleeError
	if !errors.As(err, &cerr) || cerr.Message != "callee exploded" {
		t.Fatalf("expected CalleeError with reason, got %v", err)
	}
}

func TestStreamsRegistryRemoteCall(t *testing.T) {
	cfg := testConfig(t)
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	ctx := context.Background()

	callee := NewStreamsRegistry(cfg, b, n, layout)
	defer callee.Close()
	caller := NewStreamsRegistry(cfg, b, n, layout)
	defer caller.Close()

	def := FunctionDefinition{
		Name: "addTax",
		Parameters: []ParameterDefinition{
			{Name: "amount", Type: TypeNumber, Required: true},
		},
	}
	err := callee.RegisterFunction(ctx, def, func(_ context.Context, call *Call) (any, error) {
		return call.Parameters["amount"].(float64) * 1.2, nil
	})
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := caller.CallFunction(callCtx, CallRequest{
		FunctionName: "addTax",
		Parameters:   map[string]any{"amount": float64(100)},
	})
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if result.Result != float64(120) {
		t.Errorf("got %v, want 120", result.Result)
	}
}

func TestStreamsCallWithoutWorkers(t *testing.T) {
	cfg := testConfig(t)
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	ctx := context.Background()

	callee := NewStreamsRegistry(cfg, b, n, layout)
	defer callee.Close()
	caller := NewStreamsRegistry(cfg, b, n, layout)
	defer caller.Close()

	// Register then unregister so the schema has existed but no worker
	// serves the function.
	noop := func(_ context.Context, _ *Call) (any, error) { return nil, nil }
	callee.RegisterFunction(ctx, FunctionDefinition{Name: "gone"}, noop)
	callee.UnregisterFunction(ctx, "gone", "")

	_, err := caller.CallFunction(ctx, CallRequest{FunctionName: "gone"})
	if err == nil {
		t.Fatal("expected an error with zero workers")
	}
	if !strings.Contains(err.Error(), "no workers available") &&
		!errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("error should mention no workers available or not-found, got: %v", err)
	}
}

func TestStreamsUnregisterLeavesNoDirectoryEntries(t *testing.T) {
	cfg := testConfig(t)
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	ctx := context.Background()

	reg := NewStreamsRegistry(cfg, b, n, layout)
	defer reg.Close()

	noop := func(_ context.Context, _ *Call) (any, error) { return nil, nil }
	if err := reg.RegisterFunction(ctx, FunctionDefinition{Name: "fn"}, noop); err != nil {
		t.Fatal(err)
	}
	if err := reg.UnregisterFunction(ctx, "fn", ""); err != nil {
		t.Fatalf("first unregister: %v", err)
	}
	if err := reg.UnregisterFunction(ctx, "fn", ""); err != nil {
		t.Fatalf("second unregister must not fail: %v", err)
	}

	members, err := b.Client().SMembers(ctx, layout.FunctionWorkers("fn", "")).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Errorf("worker set residue after unregister: %v", members)
	}
}

func TestStreamsAtMostOneWorkerPerCall(t *testing.T) {
	cfg := testConfig(t)
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	ctx := context.Background()

	var executions int64
	handler := func(_ context.Context, call *Call) (any, error) {
		atomic.AddInt64(&executions, 1)
		return call.ID, nil
	}

	// Two workers share the function's consumer group.
	workerA := NewStreamsRegistry(cfg, b, n, layout)
	defer workerA.Close()
	workerB := NewStreamsRegistry(cfg, b, n, layout)
	defer workerB.Close()
	def := FunctionDefinition{Name: "counted"}
	if err := workerA.RegisterFunction(ctx, def, handler); err != nil {
		t.Fatal(err)
	}
	if err := workerB.RegisterFunction(ctx, def, handler); err != nil {
		t.Fatal(err)
	}

	caller := NewStreamsRegistry(cfg, b, n, layout)
	defer caller.Close()

	const calls = 10
	for i := 0; i < calls; i++ {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := caller.CallFunction(callCtx, CallRequest{FunctionName: "counted"})
		cancel()
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if got := atomic.LoadInt64(&executions); got != calls {
		t.Fatalf("each call must execute exactly once: %d executions for %d calls", got, calls)
	}
}

func TestPubSubRegistryRemoteCall(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModePubSub
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	ctx := context.Background()

	callee := NewPubSubRegistry(cfg, b, n, layout)
	defer callee.Close()
	caller := NewPubSubRegistry(cfg, b, n, layout)
	defer caller.Close()

	def := FunctionDefinition{
		Name: "echo",
		Parameters: []ParameterDefinition{
			{Name: "msg", Type: TypeString, Required: true},
		},
	}
	err := callee.RegisterFunction(ctx, def, func(_ context.Context, call *Call) (any, error) {
		return call.Parameters["msg"], nil
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond) // let the call channel subscription settle

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := caller.CallFunction(callCtx, CallRequest{
		FunctionName: "echo",
		Parameters:   map[string]any{"msg": "hello"},
	})
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if result.Result != "hello" {
		t.Errorf("got %v", result.Result)
	}
}

func TestPubSubCalleeErrorPropagates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModePubSub
	b, n := newTestBroker(t, cfg)
	layout := keys.New(cfg.KeyPrefix)
	ctx := context.Background()

	callee := NewPubSubRegistry(cfg, b, n, layout)
	defer callee.Close()
	caller := NewPubSubRegistry(cfg, b, n, layout)
	defer caller.Close()

	err := callee.RegisterFunction(ctx, FunctionDefinition{Name: "boom"}, func(_ context.Context, _ *Call) (any, error) {
		return nil, fmt.Errorf("kaboom")
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = caller.CallFunction(callCtx, CallRequest{FunctionName: "boom"})
	var cerr *CalleeError
	if !errors.As(err, &cerr) || cerr.Message != "kaboom" {
		t.Fatalf("expected CalleeError kaboom, got %v", err)
	}
}

func TestFactorySelectsBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeLocal
	reg, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.(*LocalRegistry); !ok {
		t.Fatalf("local mode: got %T", reg)
	}
	reg.Close()

	cfg.Mode = config.ModeStreams
	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("streams mode without a broker must fail")
	}
}
