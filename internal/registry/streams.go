package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/consumer"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
	"github.com/oriys/relay/internal/notify"
	"github.com/oriys/relay/internal/observability"
)

// Stream entry field names. These are wire format shared with every relay
// process reading the call streams.
const (
	fieldCallID          = "callId"
	fieldFunctionName    = "functionName"
	fieldScope           = "scope"
	fieldParams          = "params"
	fieldInputItem       = "inputItem"
	fieldResponseChannel = "responseChannel"
	fieldTimestamp       = "timestamp"
	fieldTrace           = "trace"
)

// StreamsRegistry routes remote calls through per-function Redis streams
// with consumer groups, so each call is delivered to exactly one consumer
// and survives until acknowledged. The response still travels over a
// per-call channel; the caller's wait is bounded only by its context.
type StreamsRegistry struct {
	remoteBase

	consumerCfg config.ConsumerConfig
	states      *consumer.StateManager

	mu        sync.Mutex
	consumers map[string]*consumer.Manager
}

// NewStreamsRegistry builds a streams-mode registry bound to this process's
// worker id.
func NewStreamsRegistry(cfg *config.Config, b *broker.Manager, n *notify.Manager, layout keys.Layout) *StreamsRegistry {
	return &StreamsRegistry{
		remoteBase:  newRemoteBase(cfg, b, n, layout),
		consumerCfg: cfg.Consumer,
		states:      consumer.NewStateManager(b, layout, cfg.Consumer),
		consumers:   make(map[string]*consumer.Manager),
	}
}

// States exposes the consumer supervision store for the recovery sweeper
// and the CLI.
func (r *StreamsRegistry) States() *consumer.StateManager { return r.states }

// RegisterFunction publishes the definition and starts a consumer on the
// function's call stream so remote calls reach the callback. A consumer
// that fails to start leaves the function reachable in-process only.
func (r *StreamsRegistry) RegisterFunction(ctx context.Context, def FunctionDefinition, cb Callback) error {
	if def.WorkerID == "" {
		def.WorkerID = r.workerID
	}
	if err := r.register(ctx, def, cb); err != nil {
		return err
	}

	scope := def.EffectiveScope()
	key := scope + "\x00" + def.Name
	r.mu.Lock()
	_, running := r.consumers[key]
	r.mu.Unlock()
	if running {
		return nil
	}

	mgr := consumer.NewManager(r.broker, r.states, r.consumerCfg, consumer.Options{
		Stream:       r.keys.FunctionStream(def.Name, scope),
		Group:        r.keys.ConsumerGroup(def.Name),
		ConsumerID:   fmt.Sprintf("%s:%s", r.workerID, def.Name),
		FunctionName: def.Name,
		Scope:        scope,
	}, r.handleEntry)
	if err := mgr.Start(ctx); err != nil {
		logging.Op().Warn("consumer start failed, function reachable in-process only",
			"function", def.Name, "scope", scope, "error", err)
		return nil
	}

	r.mu.Lock()
	r.consumers[key] = mgr
	metrics.SetActiveConsumers(def.Name, 1)
	r.mu.Unlock()
	return nil
}

// handleEntry decodes one stream entry into a Call, dispatches it to the
// in-process callback and publishes the response on the channel the caller
// named. The entry is acknowledged by the consumer whether or not this
// returns an error.
func (r *StreamsRegistry) handleEntry(ctx context.Context, msgID string, values map[string]any) error {
	call, err := callFromEntry(values)
	if err != nil {
		logging.Op().Warn("dropping malformed stream entry", "msgId", msgID, "error", err)
		return err
	}

	resp := r.dispatchLocal(ctx, call, "streams")
	if call.ResponseChannel != "" {
		data, merr := json.Marshal(resp)
		if merr != nil {
			return merr
		}
		if perr := r.notify.Publish(ctx, call.ResponseChannel, data); perr != nil {
			logging.Op().Warn("response publish failed", "callId", call.ID, "error", perr)
		}
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", call.FunctionName, resp.Error)
	}
	return nil
}

func callFromEntry(values map[string]any) (*Call, error) {
	str := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}
	call := &Call{
		ID:              str(fieldCallID),
		FunctionName:    str(fieldFunctionName),
		Scope:           str(fieldScope),
		ResponseChannel: str(fieldResponseChannel),
	}
	if call.ID == "" || call.FunctionName == "" {
		return nil, fmt.Errorf("stream entry missing callId or functionName")
	}
	if raw := str(fieldParams); raw != "" {
		if err := json.Unmarshal([]byte(raw), &call.Parameters); err != nil {
			return nil, fmt.Errorf("bad params for call %s: %w", call.ID, err)
		}
	}
	if raw := str(fieldInputItem); raw != "" {
		call.InputItem = json.RawMessage(raw)
	}
	if ms, err := strconv.ParseInt(str(fieldTimestamp), 10, 64); err == nil {
		call.EnqueuedAt = time.UnixMilli(ms)
	}
	if raw := str(fieldTrace); raw != "" {
		// Best effort: a call with an unreadable trace context still runs.
		_ = json.Unmarshal([]byte(raw), &call.Trace)
	}
	return call, nil
}

func entryFromCall(call *Call) (map[string]any, error) {
	params, err := json.Marshal(call.Parameters)
	if err != nil {
		return nil, err
	}
	entry := map[string]any{
		fieldCallID:          call.ID,
		fieldFunctionName:    call.FunctionName,
		fieldScope:           call.Scope,
		fieldParams:          string(params),
		fieldResponseChannel: call.ResponseChannel,
		fieldTimestamp:       strconv.FormatInt(call.EnqueuedAt.UnixMilli(), 10),
	}
	if len(call.InputItem) > 0 {
		entry[fieldInputItem] = string(call.InputItem)
	}
	if call.Trace.TraceParent != "" {
		trace, err := json.Marshal(call.Trace)
		if err != nil {
			return nil, err
		}
		entry[fieldTrace] = string(trace)
	}
	return entry, nil
}

// UnregisterFunction stops the stream consumer along with the callback and
// directory metadata.
func (r *StreamsRegistry) UnregisterFunction(ctx context.Context, name, scope string) error {
	if scope == "" {
		scope = keys.GlobalScope
	}
	key := scope + "\x00" + name
	r.mu.Lock()
	mgr, running := r.consumers[key]
	if running {
		delete(r.consumers, key)
		metrics.SetActiveConsumers(name, 0)
	}
	r.mu.Unlock()
	if running {
		if err := mgr.Stop(ctx); err != nil {
			logging.Op().Warn("consumer stop failed", "function", name, "error", err)
		}
	}
	return r.unregister(ctx, name, scope)
}

// prepare validates the request against the remote schema and resolves the
// scope a healthy worker serves it under.
func (r *StreamsRegistry) prepare(ctx context.Context, req CallRequest) (*Call, error) {
	defs, err := r.remoteParameters(ctx, req.FunctionName, req.Scope)
	if err != nil {
		return nil, err
	}
	params, err := ValidateParameters(defs, req.Parameters)
	if err != nil {
		return nil, err
	}
	_, resolvedScope, err := r.pickWorker(ctx, req.FunctionName, req.Scope)
	if err != nil {
		return nil, err
	}
	return &Call{
		ID:           NewCallID(),
		FunctionName: req.FunctionName,
		Scope:        resolvedScope,
		Parameters:   params,
		InputItem:    req.InputItem,
		EnqueuedAt:   time.Now(),
		Trace:        observability.ExtractTraceContext(ctx),
	}, nil
}

func (r *StreamsRegistry) add(ctx context.Context, call *Call) error {
	entry, err := entryFromCall(call)
	if err != nil {
		return err
	}
	return r.broker.Execute(ctx, "stream.add", func(ctx context.Context, client *redis.Client) error {
		return client.XAdd(ctx, &redis.XAddArgs{
			Stream: r.keys.FunctionStream(call.FunctionName, call.Scope),
			Values: entry,
		}).Err()
	})
}

// CallFunction dispatches in-process when the callback lives here, otherwise
// appends the call to the function's stream and waits for the response.
// Delivery is tracked by the consumer group, so the wait is bounded only by
// ctx; pass a deadline to cap it.
func (r *StreamsRegistry) CallFunction(ctx context.Context, req CallRequest) (*CallResult, error) {
	if _, ok := r.local.resolve(req.FunctionName, req.Scope); ok {
		return r.local.CallFunction(ctx, req)
	}

	ctx, span := observability.StartSpan(ctx, "relay.call",
		observability.AttrFunctionName.String(req.FunctionName),
		observability.AttrTransport.String("streams"),
	)
	defer span.End()

	call, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.AttrCallID.String(call.ID))
	call.ResponseChannel = r.keys.Response(call.ID)

	// Subscribe before enqueueing so a fast consumer cannot respond into
	// the void.
	got := make(chan []byte, 1)
	subID, err := r.notify.Subscribe(ctx, call.ResponseChannel, func(_ string, data []byte) {
		select {
		case got <- data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer r.notify.Unsubscribe(context.WithoutCancel(ctx), call.ResponseChannel, subID)

	if err := r.add(ctx, call); err != nil {
		return nil, err
	}

	metrics.IncPendingWaiters()
	defer metrics.DecPendingWaiters()

	select {
	case data := <-got:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, &CalleeError{CallID: call.ID, Message: resp.Error}
		}
		return &CallResult{Result: resp.Data, CallID: call.ID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue appends a call without waiting for its result. The callee can
// hand the outcome back through the return-value protocol under the
// returned call id.
func (r *StreamsRegistry) Enqueue(ctx context.Context, req CallRequest) (string, error) {
	call, err := r.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	if err := r.add(ctx, call); err != nil {
		return "", err
	}
	return call.ID, nil
}

// Close stops every consumer before tearing down the base.
func (r *StreamsRegistry) Close() error {
	r.mu.Lock()
	consumers := r.consumers
	r.consumers = make(map[string]*consumer.Manager)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, mgr := range consumers {
		if err := mgr.Stop(ctx); err != nil {
			logging.Op().Warn("consumer stop failed during close", "error", err)
		}
	}
	return r.closeBase()
}
