package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
	"github.com/oriys/relay/internal/notify"
	"github.com/oriys/relay/internal/observability"
)

// PubSubRegistry routes remote calls over per-worker pub/sub channels.
// Delivery is fire-and-forget: a call published while the worker is between
// subscribe and unsubscribe is simply lost, which is why the response wait
// is bounded. Streams mode exists for callers that need delivery tracking.
type PubSubRegistry struct {
	remoteBase

	timeout time.Duration

	mu   sync.Mutex
	subs map[string]int64 // call channel -> notify subscription id
}

// NewPubSubRegistry builds a pub/sub-mode registry bound to this process's
// worker id.
func NewPubSubRegistry(cfg *config.Config, b *broker.Manager, n *notify.Manager, layout keys.Layout) *PubSubRegistry {
	timeout := cfg.Call.PubSubTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PubSubRegistry{
		remoteBase: newRemoteBase(cfg, b, n, layout),
		timeout:    timeout,
		subs:       make(map[string]int64),
	}
}

// RegisterFunction publishes the definition and subscribes this worker's
// call channel so remote callers can reach the callback.
func (r *PubSubRegistry) RegisterFunction(ctx context.Context, def FunctionDefinition, cb Callback) error {
	if def.WorkerID == "" {
		def.WorkerID = r.workerID
	}
	if err := r.register(ctx, def, cb); err != nil {
		return err
	}

	channel := r.keys.Call(def.WorkerID, def.Name)
	r.mu.Lock()
	_, subscribed := r.subs[channel]
	r.mu.Unlock()
	if subscribed {
		return nil
	}

	id, err := r.notify.Subscribe(ctx, channel, func(_ string, payload []byte) {
		r.handleCall(payload)
	})
	if err != nil {
		logging.Op().Warn("call channel subscription failed, function reachable in-process only",
			"function", def.Name, "scope", def.EffectiveScope(), "error", err)
		return nil
	}
	r.mu.Lock()
	r.subs[channel] = id
	r.mu.Unlock()
	return nil
}

// handleCall executes one inbound call and publishes the response on the
// channel the caller named. Runs on the notify dispatch goroutine's worker.
func (r *PubSubRegistry) handleCall(payload []byte) {
	var call Call
	if err := json.Unmarshal(payload, &call); err != nil {
		logging.Op().Warn("dropping malformed call payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp := r.dispatchLocal(ctx, &call, "pubsub")
	if call.ResponseChannel == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Op().Error("response marshal failed", "callId", call.ID, "error", err)
		return
	}
	if err := r.notify.Publish(ctx, call.ResponseChannel, data); err != nil {
		logging.Op().Warn("response publish failed", "callId", call.ID, "error", err)
	}
}

// UnregisterFunction drops the call channel subscription along with the
// callback and directory metadata.
func (r *PubSubRegistry) UnregisterFunction(ctx context.Context, name, scope string) error {
	channel := r.keys.Call(r.workerID, name)
	r.mu.Lock()
	id, subscribed := r.subs[channel]
	if subscribed {
		delete(r.subs, channel)
	}
	r.mu.Unlock()
	if subscribed {
		r.notify.Unsubscribe(ctx, channel, id)
	}
	return r.unregister(ctx, name, scope)
}

// CallFunction dispatches in-process when the callback lives here, otherwise
// publishes the call to one healthy worker and waits for its response. The
// wait is bounded by the configured pub/sub timeout because delivery is not
// tracked; an expired wait surfaces ErrWaitTimeout.
func (r *PubSubRegistry) CallFunction(ctx context.Context, req CallRequest) (*CallResult, error) {
	if _, ok := r.local.resolve(req.FunctionName, req.Scope); ok {
		return r.local.CallFunction(ctx, req)
	}

	defs, err := r.remoteParameters(ctx, req.FunctionName, req.Scope)
	if err != nil {
		return nil, err
	}
	params, err := ValidateParameters(defs, req.Parameters)
	if err != nil {
		return nil, err
	}

	workerID, resolvedScope, err := r.pickWorker(ctx, req.FunctionName, req.Scope)
	if err != nil {
		return nil, err
	}

	callID := NewCallID()
	ctx, span := observability.StartSpan(ctx, "relay.call",
		observability.AttrCallID.String(callID),
		observability.AttrFunctionName.String(req.FunctionName),
		observability.AttrTransport.String("pubsub"),
	)
	defer span.End()

	call := &Call{
		ID:              callID,
		FunctionName:    req.FunctionName,
		Scope:           resolvedScope,
		Parameters:      params,
		InputItem:       req.InputItem,
		ResponseChannel: r.keys.Response(callID),
		EnqueuedAt:      time.Now(),
		Trace:           observability.ExtractTraceContext(ctx),
	}

	payload, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}

	// Subscribe before publishing so a fast worker cannot respond into the
	// void.
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

	if err := r.notify.Publish(ctx, r.keys.Call(workerID, req.FunctionName), payload); err != nil {
		return nil, err
	}

	metrics.IncPendingWaiters()
	defer metrics.DecPendingWaiters()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
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
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response for %s within %s", ErrWaitTimeout, call.ID, r.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drops every call channel subscription before tearing down the base.
func (r *PubSubRegistry) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]int64)
	r.mu.Unlock()
	ctx := context.Background()
	for channel, id := range subs {
		r.notify.Unsubscribe(ctx, channel, id)
	}
	return r.closeBase()
}
