package registry

import (
	"context"
	"fmt"
	"sort"
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

// remoteBase carries everything the two broker-backed registries share: the
// in-process callback table (a LocalRegistry, so exact-scope calls never
// touch the network), the broker-resident function directory, the
// return-value store and the per-registration heartbeat loops. The concrete
// backends only differ in how a call reaches a remote worker.
type remoteBase struct {
	workerID string
	nodeID   string
	cfg      *config.Config
	broker   *broker.Manager
	notify   *notify.Manager
	keys     keys.Layout
	local    *LocalRegistry
	dir      *Directory
	returns  *ReturnStore

	mu         sync.Mutex
	heartbeats map[string]chan struct{}
	closed     bool
}

func newRemoteBase(cfg *config.Config, b *broker.Manager, n *notify.Manager, layout keys.Layout) remoteBase {
	return remoteBase{
		workerID:   NewWorkerID(),
		cfg:        cfg,
		broker:     b,
		notify:     n,
		keys:       layout,
		local:      NewLocalRegistry(cfg.Call.ReturnTTL),
		dir:        NewDirectory(b, layout, cfg.Worker.MetaTTL, cfg.Worker.HealthTimeout),
		returns:    NewReturnStore(b, n, layout, cfg.Call.ReturnTTL),
		heartbeats: make(map[string]chan struct{}),
	}
}

// WorkerID identifies this process in the function directory.
func (r *remoteBase) WorkerID() string { return r.workerID }

// Directory exposes the broker-resident function directory for components
// layered on top of the registry (readiness watcher, recovery sweeper).
func (r *remoteBase) Directory() *Directory { return r.dir }

// register stores the callback locally and publishes the definition to the
// directory. A broker failure degrades to in-memory-only operation with a
// logged warning so the host keeps running.
func (r *remoteBase) register(ctx context.Context, def FunctionDefinition, cb Callback) error {
	if def.WorkerID == "" {
		def.WorkerID = r.workerID
	}
	if def.NodeID == "" {
		def.NodeID = r.workerID
	}
	def.Scope = def.EffectiveScope()
	if def.RegisteredAt.IsZero() {
		def.RegisteredAt = time.Now()
	}
	def.LastHeartbeat = time.Now()

	if err := r.local.RegisterFunction(ctx, def, cb); err != nil {
		return err
	}

	if err := r.dir.Save(ctx, def); err != nil {
		logging.Op().Warn("function registered locally only, directory publish failed",
			"function", def.Name, "scope", def.Scope, "error", err)
		return nil
	}
	r.startHeartbeat(def)
	return nil
}

func (r *remoteBase) startHeartbeat(def FunctionDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	key := def.Scope + "\x00" + def.Name
	if _, running := r.heartbeats[key]; running {
		return
	}
	stop := make(chan struct{})
	r.heartbeats[key] = stop

	interval := r.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := r.dir.Heartbeat(ctx, def.WorkerID, def.Name); err != nil {
					logging.Op().Warn("heartbeat failed",
						"function", def.Name, "worker", def.WorkerID, "error", err)
				}
				cancel()
			}
		}
	}()
}

func (r *remoteBase) stopHeartbeat(name, scope string) {
	if scope == "" {
		scope = keys.GlobalScope
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := scope + "\x00" + name
	if stop, ok := r.heartbeats[key]; ok {
		close(stop)
		delete(r.heartbeats, key)
	}
}

// unregister removes the local callback and the remote metadata. Idempotent.
func (r *remoteBase) unregister(ctx context.Context, name, scope string) error {
	r.stopHeartbeat(name, scope)
	if err := r.local.UnregisterFunction(ctx, name, scope); err != nil {
		return err
	}
	if err := r.dir.Remove(ctx, r.workerID, name, scope); err != nil {
		logging.Op().Warn("directory cleanup failed on unregister",
			"function", name, "scope", scope, "error", err)
	}
	return nil
}

// pickWorker resolves the scope precedence and returns the first healthy
// worker: request scope first, then global. ErrNoWorkers when every
// registration is stale or absent.
func (r *remoteBase) pickWorker(ctx context.Context, name, scope string) (workerID, resolvedScope string, err error) {
	for _, s := range scopeOrder(scope) {
		healthy, herr := r.dir.Healthy(ctx, name, s)
		if herr != nil {
			return "", "", herr
		}
		if len(healthy) > 0 {
			sort.Strings(healthy)
			return healthy[0], s, nil
		}
	}
	return "", "", fmt.Errorf("%w for %s", ErrNoWorkers, name)
}

// remoteParameters resolves the declared schema for a remote call, trying
// the request scope then global.
func (r *remoteBase) remoteParameters(ctx context.Context, name, scope string) ([]ParameterDefinition, error) {
	return r.dir.Parameters(ctx, name, scope)
}

// GetAvailableFunctions merges in-process and directory knowledge,
// de-duplicated by name with the local entry winning.
func (r *remoteBase) GetAvailableFunctions(ctx context.Context, scope string) ([]FunctionOption, error) {
	options, err := r.local.GetAvailableFunctions(ctx, scope)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(options))
	for _, o := range options {
		seen[o.Name] = struct{}{}
	}
	remote, err := r.dir.List(ctx, scope)
	if err != nil {
		logging.Op().Warn("directory listing failed, returning local functions only", "error", err)
		return options, nil
	}
	for _, o := range remote {
		if _, dup := seen[o.Name]; dup {
			continue
		}
		seen[o.Name] = struct{}{}
		options = append(options, o)
	}
	sort.Slice(options, func(i, j int) bool { return options[i].Name < options[j].Name })
	return options, nil
}

// GetFunctionParameters resolves the declared schema, local callback first.
func (r *remoteBase) GetFunctionParameters(ctx context.Context, name, scope string) ([]ParameterDefinition, error) {
	if params, err := r.local.GetFunctionParameters(ctx, name, scope); err == nil {
		return params, nil
	}
	return r.remoteParameters(ctx, name, scope)
}

// Return-value protocol, broker-resident so resolution can come from any
// process.

func (r *remoteBase) SetReturnValue(ctx context.Context, callID string, value any) error {
	return r.returns.Set(ctx, callID, value)
}

func (r *remoteBase) GetReturnValue(ctx context.Context, callID string) (any, bool, error) {
	return r.returns.Get(ctx, callID)
}

func (r *remoteBase) ClearReturnValue(ctx context.Context, callID string) error {
	return r.returns.Clear(ctx, callID)
}

// CreateReturnPromise is a no-op on broker-backed registries: WaitForReturn
// subscribes before it reads the stored value, so resolve and wait are safe
// in either order without pre-registration.
func (r *remoteBase) CreateReturnPromise(string) {}

func (r *remoteBase) ResolveReturn(ctx context.Context, callID string, value any) error {
	return r.returns.Set(ctx, callID, value)
}

func (r *remoteBase) RejectReturn(ctx context.Context, callID string, reason string) error {
	return r.returns.Reject(ctx, callID, reason)
}

func (r *remoteBase) WaitForReturn(ctx context.Context, callID string) (any, error) {
	return r.returns.Wait(ctx, callID)
}

func (r *remoteBase) PushExecution(cc CallContext)          { r.local.PushExecution(cc) }
func (r *remoteBase) PopExecution() (CallContext, bool)     { return r.local.PopExecution() }
func (r *remoteBase) CurrentExecution() (CallContext, bool) { return r.local.CurrentExecution() }

// closeBase stops every heartbeat loop and the embedded local registry.
func (r *remoteBase) closeBase() error {
	r.mu.Lock()
	r.closed = true
	for key, stop := range r.heartbeats {
		close(stop)
		delete(r.heartbeats, key)
	}
	r.mu.Unlock()
	return r.local.Close()
}

// dispatchLocal runs an inbound remote call against the in-process callback
// table and builds the wire response. Used by both backends' receive paths.
func (r *remoteBase) dispatchLocal(ctx context.Context, call *Call, transport string) Response {
	entry, ok := r.local.resolve(call.FunctionName, call.Scope)
	resp := Response{CallID: call.ID, Timestamp: time.Now().UnixMilli()}
	if !ok {
		resp.Error = fmt.Sprintf("function not registered on this worker: %s", call.FunctionName)
		return resp
	}

	ctx = observability.InjectTraceContext(ctx, call.Trace)
	ctx, span := observability.StartServerSpan(ctx, "relay.dispatch",
		observability.AttrCallID.String(call.ID),
		observability.AttrFunctionName.String(call.FunctionName),
		observability.AttrScope.String(call.Scope),
		observability.AttrWorkerID.String(r.workerID),
		observability.AttrTransport.String(transport),
	)
	defer span.End()

	cc := CallContext{
		CallID:       call.ID,
		FunctionName: call.FunctionName,
		Scope:        call.Scope,
		StartedAt:    time.Now(),
	}
	r.local.PushExecution(cc)
	defer r.local.PopExecution()

	start := time.Now()
	result, err := entry.cb(ctx, call)
	duration := time.Since(start)
	metrics.RecordCall(call.FunctionName, transport, duration.Milliseconds(), err == nil)
	span.SetAttributes(observability.AttrDurationMs.Int64(duration.Milliseconds()))

	entryLog := &logging.CallLog{
		Timestamp:  start,
		CallID:     call.ID,
		Function:   call.FunctionName,
		Scope:      call.Scope,
		WorkerID:   r.workerID,
		DurationMs: duration.Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		entryLog.Error = err.Error()
	}
	logging.Default().Log(entryLog)

	if err != nil {
		observability.SetSpanError(span, err)
		resp.Error = err.Error()
		return resp
	}
	observability.SetSpanOK(span)
	resp.Success = true
	resp.Data = result
	return resp
}
