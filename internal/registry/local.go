package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
)

type localEntry struct {
	def FunctionDefinition
	cb  Callback
}

type localReturn struct {
	value     any
	err       error
	expiresAt time.Time
}

// LocalRegistry is the pure in-memory backend for single-process operation.
// No broker round trips; a call dispatches directly to the registered
// callback.
type LocalRegistry struct {
	mu        sync.RWMutex
	functions map[string]localEntry // key: scope \x00 name
	returns   map[string]localReturn
	returnTTL time.Duration
	nextSweep time.Time
	promises  *PromiseStore
	stack     *ExecutionStack
	closed    bool
}

// NewLocalRegistry creates an empty in-memory registry.
func NewLocalRegistry(returnTTL time.Duration) *LocalRegistry {
	if returnTTL <= 0 {
		returnTTL = 5 * time.Minute
	}
	return &LocalRegistry{
		functions: make(map[string]localEntry),
		returns:   make(map[string]localReturn),
		returnTTL: returnTTL,
		promises:  NewPromiseStore(),
		stack:     NewExecutionStack(),
	}
}

func localKey(name, scope string) string {
	if scope == "" {
		scope = keys.GlobalScope
	}
	return scope + "\x00" + name
}

// RegisterFunction stores the callback. Re-registering a (name, scope) pair
// replaces the previous entry.
func (r *LocalRegistry) RegisterFunction(_ context.Context, def FunctionDefinition, cb Callback) error {
	if def.Name == "" {
		return fmt.Errorf("function name is required")
	}
	if cb == nil {
		return fmt.Errorf("callback is required")
	}
	def.Scope = def.EffectiveScope()
	if def.RegisteredAt.IsZero() {
		def.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.functions[localKey(def.Name, def.Scope)] = localEntry{def: def, cb: cb}
	logging.Op().Debug("function registered", "function", def.Name, "scope", def.Scope)
	return nil
}

// UnregisterFunction removes the entry. Idempotent.
func (r *LocalRegistry) UnregisterFunction(_ context.Context, name, scope string) error {
	r.mu.Lock()
	delete(r.functions, localKey(name, scope))
	r.mu.Unlock()
	return nil
}

func (r *LocalRegistry) resolve(name, scope string) (localEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if scope != "" && scope != keys.GlobalScope {
		if e, ok := r.functions[localKey(name, scope)]; ok {
			return e, true
		}
	}
	e, ok := r.functions[localKey(name, keys.GlobalScope)]
	return e, ok
}

// CallFunction validates parameters and dispatches directly to the callback.
func (r *LocalRegistry) CallFunction(ctx context.Context, req CallRequest) (*CallResult, error) {
	entry, ok := r.resolve(req.FunctionName, req.Scope)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, req.FunctionName)
	}

	params, err := ValidateParameters(entry.def.Parameters, req.Parameters)
	if err != nil {
		return nil, err
	}

	call := &Call{
		ID:           NewCallID(),
		FunctionName: entry.def.Name,
		Scope:        entry.def.Scope,
		Parameters:   params,
		InputItem:    req.InputItem,
		EnqueuedAt:   time.Now(),
	}

	cc := CallContext{
		CallID:       call.ID,
		FunctionName: call.FunctionName,
		Scope:        call.Scope,
		StartedAt:    call.EnqueuedAt,
	}
	r.stack.Push(cc)
	defer r.stack.Pop()

	start := time.Now()
	result, err := entry.cb(ctx, call)
	duration := time.Since(start)
	metrics.RecordCall(call.FunctionName, "local", duration.Milliseconds(), err == nil)

	entryLog := &logging.CallLog{
		Timestamp:  start,
		CallID:     call.ID,
		Function:   call.FunctionName,
		Scope:      call.Scope,
		DurationMs: duration.Milliseconds(),
		Local:      true,
		Success:    err == nil,
	}
	if err != nil {
		entryLog.Error = err.Error()
	}
	logging.Default().Log(entryLog)

	if err != nil {
		return nil, &CalleeError{CallID: call.ID, Message: err.Error()}
	}
	return &CallResult{Result: result, CallID: call.ID}, nil
}

// GetAvailableFunctions lists scope-local and global functions,
// de-duplicated by name with the scoped entry winning.
func (r *LocalRegistry) GetAvailableFunctions(_ context.Context, scope string) ([]FunctionOption, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []FunctionOption
	add := func(e localEntry) {
		if seen[e.def.Name] {
			return
		}
		seen[e.def.Name] = true
		out = append(out, FunctionOption{Name: e.def.Name, Value: e.def.Name})
	}

	if scope != "" && scope != keys.GlobalScope {
		for _, e := range r.functions {
			if e.def.Scope == scope {
				add(e)
			}
		}
	}
	for _, e := range r.functions {
		if e.def.Scope == keys.GlobalScope {
			add(e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetFunctionParameters returns the declared schema, scoped entry first.
func (r *LocalRegistry) GetFunctionParameters(_ context.Context, name, scope string) ([]ParameterDefinition, error) {
	entry, ok := r.resolve(name, scope)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return entry.def.Parameters, nil
}

// storeReturn records an outcome with the configured TTL. Writes double as
// the eviction trigger: at most once per TTL window a write sweeps every
// expired entry, so the map stays bounded even when nobody reads the values.
func (r *LocalRegistry) storeReturn(callID string, value any, err error) {
	now := time.Now()
	r.mu.Lock()
	if !r.nextSweep.After(now) {
		for id, entry := range r.returns {
			if now.After(entry.expiresAt) {
				delete(r.returns, id)
			}
		}
		r.nextSweep = now.Add(r.returnTTL)
	}
	r.returns[callID] = localReturn{value: value, err: err, expiresAt: now.Add(r.returnTTL)}
	r.mu.Unlock()
}

// SetReturnValue stores a value under the call id and wakes local waiters.
func (r *LocalRegistry) SetReturnValue(_ context.Context, callID string, value any) error {
	r.storeReturn(callID, value, nil)
	r.promises.Resolve(callID, value)
	return nil
}

// GetReturnValue peeks the stored outcome without consuming it. A rejection
// is reported as found with the callee's error. Expired entries are dropped
// on read.
func (r *LocalRegistry) GetReturnValue(_ context.Context, callID string) (any, bool, error) {
	r.mu.Lock()
	entry, ok := r.returns[callID]
	if ok && time.Now().After(entry.expiresAt) {
		delete(r.returns, callID)
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if entry.err != nil {
		return nil, true, entry.err
	}
	return entry.value, true, nil
}

// ClearReturnValue consumes the stored value.
func (r *LocalRegistry) ClearReturnValue(_ context.Context, callID string) error {
	r.mu.Lock()
	delete(r.returns, callID)
	r.mu.Unlock()
	return nil
}

// CreateReturnPromise registers a future for the call id.
func (r *LocalRegistry) CreateReturnPromise(callID string) {
	r.promises.Create(callID)
}

// ResolveReturn settles the future with a value. The outcome is also stored
// under the TTL so a waiter arriving after the resolution still sees it.
func (r *LocalRegistry) ResolveReturn(_ context.Context, callID string, value any) error {
	r.storeReturn(callID, value, nil)
	r.promises.Resolve(callID, value)
	return nil
}

// RejectReturn settles the future with the callee's failure reason, stored
// under the same TTL as successes.
func (r *LocalRegistry) RejectReturn(_ context.Context, callID string, reason string) error {
	cerr := &CalleeError{CallID: callID, Message: reason}
	r.storeReturn(callID, nil, cerr)
	r.promises.Reject(callID, cerr)
	return nil
}

// WaitForReturn blocks until the future settles or ctx is done. An outcome
// already stored resolves immediately. The waiter reference is taken before
// the stored-value check so a resolution landing in between cannot fall in
// the gap.
func (r *LocalRegistry) WaitForReturn(ctx context.Context, callID string) (any, error) {
	p := r.promises.enter(callID)
	if v, found, err := r.GetReturnValue(ctx, callID); found {
		r.promises.release(callID, p, false)
		return v, err
	}
	return r.promises.await(ctx, callID, p)
}

// PushExecution records the innermost executing call.
func (r *LocalRegistry) PushExecution(cc CallContext) { r.stack.Push(cc) }

// PopExecution removes the innermost executing call.
func (r *LocalRegistry) PopExecution() (CallContext, bool) { return r.stack.Pop() }

// CurrentExecution returns the innermost executing call.
func (r *LocalRegistry) CurrentExecution() (CallContext, bool) { return r.stack.Current() }

// Close marks the registry closed. Registered callbacks are discarded.
func (r *LocalRegistry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.functions = make(map[string]localEntry)
	r.returns = make(map[string]localReturn)
	r.mu.Unlock()
	return nil
}
