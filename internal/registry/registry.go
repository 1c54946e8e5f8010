package registry

import "context"

// CallRegistry is the one polymorphic call directory. Register/call/list/
// parameters/return-value semantics are identical across backends; only the
// transport differs:
//
//   - Local: pure in-memory, direct callback dispatch, single process.
//   - PubSub: per-worker Redis channels, bounded response wait.
//   - Streams: Redis streams + consumer groups, response over a per-call
//     channel, wait bounded only by the caller's context.
//
// The backend is selected once per process by the factory (config seam);
// callers never branch on the concrete type.
type CallRegistry interface {
	// RegisterFunction stores the callback locally and, on broker-backed
	// registries, publishes the definition for other processes. Broker
	// failures degrade to in-memory-only operation with a logged warning;
	// the host's workflow must keep running.
	RegisterFunction(ctx context.Context, def FunctionDefinition, cb Callback) error

	// UnregisterFunction removes the local callback and any remote
	// metadata. Idempotent: unregistering an absent function is a no-op.
	UnregisterFunction(ctx context.Context, name, scope string) error

	// CallFunction resolves and invokes a function. Resolution order:
	// local callback for the exact scope, then remote worker lookup
	// (request scope first, then global), then ErrFunctionNotFound /
	// ErrNoWorkers. Parameters are validated against the declared schema
	// before any network hop.
	CallFunction(ctx context.Context, req CallRequest) (*CallResult, error)

	// GetAvailableFunctions merges local and remote knowledge and
	// de-duplicates by name.
	GetAvailableFunctions(ctx context.Context, scope string) ([]FunctionOption, error)

	// GetFunctionParameters returns the declared schema for a function,
	// resolving scope precedence the same way CallFunction does.
	GetFunctionParameters(ctx context.Context, name, scope string) ([]ParameterDefinition, error)

	// Return-value protocol: a value stored under a call id with a short
	// TTL. Get peeks, Clear consumes.
	SetReturnValue(ctx context.Context, callID string, value any) error
	GetReturnValue(ctx context.Context, callID string) (value any, found bool, err error)
	ClearReturnValue(ctx context.Context, callID string) error

	// One-shot future keyed by call id. Resolution may come from another
	// process on broker-backed registries.
	CreateReturnPromise(callID string)
	ResolveReturn(ctx context.Context, callID string, value any) error
	RejectReturn(ctx context.Context, callID string, reason string) error
	WaitForReturn(ctx context.Context, callID string) (any, error)

	// Execution-context stack: in-process convenience for correlating a
	// "return" step with the innermost call. The CallContext in the call
	// payload stays authoritative.
	PushExecution(cc CallContext)
	PopExecution() (CallContext, bool)
	CurrentExecution() (CallContext, bool)

	Close() error
}
