package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for the call resolution taxonomy. Call-site adapters
// translate these into one clear operation error for the user.
var (
	// ErrFunctionNotFound means no registration exists for the requested
	// (name, scope) pair, locally or in the broker directory.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrNoWorkers means the function is known but no healthy worker is
	// currently serving it.
	ErrNoWorkers = errors.New("no workers available")

	// ErrWaitTimeout means a bounded wait elapsed. Always recoverable;
	// callers may retry.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrClosed means the registry has been shut down.
	ErrClosed = errors.New("registry closed")
)

// ValidationError rejects a call before any network hop when the supplied
// parameters do not match the function's declared schema.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Reason)
}

// CalleeError propagates the callee's own failure verbatim as the call's
// failure reason.
type CalleeError struct {
	CallID  string
	Message string
}

func (e *CalleeError) Error() string {
	return fmt.Sprintf("function call %s failed: %s", e.CallID, e.Message)
}
