// Package registry implements the call directory and the call/response
// protocol: functions register under a (name, scope) pair and callers invoke
// them by name, locally when the callback lives in-process or through the
// broker when it does not.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/observability"
)

// ParameterType enumerates the value types a function parameter may declare.
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeBoolean ParameterType = "boolean"
	TypeObject  ParameterType = "object"
	TypeArray   ParameterType = "array"
)

// Valid reports whether t is a known parameter type.
func (t ParameterType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// ParameterDefinition describes one declared parameter of a function.
// Immutable once published for a given registration.
type ParameterDefinition struct {
	Name        string        `json:"name"`
	Type        ParameterType `json:"type"`
	Required    bool          `json:"required"`
	Default     any           `json:"default,omitempty"`
	Description string        `json:"description,omitempty"`
}

// FunctionDefinition identifies a callable function and where it lives.
// A function name is unique within its scope; lookups check the workflow
// scope first, then the global namespace.
type FunctionDefinition struct {
	Name          string                `json:"functionName"`
	Scope         string                `json:"scope"`
	NodeID        string                `json:"nodeId"`
	Parameters    []ParameterDefinition `json:"parameters"`
	WorkerID      string                `json:"workerId"`
	RegisteredAt  time.Time             `json:"registeredAt"`
	LastHeartbeat time.Time             `json:"lastHeartbeat"`
}

// EffectiveScope normalizes an empty scope to the global namespace.
func (d FunctionDefinition) EffectiveScope() string {
	if d.Scope == "" {
		return keys.GlobalScope
	}
	return d.Scope
}

// Callback is the in-process implementation of a registered function.
// Callbacks are not serializable; they always stay in the registering
// process and remote calls reach them through that process's consumer.
type Callback func(ctx context.Context, call *Call) (any, error)

// Call is one invocation in flight. Exactly one response is expected per ID.
type Call struct {
	ID              string          `json:"callId"`
	FunctionName    string          `json:"functionName"`
	Scope           string          `json:"scope"`
	Parameters      map[string]any  `json:"params"`
	InputItem       json.RawMessage `json:"inputItem,omitempty"`
	ResponseChannel string          `json:"responseChannel,omitempty"`
	EnqueuedAt      time.Time       `json:"timestamp"`

	// Trace carries the caller's W3C trace context so the callee's spans
	// parent onto the caller's trace across process boundaries.
	Trace observability.TraceContext `json:"trace,omitempty"`
}

// CallRequest is what a caller supplies to CallFunction.
type CallRequest struct {
	FunctionName string
	Scope        string
	Parameters   map[string]any
	InputItem    json.RawMessage
}

// CallResult carries the callee's returned value back to the caller.
type CallResult struct {
	Result any
	CallID string
}

// FunctionOption is a directory entry used to drive caller configuration UIs.
type FunctionOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Response is the wire format published on a call's response channel.
type Response struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	CallID    string `json:"callId"`
	Timestamp int64  `json:"timestamp"`
}

// CallContext correlates a callee's explicit return with the call waiting
// for it. It travels with the call payload; the in-process execution stack
// is only a convenience layered on top of it.
type CallContext struct {
	CallID       string
	FunctionName string
	Scope        string
	StartedAt    time.Time
}

// NewCallID returns a globally unique, time-prefixed call id. The time
// prefix keeps ids roughly sortable in debug output.
func NewCallID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// NewWorkerID returns a worker id derived from process, time and randomness.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), time.Now().UnixMilli(), uuid.New().String()[:8])
}
