package registry

import "sync"

// ExecutionStack tracks the calls currently executing in this process so a
// "return" step can find the call in progress without an id threaded through
// business logic. It is a convenience only: the authoritative correlation is
// the CallContext travelling with each call, and cross-process paths never
// consult this stack.
//
// Every Push must be paired with a Pop on all paths, including error paths;
// an unbalanced stack leaks context into unrelated calls. Callers should
// defer the Pop immediately after a successful Push.
type ExecutionStack struct {
	mu    sync.Mutex
	stack []CallContext
}

// NewExecutionStack returns an empty stack.
func NewExecutionStack() *ExecutionStack {
	return &ExecutionStack{}
}

// Push records cc as the innermost executing call.
func (s *ExecutionStack) Push(cc CallContext) {
	s.mu.Lock()
	s.stack = append(s.stack, cc)
	s.mu.Unlock()
}

// Pop removes and returns the innermost executing call. ok is false on an
// empty stack.
func (s *ExecutionStack) Pop() (cc CallContext, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return CallContext{}, false
	}
	cc = s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return cc, true
}

// Current returns the innermost executing call without removing it.
func (s *ExecutionStack) Current() (cc CallContext, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return CallContext{}, false
	}
	return s.stack[len(s.stack)-1], true
}

// Depth returns the number of calls currently on the stack.
func (s *ExecutionStack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}
