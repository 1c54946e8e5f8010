// Package keys renders the Redis key and channel layout shared by every
// relay process. All coordination state is broker-resident; any change here
// is a wire-format change and must be rolled out to callers and callees
// together.
//
// Layout (prefix configurable, default "relay"):
//
//	function:meta:{workerId}:{functionName}    hash: definition + lastHeartbeat
//	function:{functionName}                    set of workerIds (global scope)
//	function:{scope}:{functionName}            set of workerIds (workflow scope)
//	function:stream:{scope}:{functionName}     stream of call entries
//	group:{functionName}                       consumer group name
//	function:call:{workerId}:{functionName}    per-worker call channel (pub/sub mode)
//	function:response:{callId}                 per-call response channel
//	return:{callId}                            return value, short TTL
//	return-pubsub:{callId}                     wake-up channel for waiters
//	function:ready|shutdown|offline:{name}:{scope}  lifecycle channels
//	worker:health:{name}:{scope}               advisory health channel
//	consumer:state:{consumerId}                hash, supervision state
//	consumer:active:{name}:{scope}             set of consumerIds
//	consumers:all                              set of all consumerIds
package keys

// GlobalScope is the scope name functions registered globally fall under.
const GlobalScope = "global"

// Layout builds prefixed keys and channel names.
type Layout struct {
	prefix string
}

// New returns a Layout with the given prefix. An empty prefix defaults to
// "relay".
func New(prefix string) Layout {
	if prefix == "" {
		prefix = "relay"
	}
	return Layout{prefix: prefix}
}

// Prefix returns the configured prefix.
func (l Layout) Prefix() string { return l.prefix }

func (l Layout) join(parts ...string) string {
	out := l.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

// FunctionMeta is the metadata hash for one worker's registration of a
// function.
func (l Layout) FunctionMeta(workerID, name string) string {
	return l.join("function", "meta", workerID, name)
}

// FunctionWorkers is the set of workerIds currently serving a function in a
// scope. Global registrations omit the scope segment so workflow-scoped and
// global entries never collide.
func (l Layout) FunctionWorkers(name, scope string) string {
	if scope == "" || scope == GlobalScope {
		return l.join("function", name)
	}
	return l.join("function", scope, name)
}

// FunctionStream is the call stream for a (scope, function) pair.
func (l Layout) FunctionStream(name, scope string) string {
	if scope == "" {
		scope = GlobalScope
	}
	return l.join("function", "stream", scope, name)
}

// ConsumerGroup is the consumer-group name for a function's call stream.
func (l Layout) ConsumerGroup(name string) string {
	return "group:" + name
}

// Call is the per-worker call channel used in pub/sub mode.
func (l Layout) Call(workerID, name string) string {
	return l.join("function", "call", workerID, name)
}

// Response is the per-call response pub/sub channel.
func (l Layout) Response(callID string) string {
	return l.join("function", "response", callID)
}

// Return is the key holding a call's return value.
func (l Layout) Return(callID string) string {
	return l.join("return", callID)
}

// ReturnPubSub is the wake-up channel paired with Return.
func (l Layout) ReturnPubSub(callID string) string {
	return l.join("return-pubsub", callID)
}

// Ready is the worker-readiness lifecycle channel.
func (l Layout) Ready(name, scope string) string {
	return l.lifecycle("ready", name, scope)
}

// Shutdown is the two-phase shutdown announcement channel.
func (l Layout) Shutdown(name, scope string) string {
	return l.lifecycle("shutdown", name, scope)
}

// Offline is the final offline lifecycle channel.
func (l Layout) Offline(name, scope string) string {
	return l.lifecycle("offline", name, scope)
}

func (l Layout) lifecycle(event, name, scope string) string {
	if scope == "" {
		scope = GlobalScope
	}
	return l.join("function", event, name, scope)
}

// WorkerHealth is the advisory health channel for a (function, scope) pair.
func (l Layout) WorkerHealth(name, scope string) string {
	if scope == "" {
		scope = GlobalScope
	}
	return l.join("worker", "health", name, scope)
}

// ConsumerState is the supervision hash for one consumer.
func (l Layout) ConsumerState(consumerID string) string {
	return l.join("consumer", "state", consumerID)
}

// ConsumerActive is the set of active consumerIds for a (function, scope)
// pair.
func (l Layout) ConsumerActive(name, scope string) string {
	if scope == "" {
		scope = GlobalScope
	}
	return l.join("consumer", "active", name, scope)
}

// ConsumersAll is the set of every consumerId ever registered and not yet
// removed.
func (l Layout) ConsumersAll() string {
	return l.join("consumers", "all")
}
