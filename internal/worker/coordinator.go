// Package worker layers lifecycle coordination over the registry: announcing
// readiness when a function comes up, a two-phase shutdown so in-flight
// callers can drain, and push-based waiting for a function to become
// available.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/notify"
	"github.com/oriys/relay/internal/registry"
)

// Coordinator registers functions on behalf of a worker process and
// announces their lifecycle over the broker's event channels, so callers
// waiting on availability are woken by push instead of polling.
type Coordinator struct {
	reg    registry.CallRegistry
	notify *notify.Manager
	keys   keys.Layout
	cfg    config.WorkerConfig

	mu         sync.Mutex
	workerID   string
	registered map[string]registry.FunctionDefinition
}

// NewCoordinator wraps a registry with lifecycle announcements. workerID
// identifies this process in every event it publishes.
func NewCoordinator(reg registry.CallRegistry, n *notify.Manager, layout keys.Layout, cfg config.WorkerConfig, workerID string) *Coordinator {
	if workerID == "" {
		workerID = registry.NewWorkerID()
	}
	return &Coordinator{
		reg:        reg,
		notify:     n,
		keys:       layout,
		cfg:        cfg,
		workerID:   workerID,
		registered: make(map[string]registry.FunctionDefinition),
	}
}

// WorkerID returns the id this coordinator announces under.
func (c *Coordinator) WorkerID() string { return c.workerID }

func trackKey(name, scope string) string {
	if scope == "" {
		scope = keys.GlobalScope
	}
	return scope + "\x00" + name
}

// Register registers the function and announces readiness. Callers blocked
// in a Watcher wake up on the announcement.
func (c *Coordinator) Register(ctx context.Context, def registry.FunctionDefinition, cb registry.Callback) error {
	if def.WorkerID == "" {
		def.WorkerID = c.workerID
	}
	if err := c.reg.RegisterFunction(ctx, def, cb); err != nil {
		return err
	}

	scope := def.EffectiveScope()
	c.mu.Lock()
	c.registered[trackKey(def.Name, scope)] = def
	c.mu.Unlock()

	c.announce(ctx, c.keys.Ready(def.Name, scope), def.Name, scope, "ready", "", 0)
	logging.Op().Info("worker ready", "function", def.Name, "scope", scope, "worker", def.WorkerID)
	return nil
}

// Unregister performs the two-phase shutdown for one function: announce
// shutdown, give in-flight callers the grace window, then remove the
// registration and announce offline. Unregistering a function this
// coordinator never registered is a no-op.
func (c *Coordinator) Unregister(ctx context.Context, name, scope string) error {
	if scope == "" {
		scope = keys.GlobalScope
	}
	c.mu.Lock()
	_, ok := c.registered[trackKey(name, scope)]
	if ok {
		delete(c.registered, trackKey(name, scope))
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	// The shutdown announcement carries the grace window so callers know
	// how long the function is expected to stay up before going offline.
	grace := c.graceWindow()
	c.announce(ctx, c.keys.Shutdown(name, scope), name, scope, "shutting_down", "", grace)

	select {
	case <-time.After(grace):
	case <-ctx.Done():
	}

	err := c.reg.UnregisterFunction(ctx, name, scope)
	c.announce(ctx, c.keys.Offline(name, scope), name, scope, "offline", "", 0)
	logging.Op().Info("worker offline", "function", name, "scope", scope, "worker", c.workerID)
	return err
}

// Shutdown unregisters everything this coordinator registered, sharing one
// grace window: all shutdown announcements go out first, then after the
// grace every registration is removed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defs := make([]registry.FunctionDefinition, 0, len(c.registered))
	for _, def := range c.registered {
		defs = append(defs, def)
	}
	c.registered = make(map[string]registry.FunctionDefinition)
	c.mu.Unlock()
	if len(defs) == 0 {
		return nil
	}

	grace := c.graceWindow()
	for _, def := range defs {
		c.announce(ctx, c.keys.Shutdown(def.Name, def.EffectiveScope()), def.Name, def.EffectiveScope(), "shutting_down", "", grace)
	}

	select {
	case <-time.After(grace):
	case <-ctx.Done():
	}

	var firstErr error
	for _, def := range defs {
		scope := def.EffectiveScope()
		if err := c.reg.UnregisterFunction(ctx, def.Name, scope); err != nil && firstErr == nil {
			firstErr = err
		}
		c.announce(ctx, c.keys.Offline(def.Name, scope), def.Name, scope, "offline", "", 0)
	}
	return firstErr
}

func (c *Coordinator) graceWindow() time.Duration {
	if c.cfg.ShutdownGrace > 0 {
		return c.cfg.ShutdownGrace
	}
	return 2 * time.Second
}

// NotifyUnhealthy publishes an advisory health warning for a function this
// worker serves. Informational only; the directory heartbeat remains the
// authoritative health signal.
func (c *Coordinator) NotifyUnhealthy(ctx context.Context, name, scope, reason string) {
	c.announce(ctx, c.keys.WorkerHealth(name, scope), name, scope, "unhealthy", reason, 0)
}

// NotifyHealthy publishes an advisory recovery notice, including how long
// the function was down.
func (c *Coordinator) NotifyHealthy(ctx context.Context, name, scope string, downtime time.Duration) {
	ev := notify.Event{
		WorkerID:     c.workerID,
		FunctionName: name,
		Status:       "healthy",
		DowntimeMs:   downtime.Milliseconds(),
		Timestamp:    time.Now().UnixMilli(),
	}
	if err := c.notify.PublishEvent(ctx, c.keys.WorkerHealth(name, scope), ev); err != nil {
		logging.Op().Warn("health notice publish failed", "function", name, "error", err)
	}
}

func (c *Coordinator) announce(ctx context.Context, channel, name, scope, status, reason string, downtime time.Duration) {
	ev := notify.Event{
		WorkerID:     c.workerID,
		FunctionName: name,
		WorkflowID:   scope,
		Status:       status,
		Reason:       reason,
		DowntimeMs:   downtime.Milliseconds(),
		Timestamp:    time.Now().UnixMilli(),
	}
	if err := c.notify.PublishEvent(ctx, channel, ev); err != nil {
		logging.Op().Warn("lifecycle announcement failed",
			"channel", channel, "function", name, "error", err)
	}
}
