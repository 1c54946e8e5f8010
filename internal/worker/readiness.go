package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/notify"
	"github.com/oriys/relay/internal/registry"
)

// Watcher blocks callers until a function has a healthy worker, woken by
// readiness announcements instead of polling the directory. Concurrent
// waits on the same function share one subscription.
type Watcher struct {
	notify  *notify.Manager
	keys    keys.Layout
	dir     *registry.Directory
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingWait
}

type pendingWait struct {
	ready chan struct{}
	subID int64
	refs  int
}

// NewWatcher builds a readiness watcher. timeout bounds each wait; zero
// means 10 seconds.
func NewWatcher(n *notify.Manager, layout keys.Layout, dir *registry.Directory, timeout time.Duration) *Watcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Watcher{
		notify:  n,
		keys:    layout,
		dir:     dir,
		timeout: timeout,
		pending: make(map[string]*pendingWait),
	}
}

// WaitForAvailability returns once at least one healthy worker serves the
// function, nil immediately when one already does. A workflow-scoped wait
// also wakes on a global registration, matching call-time scope fallback.
// Expiry surfaces ErrWaitTimeout; no worker ever arriving is
// indistinguishable from a slow one, so the caller decides whether to
// retry.
func (w *Watcher) WaitForAvailability(ctx context.Context, name, scope string) error {
	if scope == "" {
		scope = keys.GlobalScope
	}
	scopes := []string{scope}
	if scope != keys.GlobalScope {
		scopes = append(scopes, keys.GlobalScope)
	}

	anyHealthy := func() (bool, error) {
		for _, s := range scopes {
			healthy, err := w.dir.Healthy(ctx, name, s)
			if err != nil {
				return false, err
			}
			if len(healthy) > 0 {
				return true, nil
			}
		}
		return false, nil
	}

	if ok, err := anyHealthy(); err != nil || ok {
		return err
	}

	readies := make([]<-chan struct{}, 0, len(scopes))
	for _, s := range scopes {
		channel := w.keys.Ready(name, s)
		ready, err := w.join(ctx, channel)
		if err != nil {
			return err
		}
		defer w.leave(ctx, channel)
		readies = append(readies, ready)
	}

	// The worker may have come up between the directory check and the
	// subscription; recheck so its announcement is not needed.
	if ok, err := anyHealthy(); err != nil || ok {
		return err
	}

	var global <-chan struct{}
	if len(readies) > 1 {
		global = readies[1]
	}
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-readies[0]:
		return nil
	case <-global:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no worker became available for %s within %s",
			registry.ErrWaitTimeout, name, w.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// join joins the shared wait for a channel, subscribing only when this is
// the first waiter.
func (w *Watcher) join(ctx context.Context, channel string) (<-chan struct{}, error) {
	w.mu.Lock()
	if p, ok := w.pending[channel]; ok {
		p.refs++
		ready := p.ready
		w.mu.Unlock()
		return ready, nil
	}
	p := &pendingWait{ready: make(chan struct{}), refs: 1}
	w.pending[channel] = p

	// The lock is held across the subscribe so an announcement racing in
	// cannot observe the entry before its subscription id is recorded;
	// signal blocks on the lock until the entry is consistent. Deliveries
	// never run under the notify manager's lock, so this cannot deadlock.
	subID, err := w.notify.Subscribe(ctx, channel, func(ch string, _ []byte) {
		w.signal(ch)
	})
	if err != nil {
		delete(w.pending, channel)
		w.mu.Unlock()
		return nil, err
	}
	p.subID = subID
	w.mu.Unlock()
	return p.ready, nil
}

// signal wakes every waiter on the channel and retires the shared wait.
func (w *Watcher) signal(channel string) {
	w.mu.Lock()
	p, ok := w.pending[channel]
	if ok {
		delete(w.pending, channel)
		close(p.ready)
	}
	w.mu.Unlock()
	if ok {
		w.notify.Unsubscribe(context.Background(), channel, p.subID)
	}
}

// leave drops one waiter; the last one out unsubscribes.
func (w *Watcher) leave(ctx context.Context, channel string) {
	w.mu.Lock()
	p, ok := w.pending[channel]
	if ok {
		p.refs--
		if p.refs > 0 {
			w.mu.Unlock()
			return
		}
		delete(w.pending, channel)
	}
	w.mu.Unlock()
	if ok {
		w.notify.Unsubscribe(context.WithoutCancel(ctx), channel, p.subID)
	}
}

// Pending reports how many functions currently have waiters, for tests and
// introspection.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// CallWhenReady waits for availability and then invokes the function. This
// is the instant-readiness call path: registration events race ahead of the
// first call instead of the caller polling for workers.
func (w *Watcher) CallWhenReady(ctx context.Context, reg registry.CallRegistry, req registry.CallRequest) (*registry.CallResult, error) {
	if err := w.WaitForAvailability(ctx, req.FunctionName, req.Scope); err != nil {
		return nil, err
	}
	return reg.CallFunction(ctx, req)
}
