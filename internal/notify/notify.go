// Package notify provides the pub/sub layer used for lifecycle and wake-up
// events. One subscriber connection multiplexes every logical channel;
// callers attach listener callbacks per channel and the Redis-level
// SUBSCRIBE/UNSUBSCRIBE only happens on the first-listener and last-listener
// transitions.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
)

// Listener is invoked for every message delivered on a subscribed channel.
// Listeners run synchronously on the dispatch goroutine; a panicking
// listener is isolated and must not block delivery to the others.
type Listener func(channel string, payload []byte)

// Event is the structured payload published on lifecycle channels.
type Event struct {
	WorkerID     string `json:"workerId"`
	FunctionName string `json:"functionName"`
	WorkflowID   string `json:"workflowId,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	DowntimeMs   int64  `json:"downtimeMs,omitempty"`
}

type listenerEntry struct {
	id int64
	fn Listener
}

// Manager multiplexes many logical channels onto one subscriber connection.
type Manager struct {
	publisher  *redis.Client
	subscriber *redis.Client

	mu        sync.Mutex
	pubsub    *redis.PubSub
	listeners map[string][]listenerEntry
	nextID    int64
	closed    bool
	cancel    context.CancelFunc

	published int64
	delivered int64
}

// NewManager creates a notification manager. publisher is the shared pooled
// client; subscriber must be a dedicated client because SUBSCRIBE takes over
// the connection.
func NewManager(publisher, subscriber *redis.Client) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		publisher:  publisher,
		subscriber: subscriber,
		listeners:  make(map[string][]listenerEntry),
		cancel:     cancel,
	}
	// Subscribing to no channels keeps the PubSub usable for later
	// dynamic Subscribe calls.
	m.pubsub = subscriber.Subscribe(ctx)
	go m.dispatch(ctx)
	go m.reportRates(ctx)
	return m
}

// Subscribe attaches a listener to a logical channel and returns its
// subscription id for Unsubscribe. The Redis-level subscription is created
// only when the channel gains its first listener.
func (m *Manager) Subscribe(ctx context.Context, channel string, fn Listener) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, context.Canceled
	}

	first := len(m.listeners[channel]) == 0
	m.nextID++
	id := m.nextID
	m.listeners[channel] = append(m.listeners[channel], listenerEntry{id: id, fn: fn})

	if first {
		if err := m.pubsub.Subscribe(ctx, channel); err != nil {
			m.removeListenerLocked(channel, id)
			return 0, err
		}
	}
	return id, nil
}

// Unsubscribe detaches a listener. The Redis-level subscription is released
// when the channel loses its last listener. Unknown ids are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, channel string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.removeListenerLocked(channel, id)
	if len(m.listeners[channel]) == 0 {
		delete(m.listeners, channel)
		if err := m.pubsub.Unsubscribe(ctx, channel); err != nil {
			logging.Op().Warn("pubsub unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

func (m *Manager) removeListenerLocked(channel string, id int64) {
	entries := m.listeners[channel]
	for i, e := range entries {
		if e.id == id {
			m.listeners[channel] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Publish sends raw bytes on a channel.
func (m *Manager) Publish(ctx context.Context, channel string, payload []byte) error {
	err := m.publisher.Publish(ctx, channel, payload).Err()
	if err == nil {
		atomic.AddInt64(&m.published, 1)
		metrics.RecordNotificationPublished(classOf(channel))
	}
	return err
}

// PublishEvent marshals and publishes a lifecycle event.
func (m *Manager) PublishEvent(ctx context.Context, channel string, ev Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.Publish(ctx, channel, data)
}

func (m *Manager) dispatch(ctx context.Context) {
	ch := m.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (m *Manager) deliver(channel string, payload []byte) {
	m.mu.Lock()
	entries := make([]listenerEntry, len(m.listeners[channel]))
	copy(entries, m.listeners[channel])
	m.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Op().Error("notification listener panicked", "channel", channel, "panic", r)
				}
			}()
			e.fn(channel, payload)
		}()
		atomic.AddInt64(&m.delivered, 1)
		metrics.RecordNotificationDelivered(classOf(channel))
	}
}

// reportRates periodically logs publish/delivery counts for capacity
// planning.
func (m *Manager) reportRates(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastPub, lastDel int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pub := atomic.LoadInt64(&m.published)
			del := atomic.LoadInt64(&m.delivered)
			logging.Op().Debug("notification rates",
				"published_per_min", pub-lastPub,
				"delivered_per_min", del-lastDel,
				"published_total", pub,
				"delivered_total", del,
			)
			lastPub, lastDel = pub, del
		}
	}
}

// Counts returns lifetime publish/delivery counters.
func (m *Manager) Counts() (published, delivered int64) {
	return atomic.LoadInt64(&m.published), atomic.LoadInt64(&m.delivered)
}

// Close releases the subscriber connection and stops dispatching. Attached
// listeners are discarded.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.listeners = make(map[string][]listenerEntry)
	m.mu.Unlock()

	m.cancel()
	if err := m.pubsub.Close(); err != nil {
		return err
	}
	return m.subscriber.Close()
}

// classOf collapses per-call channel names into a stable metrics label.
// Channel names embed unique call ids; labeling by full name would explode
// cardinality.
func classOf(channel string) string {
	// relay:function:response:{callId} -> relay:function:response
	parts := 0
	for i := 0; i < len(channel); i++ {
		if channel[i] == ':' {
			parts++
			if parts == 3 {
				return channel[:i]
			}
		}
	}
	return channel
}
