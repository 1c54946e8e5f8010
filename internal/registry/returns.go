package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/notify"
)

// ReturnStore keeps return values in the broker under a short TTL and wakes
// blocked waiters through a paired pub/sub channel so nothing polls. The
// resolution may come from a different process than the one waiting; the
// stored copy covers waiters that arrive after the wake-up was published.
//
// Values are stored wrapped in the Response envelope so rejections travel
// the same path as resolutions. Get unwraps, so callers only ever see the
// raw value.
type ReturnStore struct {
	broker *broker.Manager
	notify *notify.Manager
	keys   keys.Layout
	ttl    time.Duration
}

// NewReturnStore creates a return-value store. ttl bounds how long an
// unconsumed value survives; zero means 5 minutes.
func NewReturnStore(b *broker.Manager, n *notify.Manager, layout keys.Layout, ttl time.Duration) *ReturnStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ReturnStore{broker: b, notify: n, keys: layout, ttl: ttl}
}

func (s *ReturnStore) put(ctx context.Context, callID string, envelope Response) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	err = s.broker.Execute(ctx, "return.set", func(ctx context.Context, client *redis.Client) error {
		return client.Set(ctx, s.keys.Return(callID), data, s.ttl).Err()
	})
	if err != nil {
		return err
	}
	// Wake-up delivery is best-effort; waiters that miss it still find the
	// stored envelope on their initial read.
	return s.notify.Publish(ctx, s.keys.ReturnPubSub(callID), data)
}

// Set stores a successful return value under the call id (last-write-wins)
// and publishes a wake-up so any process blocked in Wait resolves
// immediately.
func (s *ReturnStore) Set(ctx context.Context, callID string, value any) error {
	return s.put(ctx, callID, Response{
		Success:   true,
		Data:      value,
		CallID:    callID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Reject stores the callee's failure reason under the call id and wakes
// waiters, which surface it as a CalleeError.
func (s *ReturnStore) Reject(ctx context.Context, callID, reason string) error {
	return s.put(ctx, callID, Response{
		Success:   false,
		Error:     reason,
		CallID:    callID,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *ReturnStore) load(ctx context.Context, callID string) (*Response, error) {
	var data []byte
	err := s.broker.Execute(ctx, "return.get", func(ctx context.Context, client *redis.Client) error {
		b, getErr := client.Get(ctx, s.keys.Return(callID)).Bytes()
		if getErr == redis.Nil {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		data = b
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	var envelope Response
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// Get peeks the stored value without consuming it. found is false when no
// value exists (never stored, already cleared or expired). A stored
// rejection is returned as a CalleeError.
func (s *ReturnStore) Get(ctx context.Context, callID string) (value any, found bool, err error) {
	envelope, err := s.load(ctx, callID)
	if err != nil || envelope == nil {
		return nil, false, err
	}
	if !envelope.Success {
		return nil, true, &CalleeError{CallID: callID, Message: envelope.Error}
	}
	return envelope.Data, true, nil
}

// Clear consumes the stored value. Clearing an absent key is a no-op.
func (s *ReturnStore) Clear(ctx context.Context, callID string) error {
	return s.broker.Execute(ctx, "return.clear", func(ctx context.Context, client *redis.Client) error {
		return client.Del(ctx, s.keys.Return(callID)).Err()
	})
}

// Wait blocks until a value is stored for callID or ctx is done. It
// subscribes to the wake-up channel before checking the key, so a Set
// racing the subscription is never missed.
func (s *ReturnStore) Wait(ctx context.Context, callID string) (any, error) {
	got := make(chan []byte, 1)
	channel := s.keys.ReturnPubSub(callID)
	subID, err := s.notify.Subscribe(ctx, channel, func(_ string, payload []byte) {
		select {
		case got <- payload:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer s.notify.Unsubscribe(context.WithoutCancel(ctx), channel, subID)

	if v, found, err := s.Get(ctx, callID); found || err != nil {
		return v, err
	}

	select {
	case payload := <-got:
		var envelope Response
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, err
		}
		if !envelope.Success {
			return nil, &CalleeError{CallID: callID, Message: envelope.Error}
		}
		return envelope.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
