package registry

import (
	"context"
	"sync"
)

type promiseOutcome struct {
	value any
	err   error
}

// promise is a one-shot future. The channel is buffered so resolution never
// blocks on an absent waiter; waiters holds the reference count that decides
// when the store may drop the entry.
type promise struct {
	once    sync.Once
	ch      chan promiseOutcome
	waiters int
}

func newPromise() *promise {
	return &promise{ch: make(chan promiseOutcome, 1)}
}

func (p *promise) settle(value any, err error) {
	p.once.Do(func() {
		p.ch <- promiseOutcome{value: value, err: err}
	})
}

// PromiseStore holds one-shot futures keyed by call/correlation id. Resolve
// and Reject settle only outstanding futures; a resolution with no future is
// dropped and reported, so the caller can store it elsewhere. An entry is
// removed when its outcome is consumed or when the last waiter gives up, so
// the store never grows with settled futures nobody is waiting on.
//
// The store is process-local. Cross-process resolution is bridged by the
// broker-backed registries, which subscribe to the return wake-up channel
// and settle the local promise when the remote resolution arrives.
type PromiseStore struct {
	mu       sync.Mutex
	promises map[string]*promise
}

// NewPromiseStore returns an empty store.
func NewPromiseStore() *PromiseStore {
	return &PromiseStore{promises: make(map[string]*promise)}
}

// Create registers a future for id so a later Resolve finds it. Creating an
// id that already exists is a no-op. A created future lives until consumed
// or removed; callers that Create are expected to Wait.
func (s *PromiseStore) Create(id string) {
	s.mu.Lock()
	if _, ok := s.promises[id]; !ok {
		s.promises[id] = newPromise()
	}
	s.mu.Unlock()
}

// enter joins the wait for id, creating the future if needed and taking a
// waiter reference that must be released through await or release.
func (s *PromiseStore) enter(id string) *promise {
	s.mu.Lock()
	p, ok := s.promises[id]
	if !ok {
		p = newPromise()
		s.promises[id] = p
	}
	p.waiters++
	s.mu.Unlock()
	return p
}

// release drops one waiter reference. The entry is removed once its outcome
// was consumed or the last waiter is gone.
func (s *PromiseStore) release(id string, p *promise, consumed bool) {
	s.mu.Lock()
	p.waiters--
	if (consumed || p.waiters <= 0) && s.promises[id] == p {
		delete(s.promises, id)
	}
	s.mu.Unlock()
}

// await blocks on a promise previously entered, releasing the waiter
// reference on every exit path.
func (s *PromiseStore) await(ctx context.Context, id string, p *promise) (any, error) {
	select {
	case out := <-p.ch:
		s.release(id, p, true)
		if out.err != nil {
			return nil, out.err
		}
		return out.value, nil
	case <-ctx.Done():
		s.release(id, p, false)
		return nil, ctx.Err()
	}
}

// Resolve settles the outstanding future for id with a value. Reports
// whether a future existed; a resolution nobody is waiting for is dropped.
func (s *PromiseStore) Resolve(id string, value any) bool {
	return s.settle(id, value, nil)
}

// Reject settles the outstanding future for id with an error. Reports
// whether a future existed.
func (s *PromiseStore) Reject(id string, err error) bool {
	return s.settle(id, nil, err)
}

func (s *PromiseStore) settle(id string, value any, err error) bool {
	s.mu.Lock()
	p, ok := s.promises[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.settle(value, err)
	return true
}

// Wait blocks until the future for id is settled or ctx is done. The entry
// is removed once consumed, and a waiter that gives up releases its
// reference so an abandoned future does not outlive its last waiter.
func (s *PromiseStore) Wait(ctx context.Context, id string) (any, error) {
	return s.await(ctx, id, s.enter(id))
}

// Remove discards the future for id without waiting.
func (s *PromiseStore) Remove(id string) {
	s.mu.Lock()
	delete(s.promises, id)
	s.mu.Unlock()
}

// Len reports the number of outstanding futures.
func (s *PromiseStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.promises)
}
