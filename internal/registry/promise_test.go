package registry

import (
	"context"
	"testing"
	"time"
)

func TestPromiseResolveThenWait(t *testing.T) {
	s := NewPromiseStore()
	s.Create("c1")
	s.Resolve("c1", "hello")

	v, err := s.Wait(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "hello" {
		t.Errorf("got %v", v)
	}
	if s.Len() != 0 {
		t.Errorf("consumed promise should be removed, %d left", s.Len())
	}
}

func TestPromiseWaitThenResolve(t *testing.T) {
	s := NewPromiseStore()
	s.Create("c1")

	done := make(chan any, 1)
	go func() {
		v, err := s.Wait(context.Background(), "c1")
		if err != nil {
			done <- err
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	s.Resolve("c1", 42)

	select {
	case v := <-done:
		if v != 42 {
			t.Fatalf("got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestPromiseResolveWithoutFutureIsDropped(t *testing.T) {
	// A resolution nobody registered a future for is not retained; the
	// caller is told so it can store the outcome elsewhere. Early
	// resolutions at the registry level go through the returns store.
	s := NewPromiseStore()
	if s.Resolve("c1", "early") {
		t.Fatal("Resolve reported a settled future with none outstanding")
	}
	if s.Reject("c2", &CalleeError{CallID: "c2", Message: "boom"}) {
		t.Fatal("Reject reported a settled future with none outstanding")
	}
	if s.Len() != 0 {
		t.Errorf("dropped resolutions must not leave entries, %d held", s.Len())
	}
}

func TestPromiseReject(t *testing.T) {
	s := NewPromiseStore()
	s.Create("c1")
	s.Reject("c1", &CalleeError{CallID: "c1", Message: "boom"})

	_, err := s.Wait(context.Background(), "c1")
	if err == nil {
		t.Fatal("expected rejection error")
	}
}

func TestPromiseWaitHonorsContext(t *testing.T) {
	s := NewPromiseStore()
	s.Create("c1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := s.Wait(ctx, "c1"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("abandoned wait must release the future, %d held", s.Len())
	}
}
