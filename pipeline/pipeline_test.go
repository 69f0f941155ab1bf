package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	p := New(func(_ context.Context, n int) {
		mu.Lock()
		got = append(got, n)
		if len(got) == 100 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		p.Put(i)
	}
	p.Start(context.Background())
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if n != i {
			t.Fatalf("item %d dispatched out of order: got %d", i, n)
		}
	}
}

func TestSerialDispatch(t *testing.T) {
	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	done := make(chan struct{})

	p := New(func(_ context.Context, n int) {
		cur := inFlight.Add(1)
		if cur > maxSeen.Load() {
			maxSeen.Store(cur)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		if n == 19 {
			close(done)
		}
	})
	p.Start(context.Background())
	defer p.Stop()

	for i := 0; i < 20; i++ {
		p.Put(i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}
	if maxSeen.Load() != 1 {
		t.Errorf("expected at most one dispatch in flight, saw %d", maxSeen.Load())
	}
}

func TestDispatchPanicDoesNotStallQueue(t *testing.T) {
	done := make(chan struct{})

	p := New(func(_ context.Context, n int) {
		if n == 0 {
			panic("bad item")
		}
		close(done)
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Put(0)
	p.Put(1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue stalled after panicking dispatch")
	}
}

func TestStopEndsDriver(t *testing.T) {
	dispatched := make(chan int, 10)
	p := New(func(_ context.Context, n int) { dispatched <- n })
	p.Start(context.Background())

	p.Put(1)
	select {
	case <-dispatched:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for first dispatch")
	}

	p.Stop()

	// After stop, puts are accepted but never dispatched.
	p.Put(2)
	select {
	case n := <-dispatched:
		t.Errorf("dispatched %d after Stop", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopWithoutStart(t *testing.T) {
	p := New(func(_ context.Context, _ int) {})
	p.Stop() // must not panic or hang
}
