// Package pipeline provides the serial dispatch primitive the server is
// built on: an unbounded single-consumer FIFO queue paired with a
// dispatcher.  One driver goroutine dequeues items and runs the dispatcher
// to completion before taking the next, so everything behind one pipeline
// is totally ordered.
package pipeline

import (
	"context"
	"log"
	"sync"
)

// Pipeline is an unbounded FIFO queue with a single serial consumer.
type Pipeline[T any] struct {
	dispatch func(context.Context, T)

	mu    sync.Mutex
	cond  *sync.Cond
	queue []T

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline that feeds items to dispatch.  A panicking
// dispatcher is logged and the driver keeps consuming; one bad item must
// not stall the queue.
func New[T any](dispatch func(context.Context, T)) *Pipeline[T] {
	p := &Pipeline[T]{dispatch: dispatch}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Put enqueues an item.  It never blocks and never drops; items are
// dispatched in enqueue order.
func (p *Pipeline[T]) Put(item T) {
	p.mu.Lock()
	p.queue = append(p.queue, item)
	p.mu.Unlock()
	p.cond.Signal()
}

// Start launches the driver goroutine.  It returns immediately; the driver
// runs until Stop is called or ctx is cancelled.
func (p *Pipeline[T]) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	// Wake the driver out of its cond wait on cancellation.
	go func() {
		<-ctx.Done()
		p.cond.Broadcast()
	}()

	go p.drive(ctx)
}

// Stop cancels the driver and waits for it to exit.  An in-flight dispatch
// is abandoned at its next context check; queued items are dropped.
func (p *Pipeline[T]) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Pipeline[T]) drive(ctx context.Context) {
	defer close(p.done)
	for {
		item, ok := p.next(ctx)
		if !ok {
			return
		}
		p.run(ctx, item)
	}
}

// next blocks until an item is available or ctx is cancelled.
func (p *Pipeline[T]) next(ctx context.Context) (item T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if ctx.Err() != nil {
			return item, false
		}
		p.cond.Wait()
	}
	if ctx.Err() != nil {
		return item, false
	}
	item = p.queue[0]
	p.queue = p.queue[1:]
	return item, true
}

func (p *Pipeline[T]) run(ctx context.Context, item T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipeline: dispatch panic: %v", r)
		}
	}()
	p.dispatch(ctx, item)
}
