package replies

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	"github.com/peake100/icsconsole-go/envelope"
)

// waiter is a parked Pop call.
type waiter struct {
	// ready receives the handed-off envelope, or is closed when the queue closes.
	// Buffered by 1 so Push never blocks.
	ready chan *envelope.Envelope
	// handed is set once Push or Close has resolved this waiter.
	handed bool
	// cancelled is set when the waiter gave up. Push skips cancelled waiters.
	cancelled bool
}

// Queue is an unbounded FIFO of envelopes. Push never blocks. Pop blocks until an
// envelope is available, and concurrent Pop calls are served in the order they were
// made.
type Queue struct {
	name string

	lock    sync.Mutex
	items   *linkedlistqueue.Queue[*envelope.Envelope]
	waiters *linkedlistqueue.Queue[*waiter]
	closed  bool
}

// NewQueue returns an empty queue. name is used in timeout errors.
func NewQueue(name string) *Queue {
	return &Queue{
		name:    name,
		items:   linkedlistqueue.New[*envelope.Envelope](),
		waiters: linkedlistqueue.New[*waiter](),
	}
}

// Push appends env, or hands it directly to the oldest waiting Pop.
func (queue *Queue) Push(env *envelope.Envelope) error {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	if queue.closed {
		return ErrClosed
	}

	for {
		next, ok := queue.waiters.Dequeue()
		if !ok {
			break
		}
		if next.cancelled {
			continue
		}
		next.handed = true
		next.ready <- env
		return nil
	}

	queue.items.Enqueue(env)
	return nil
}

// Pop removes and returns the oldest envelope, blocking until one is pushed, ctx ends,
// or the queue closes. A ctx that ends first yields a *TimeoutError.
func (queue *Queue) Pop(ctx context.Context) (*envelope.Envelope, error) {
	queue.lock.Lock()
	if env, ok := queue.items.Dequeue(); ok {
		queue.lock.Unlock()
		return env, nil
	}
	if queue.closed {
		queue.lock.Unlock()
		return nil, ErrClosed
	}

	parked := &waiter{ready: make(chan *envelope.Envelope, 1)}
	queue.waiters.Enqueue(parked)
	queue.lock.Unlock()

	select {
	case env, ok := <-parked.ready:
		if !ok {
			return nil, ErrClosed
		}
		return env, nil
	case <-ctx.Done():
	}

	queue.lock.Lock()
	if !parked.handed {
		parked.cancelled = true
		queue.lock.Unlock()
		return nil, &TimeoutError{Channel: queue.name, Err: ctx.Err()}
	}
	queue.lock.Unlock()

	// Push won the race with ctx. Take the envelope rather than lose it.
	env, ok := <-parked.ready
	if !ok {
		return nil, ErrClosed
	}
	return env, nil
}

// TryPop removes and returns the oldest envelope without blocking.
func (queue *Queue) TryPop() (*envelope.Envelope, bool) {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	return queue.items.Dequeue()
}

// Len returns the number of envelopes waiting to be popped.
func (queue *Queue) Len() int {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	return queue.items.Size()
}

// Close wakes all waiting Pop calls with ErrClosed. Envelopes already queued can still
// be drained with Pop and TryPop.
func (queue *Queue) Close() {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	if queue.closed {
		return
	}
	queue.closed = true

	for {
		next, ok := queue.waiters.Dequeue()
		if !ok {
			break
		}
		if next.cancelled {
			continue
		}
		next.handed = true
		close(next.ready)
	}
}
