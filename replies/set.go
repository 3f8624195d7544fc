package replies

import (
	"context"
	"sync"

	"github.com/peake100/icsconsole-go/envelope"
)

// Set is the fixed table of reply channels: one default channel and one progress
// channel per known instrument. It has a single producer (the response router) and
// any number of consumers.
//
// Set also holds correlation expectations: callers that know the ID of the command
// they sent can wait for the response carrying that ID instead of reading the shared
// default channel.
type Set struct {
	queues [routeCount]*Queue

	expectLock sync.Mutex
	expected   map[string]*Expectation
	closed     bool
}

// NewSet returns a Set with every channel empty.
func NewSet() *Set {
	set := &Set{
		expected: make(map[string]*Expectation),
	}
	for _, route := range Routes {
		set.queues[route] = NewQueue(route.String())
	}
	return set
}

// Queue returns the channel for route. It panics on a route outside Routes.
func (set *Set) Queue(route Route) *Queue {
	if !route.valid() {
		panic("replies: invalid route")
	}
	return set.queues[route]
}

// Deliver pushes env onto the channel for route.
func (set *Set) Deliver(route Route, env *envelope.Envelope) error {
	if !route.valid() {
		route = RouteDefault
	}
	return set.queues[route].Push(env)
}

// AwaitDefault removes and returns the oldest envelope on the default channel, waiting
// until one arrives or ctx ends.
func (set *Set) AwaitDefault(ctx context.Context) (*envelope.Envelope, error) {
	return set.queues[RouteDefault].Pop(ctx)
}

// AwaitInstrument removes and returns the oldest progress update from inst, waiting
// until one arrives or ctx ends.
func (set *Set) AwaitInstrument(
	ctx context.Context, inst envelope.Instrument,
) (*envelope.Envelope, error) {
	route, ok := InstrumentRoute(inst)
	if !ok {
		return nil, ErrUnknownInstrument
	}
	return set.queues[route].Pop(ctx)
}

// TryDefault is AwaitDefault without waiting.
func (set *Set) TryDefault() (*envelope.Envelope, bool) {
	return set.queues[RouteDefault].TryPop()
}

// TryInstrument is AwaitInstrument without waiting.
func (set *Set) TryInstrument(inst envelope.Instrument) (*envelope.Envelope, bool) {
	route, ok := InstrumentRoute(inst)
	if !ok {
		return nil, false
	}
	return set.queues[route].TryPop()
}

// Len returns the number of envelopes waiting on route.
func (set *Set) Len(route Route) int {
	if !route.valid() {
		return 0
	}
	return set.queues[route].Len()
}

// Expect registers interest in the response carrying id. Register before sending the
// command, or the response may be routed to the default channel first.
func (set *Set) Expect(id string) (*Expectation, error) {
	set.expectLock.Lock()
	defer set.expectLock.Unlock()

	if set.closed {
		return nil, ErrClosed
	}
	if _, exists := set.expected[id]; exists {
		return nil, ErrDuplicateID
	}

	expectation := &Expectation{
		id:    id,
		set:   set,
		ready: make(chan *envelope.Envelope, 1),
	}
	set.expected[id] = expectation
	return expectation, nil
}

// DeliverID hands env to the Expectation registered for env.ID. It returns false, and
// does nothing, if no one is waiting for that ID.
func (set *Set) DeliverID(env *envelope.Envelope) bool {
	if env.ID == "" {
		return false
	}

	set.expectLock.Lock()
	defer set.expectLock.Unlock()

	expectation, ok := set.expected[env.ID]
	if !ok {
		return false
	}
	delete(set.expected, env.ID)
	expectation.ready <- env
	return true
}

// Close closes every channel and every outstanding Expectation. Waiters wake with
// ErrClosed.
func (set *Set) Close() {
	for _, queue := range set.queues {
		queue.Close()
	}

	set.expectLock.Lock()
	defer set.expectLock.Unlock()

	if set.closed {
		return
	}
	set.closed = true
	for id, expectation := range set.expected {
		delete(set.expected, id)
		close(expectation.ready)
	}
}

// Expectation is a registered wait for one correlation ID.
type Expectation struct {
	id    string
	set   *Set
	ready chan *envelope.Envelope
}

// ID returns the awaited correlation ID.
func (expectation *Expectation) ID() string {
	return expectation.id
}

// Await waits for the response. If ctx ends first, the expectation is cancelled and a
// *TimeoutError is returned; a response arriving later goes to the default channel.
func (expectation *Expectation) Await(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case env, ok := <-expectation.ready:
		if !ok {
			return nil, ErrClosed
		}
		return env, nil
	case <-ctx.Done():
	}

	if expectation.Cancel() {
		return nil, &TimeoutError{Channel: "ID:" + expectation.id, Err: ctx.Err()}
	}

	// Delivered (or closed) while we were timing out.
	env, ok := <-expectation.ready
	if !ok {
		return nil, ErrClosed
	}
	return env, nil
}

// Cancel withdraws the expectation. It returns false if the response was already
// delivered or the set closed.
func (expectation *Expectation) Cancel() bool {
	set := expectation.set
	set.expectLock.Lock()
	defer set.expectLock.Unlock()

	if current, ok := set.expected[expectation.id]; ok && current == expectation {
		delete(set.expected, expectation.id)
		return true
	}
	return false
}
