//revive:disable

package replies_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peake100/icsconsole-go/envelope"
	"github.com/peake100/icsconsole-go/replies"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnvelope(t *testing.T, inst envelope.Instrument, process envelope.Process, text string) *envelope.Envelope {
	env, err := envelope.New(inst, process, text)
	require.NoError(t, err, "build envelope")
	return env
}

func TestQueue_FIFOBeforeAwait(t *testing.T) {
	set := replies.NewSet()
	a := newEnvelope(t, envelope.Spec, envelope.ProcessDone, "A")
	b := newEnvelope(t, envelope.Spec, envelope.ProcessDone, "B")

	require.NoError(t, set.Deliver(replies.RouteDefault, a))
	require.NoError(t, set.Deliver(replies.RouteDefault, b))
	assert.Equal(t, 2, set.Len(replies.RouteDefault))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := set.AwaitDefault(ctx)
	require.NoError(t, err)
	second, err := set.AwaitDefault(ctx)
	require.NoError(t, err)

	assert.Same(t, a, first, "A read first")
	assert.Same(t, b, second, "B read second")
}

func TestQueue_FIFOAwaitersParkedFirst(t *testing.T) {
	set := replies.NewSet()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	results := make([]chan *envelope.Envelope, 2)
	for i := range results {
		results[i] = make(chan *envelope.Envelope, 1)
		go func(out chan *envelope.Envelope) {
			env, err := set.AwaitInstrument(ctx, envelope.Spec)
			assert.NoError(t, err)
			out <- env
		}(results[i])

		// Make sure the awaiters park in a known order.
		time.Sleep(50 * time.Millisecond)
	}

	a := newEnvelope(t, envelope.Spec, envelope.ProcessInProgress, "A")
	b := newEnvelope(t, envelope.Spec, envelope.ProcessInProgress, "B")
	require.NoError(t, set.Deliver(replies.RouteSpec, a))
	require.NoError(t, set.Deliver(replies.RouteSpec, b))

	select {
	case env := <-results[0]:
		assert.Same(t, a, env, "first awaiter gets A")
	case <-ctx.Done():
		t.Fatal("first awaiter timed out")
	}

	select {
	case env := <-results[1]:
		assert.Same(t, b, env, "second awaiter gets B")
	case <-ctx.Done():
		t.Fatal("second awaiter timed out")
	}
}

func TestSet_ConcurrentAwaitersNoCrossDelivery(t *testing.T) {
	set := replies.NewSet()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	const count = 50

	var defaultGot, specGot []*envelope.Envelope
	wg := new(sync.WaitGroup)
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			env, err := set.AwaitDefault(ctx)
			if !assert.NoError(t, err) {
				return
			}
			defaultGot = append(defaultGot, env)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			env, err := set.AwaitInstrument(ctx, envelope.Spec)
			if !assert.NoError(t, err) {
				return
			}
			specGot = append(specGot, env)
		}
	}()

	for i := 0; i < count; i++ {
		require.NoError(t, set.Deliver(
			replies.RouteDefault, newEnvelope(t, envelope.Spec, envelope.ProcessDone, "final"),
		))
		require.NoError(t, set.Deliver(
			replies.RouteSpec, newEnvelope(t, envelope.Spec, envelope.ProcessInProgress, "progress"),
		))
	}

	wg.Wait()

	require.Len(t, defaultGot, count)
	require.Len(t, specGot, count)
	for _, env := range defaultGot {
		assert.Equal(t, envelope.ProcessDone, env.Process, "default only gets terminal")
	}
	for _, env := range specGot {
		assert.Equal(t, envelope.ProcessInProgress, env.Process, "SPEC only gets progress")
	}
}

func TestSet_AwaitTimeout(t *testing.T) {
	set := replies.NewSet()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	env, err := set.AwaitDefault(ctx)
	assert.Nil(t, env)

	var timeoutErr *replies.TimeoutError
	require.True(t, errors.As(err, &timeoutErr), "timeout error returned")
	assert.Equal(t, "DEFAULT", timeoutErr.Channel)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled waiter must not swallow the next envelope.
	next := newEnvelope(t, envelope.ADC, envelope.ProcessDone, "late")
	require.NoError(t, set.Deliver(replies.RouteDefault, next))

	got, ok := set.TryDefault()
	assert.True(t, ok, "late envelope queued")
	assert.Same(t, next, got)
}

func TestSet_AwaitUnknownInstrument(t *testing.T) {
	set := replies.NewSet()
	_, err := set.AwaitInstrument(context.Background(), envelope.Unrecognized)
	assert.ErrorIs(t, err, replies.ErrUnknownInstrument)

	_, ok := set.TryInstrument(envelope.Unrecognized)
	assert.False(t, ok)
}

func TestSet_CloseWakesWaiters(t *testing.T) {
	set := replies.NewSet()
	queued := newEnvelope(t, envelope.Guide, envelope.ProcessInProgress, "queued")
	require.NoError(t, set.Deliver(replies.RouteGuide, queued))

	errs := make(chan error, 1)
	go func() {
		_, err := set.AwaitDefault(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	set.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, replies.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by close")
	}

	// Queued envelopes are still drained after close.
	env, err := set.AwaitInstrument(context.Background(), envelope.Guide)
	require.NoError(t, err)
	assert.Same(t, queued, env)

	_, err = set.AwaitInstrument(context.Background(), envelope.Guide)
	assert.ErrorIs(t, err, replies.ErrClosed)

	assert.ErrorIs(t, set.Deliver(replies.RouteDefault, queued), replies.ErrClosed)
}

func TestSet_Expectation(t *testing.T) {
	set := replies.NewSet()

	expectation, err := set.Expect("cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", expectation.ID())

	_, err = set.Expect("cmd-1")
	assert.ErrorIs(t, err, replies.ErrDuplicateID)

	other := newEnvelope(t, envelope.Spec, envelope.ProcessDone, "other")
	other.ID = "cmd-2"
	assert.False(t, set.DeliverID(other), "no one waits for cmd-2")

	answer := newEnvelope(t, envelope.Spec, envelope.ProcessDone, "answer")
	answer.ID = "cmd-1"
	assert.True(t, set.DeliverID(answer))
	assert.False(t, set.DeliverID(answer), "expectation consumed")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := expectation.Await(ctx)
	require.NoError(t, err)
	assert.Same(t, answer, got)
	assert.Equal(t, 0, set.Len(replies.RouteDefault), "not also queued")
}

func TestSet_ExpectationTimeout(t *testing.T) {
	set := replies.NewSet()

	expectation, err := set.Expect("cmd-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = expectation.Await(ctx)
	var timeoutErr *replies.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "ID:cmd-1", timeoutErr.Channel)

	late := newEnvelope(t, envelope.Spec, envelope.ProcessDone, "late")
	late.ID = "cmd-1"
	assert.False(t, set.DeliverID(late), "expectation withdrawn")
}

func TestRoute_Mapping(t *testing.T) {
	for _, inst := range envelope.Known {
		route, ok := replies.InstrumentRoute(inst)
		assert.True(t, ok)
		assert.Equal(t, inst, route.Instrument())
		assert.Equal(t, inst.Tag(), route.String())
	}

	route, ok := replies.InstrumentRoute(envelope.Unrecognized)
	assert.False(t, ok)
	assert.Equal(t, replies.RouteDefault, route)
	assert.Equal(t, "DEFAULT", route.String())
}
