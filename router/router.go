package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/avast/retry-go/v4"
	"github.com/peake100/icsconsole-go/envelope"
	"github.com/peake100/icsconsole-go/replies"
	"github.com/peake100/icsconsole-go/session"
	"github.com/rs/zerolog"
)

// Receiver is the inbound side of a broker session. *session.Session implements it.
type Receiver interface {
	ReceiveNext(ctx context.Context) ([]byte, error)
}

// Reconnector is implemented by receivers that can redial after a transport failure.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Classify returns the reply route for env. The rule is total and mutually exclusive:
// in-progress updates from a known instrument go to that instrument's route, everything
// else (terminal responses, unknown stages, unrecognized instruments) goes to
// replies.RouteDefault.
func Classify(env *envelope.Envelope) replies.Route {
	if !env.Process.IsInProgress() {
		return replies.RouteDefault
	}
	if route, ok := replies.InstrumentRoute(env.Instrument); ok {
		return route
	}
	return replies.RouteDefault
}

// Stats are running counters of router activity.
type Stats struct {
	// Received counts bodies pulled off the broker.
	Received uint64
	// Malformed counts bodies dropped because they failed to parse.
	Malformed uint64
	// TransportErrors counts failed receive attempts.
	TransportErrors uint64
	// Correlated counts envelopes handed to a correlation ID expectation.
	Correlated uint64
	// Delivered counts envelopes pushed onto each route.
	Delivered [replies.RouteCount]uint64
}

// Router is the single reader of a Receiver and the single writer of a replies.Set.
// Every envelope it receives lands in exactly one place: a correlation expectation or
// one reply channel.
type Router struct {
	// Context of the router. Cancelling it begins shutdown.
	ctx       context.Context
	cancelCtx context.CancelFunc

	receiver Receiver
	replies  *replies.Set

	// Whether Run has been called.
	started     bool
	startedLock sync.Mutex

	degraded atomic.Bool

	received        atomic.Uint64
	malformed       atomic.Uint64
	transportErrors atomic.Uint64
	correlated      atomic.Uint64
	delivered       [replies.RouteCount]atomic.Uint64

	opts   Opts
	logger zerolog.Logger
}

// New returns a router that drains receiver into set. If opts is nil, default options
// are used.
func New(receiver Receiver, set *replies.Set, opts *Opts) *Router {
	if opts == nil {
		opts = NewOpts()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Router{
		ctx:       ctx,
		cancelCtx: cancel,
		receiver:  receiver,
		replies:   set,
		opts:      *opts,
		logger:    opts.logger.With().Str("COMPONENT", "ROUTER").Logger(),
	}
}

// Run the router. This method blocks until the router is shut down, the receiver
// reports the session closed, or transport failures exhaust the retry budget, in which
// case a *DegradedError is returned. Malformed messages and panics while handling a
// message never stop the loop.
func (router *Router) Run() error {
	run, err := router.markStarted()
	if err != nil || !run {
		return err
	}
	defer router.StartShutdown()

	router.logger.Info().Msg("response router started")
	defer router.logger.Info().Msg("response router stopped")

	for {
		body, err := router.receive()
		if err != nil {
			return router.exitErr(err)
		}
		router.handle(body)
	}
}

// markStarted reports whether Run should loop. A router shut down before it ever ran
// counts as a clean, empty run.
func (router *Router) markStarted() (run bool, err error) {
	router.startedLock.Lock()
	defer router.startedLock.Unlock()

	if router.started {
		if router.ctx.Err() != nil {
			return false, fmt.Errorf("cannot rerun stopped router: %w", router.ctx.Err())
		}
		return false, ErrAlreadyRunning
	}
	router.started = true

	if router.ctx.Err() != nil {
		router.logger.Debug().Msg("response router shut down before start")
		return false, nil
	}
	return true, nil
}

// exitErr decides what Run returns for a receive error.
func (router *Router) exitErr(err error) error {
	if router.ctx.Err() != nil || errors.Is(err, session.ErrSessionClosed) {
		return nil
	}

	if session.IsTransient(err) {
		router.degraded.Store(true)
		router.logger.Error().
			Err(err).
			Uint("ATTEMPTS", router.opts.maxAttempts).
			Msg("response router degraded")
		return &DegradedError{Attempts: router.opts.maxAttempts, Err: err}
	}

	router.logger.Error().Err(err).Msg("response router stopped on unrecoverable error")
	return err
}

// receive pulls the next body, retrying transport failures with bounded exponential
// backoff.
func (router *Router) receive() ([]byte, error) {
	var lastErr error

	return retry.DoWithData(
		func() ([]byte, error) {
			if lastErr != nil {
				if err := router.reconnect(); err != nil {
					lastErr = err
					return nil, err
				}
			}

			body, err := router.receiver.ReceiveNext(router.ctx)
			lastErr = err
			return body, err
		},
		retry.Context(router.ctx),
		retry.Attempts(router.opts.maxAttempts),
		retry.Delay(router.opts.retryDelay),
		retry.MaxDelay(router.opts.retryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return session.IsTransient(err) && router.ctx.Err() == nil
		}),
		retry.OnRetry(func(attempt uint, err error) {
			router.transportErrors.Add(1)
			router.logger.Warn().
				Err(err).
				Uint("ATTEMPT", attempt+1).
				Msg("error receiving message")
		}),
	)
}

// reconnect asks the receiver to redial, if configured and supported.
func (router *Router) reconnect() error {
	if !router.opts.autoReconnect {
		return nil
	}
	reconnector, ok := router.receiver.(Reconnector)
	if !ok {
		return nil
	}

	router.logger.Info().Msg("reconnecting broker session")
	return reconnector.Reconnect(router.ctx)
}

// handle parses, routes and logs one body. It recovers from panics so one bad message
// cannot stop the loop.
func (router *Router) handle(body []byte) {
	router.received.Add(1)

	defer func() {
		if recovered := recover(); recovered != nil {
			router.logger.Error().
				Interface("PANIC", recovered).
				Bytes("BODY", body).
				Msg("panic while routing message")
		}
	}()

	env, err := envelope.Parse(body)
	if err != nil {
		router.malformed.Add(1)
		router.logger.Error().Err(err).Bytes("BODY", body).Msg("dropping malformed message")
		return
	}

	router.logEnvelope(env)
	route := router.dispatch(env)

	for _, observer := range router.opts.observers {
		observer(env, route)
	}
}

// dispatch delivers env to exactly one destination and returns its class route.
func (router *Router) dispatch(env *envelope.Envelope) replies.Route {
	route := Classify(env)

	// Terminal responses answering a command someone is waiting on by ID go straight
	// to that caller. Progress updates always go to their instrument channel.
	if route == replies.RouteDefault && router.replies.DeliverID(env) {
		router.correlated.Add(1)
		if router.logger.Debug().Enabled() {
			router.logger.Debug().Str("ID", env.ID).Msg("delivered to correlation waiter")
		}
		return route
	}

	if err := router.replies.Deliver(route, env); err != nil {
		router.logger.Error().
			Err(err).
			Stringer("ROUTE", route).
			Msg("could not deliver message")
		return route
	}
	router.delivered[route].Add(1)
	return route
}

// logEnvelope emits the trace line for env, independent of routing.
func (router *Router) logEnvelope(env *envelope.Envelope) {
	event := router.logger.WithLevel(router.opts.logEnvelopeLevel)
	if !event.Enabled() {
		return
	}

	event.
		Str("INST", env.Inst).
		Str("PROCESS", string(env.Process)).
		Msgf("[ICS] received from %v: %v", env.Inst, env.Pretty())
}

// Stats returns a snapshot of the router counters.
func (router *Router) Stats() Stats {
	stats := Stats{
		Received:        router.received.Load(),
		Malformed:       router.malformed.Load(),
		TransportErrors: router.transportErrors.Load(),
		Correlated:      router.correlated.Load(),
	}
	for i := range router.delivered {
		stats.Delivered[i] = router.delivered[i].Load()
	}
	return stats
}

// Degraded reports whether Run exited because of exhausted transport retries.
func (router *Router) Degraded() bool {
	return router.degraded.Load()
}

// StartShutdown begins shutdown of the router. This method will return immediately,
// it does not block until shutdown is complete.
func (router *Router) StartShutdown() {
	router.cancelCtx()
}
