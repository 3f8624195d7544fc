package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	streadway "github.com/streadway/amqp"
)

// Session owns the one broker connection of a console run, a channel for publishing
// commands and a channel for consuming responses.
//
// The lifecycle is New -> Connect -> DefinePublisher / DefineConsumer -> Send and
// ReceiveNext -> Close. A connection lost mid-session is NOT redialed silently: the
// session moves to StateDegraded and stays there until Reconnect succeeds.
//
// Send is goroutine safe. ReceiveNext must only be called from a single goroutine (the
// response router) so that arrival order is preserved.
type Session struct {
	opts   Opts
	logger zerolog.Logger

	// lock guards every field below it.
	lock sync.Mutex

	conn        Connection
	publishChan Channel
	consumeChan Channel
	deliveries  <-chan streadway.Delivery

	// publisherDefined and consumerDefined track topology on the current connection.
	publisherDefined bool
	consumerDefined  bool
	// wantPublisher and wantConsumer are sticky: Reconnect re-declares what was
	// defined before the drop.
	wantPublisher bool
	wantConsumer  bool

	state        State
	connectCount uint64

	stateSubscribers []chan State

	// publishLock serializes publishes on publishChan.
	publishLock sync.Mutex
	// reconnectLock serializes Reconnect calls.
	reconnectLock sync.Mutex

	// closed is closed by Close.
	closed chan struct{}
}

// New returns a new, unconnected session. If opts is nil, default options are used.
func New(opts *Opts) *Session {
	if opts == nil {
		opts = NewOpts()
	}

	return &Session{
		opts:   *opts,
		logger: opts.logger.With().Str("TRANSPORT", "SESSION").Logger(),
		state:  StateDisconnected,
		closed: make(chan struct{}),
	}
}

// Connect dials the broker once. It does not retry: a failure is returned as a
// *ConnectionError and the caller may call Connect again. Calling Connect on a
// connected session is a no-op. Calling it on a degraded session redials once and
// re-declares the previously defined topology.
func (session *Session) Connect(ctx context.Context) error {
	session.lock.Lock()
	defer session.lock.Unlock()

	switch session.state {
	case StateClosed:
		return ErrSessionClosed
	case StateConnected:
		return nil
	}

	return session.connectOnce(ctx)
}

// Reconnect redials the broker with bounded exponential backoff, then re-declares the
// topology defined before the drop. It returns the last dial error once the attempt
// budget from Opts.WithRedial is spent or ctx ends. Concurrent calls are serialized; a
// call that finds the session already connected returns immediately.
func (session *Session) Reconnect(ctx context.Context) error {
	session.reconnectLock.Lock()
	defer session.reconnectLock.Unlock()

	return retry.Do(
		func() error {
			session.lock.Lock()
			defer session.lock.Unlock()

			switch session.state {
			case StateClosed:
				return ErrSessionClosed
			case StateConnected:
				return nil
			}
			return session.connectOnce(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(session.opts.redialAttempts),
		retry.Delay(session.opts.redialDelay),
		retry.MaxDelay(session.opts.redialMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrSessionClosed) && ctx.Err() == nil
		}),
		retry.OnRetry(func(attempt uint, err error) {
			session.logger.Warn().
				Err(err).
				Uint("ATTEMPT", attempt+1).
				Msg("redial failed")
		}),
	)
}

// connectOnce dials, opens both channels and re-declares sticky topology. Must be
// called with lock held.
func (session *Session) connectOnce(ctx context.Context) error {
	session.teardownLocked()

	if session.logger.Debug().Enabled() {
		session.logger.Debug().
			Uint64("CONNECT_COUNT", session.connectCount).
			Str("ADDR", session.opts.Addr()).
			Msg("attempting connection")
	}

	conn, err := session.dial(ctx)
	if err != nil {
		session.logger.Error().Err(err).Str("ADDR", session.opts.Addr()).Msg("connect error")
		return &ConnectionError{Op: "dial", Addr: session.opts.Addr(), Err: err}
	}

	publishChan, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Op: "open publish channel", Addr: session.opts.Addr(), Err: err}
	}

	consumeChan, err := conn.Channel()
	if err != nil {
		_ = publishChan.Close()
		_ = conn.Close()
		return &ConnectionError{Op: "open consume channel", Addr: session.opts.Addr(), Err: err}
	}

	session.conn = conn
	session.publishChan = publishChan
	session.consumeChan = consumeChan
	session.connectCount++

	// Register a notification channel for the new connection's closure.
	closeChan := make(chan *streadway.Error, 1)
	conn.NotifyClose(closeChan)
	go session.listenForClose(conn, closeChan)

	if session.wantPublisher {
		if err = session.definePublisherLocked(); err != nil {
			session.teardownLocked()
			return err
		}
	}
	if session.wantConsumer {
		if err = session.defineConsumerLocked(); err != nil {
			session.teardownLocked()
			return err
		}
	}

	session.setStateLocked(StateConnected)

	if session.logger.Info().Enabled() {
		session.logger.Info().
			Uint64("CONNECT_COUNT", session.connectCount).
			Str("ADDR", session.opts.Addr()).
			Msg("AMQP BROKER CONNECTED")
	}

	return nil
}

// dial runs the dialer, giving up early if ctx ends. A connection that arrives after
// ctx ended is closed.
func (session *Session) dial(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type dialResult struct {
		conn Connection
		err  error
	}

	url := "amqp://" + session.opts.Addr() + "/"
	config := session.opts.dialConfig()

	result := make(chan dialResult, 1)
	go func() {
		conn, err := session.opts.dialer.Dial(url, config)
		result <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-result:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-result; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// listenForClose waits for conn to close and marks the session degraded if the close
// was not initiated by us.
func (session *Session) listenForClose(conn Connection, closeChan <-chan *streadway.Error) {
	disconnectEvent, ok := <-closeChan
	if !ok || disconnectEvent == nil {
		// Graceful close.
		return
	}

	session.lock.Lock()
	defer session.lock.Unlock()

	// A stale listener from a replaced connection.
	if session.conn != conn || session.state == StateClosed {
		return
	}

	session.logger.Warn().Msgf("AMQP BROKER DISCONNECTED: %v", disconnectEvent)
	session.publisherDefined = false
	session.consumerDefined = false
	session.setStateLocked(StateDegraded)
}

// teardownLocked closes the current connection and channels, if any.
func (session *Session) teardownLocked() {
	if session.publishChan != nil {
		_ = session.publishChan.Close()
	}
	if session.consumeChan != nil {
		_ = session.consumeChan.Close()
	}
	if session.conn != nil {
		_ = session.conn.Close()
	}

	session.conn = nil
	session.publishChan = nil
	session.consumeChan = nil
	session.deliveries = nil
	session.publisherDefined = false
	session.consumerDefined = false
}

// DefinePublisher declares the command exchange. Calling it again re-declares the same
// exchange, which the broker treats as a no-op.
func (session *Session) DefinePublisher(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session.lock.Lock()
	defer session.lock.Unlock()

	if err := session.checkLiveLocked(); err != nil {
		return err
	}

	if err := session.definePublisherLocked(); err != nil {
		return err
	}
	session.wantPublisher = true
	return nil
}

func (session *Session) definePublisherLocked() error {
	err := session.publishChan.ExchangeDeclare(
		session.opts.exchange,
		session.opts.exchangeKind,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return &ConnectionError{Op: "declare exchange", Addr: session.opts.Addr(), Err: err}
	}

	session.publisherDefined = true
	session.logger.Debug().Str("EXCHANGE", session.opts.exchange).Msg("publisher defined")
	return nil
}

// DefineConsumer declares the response queue, binds it to the exchange and starts the
// single consumer. Calling it again re-declares the queue and binding but never starts
// a second consumer.
func (session *Session) DefineConsumer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session.lock.Lock()
	defer session.lock.Unlock()

	if err := session.checkLiveLocked(); err != nil {
		return err
	}

	if err := session.defineConsumerLocked(); err != nil {
		return err
	}
	session.wantConsumer = true
	return nil
}

func (session *Session) defineConsumerLocked() error {
	opts := &session.opts
	channel := session.consumeChan

	// The queue is bound to the exchange, so it has to exist even if this console never
	// publishes.
	err := channel.ExchangeDeclare(
		opts.exchange, opts.exchangeKind, false, false, false, false, nil,
	)
	if err != nil {
		return &ConnectionError{Op: "declare exchange", Addr: opts.Addr(), Err: err}
	}

	_, err = channel.QueueDeclare(opts.queue, false, false, false, false, nil)
	if err != nil {
		return &ConnectionError{Op: "declare queue", Addr: opts.Addr(), Err: err}
	}

	err = channel.QueueBind(opts.queue, opts.bindingKey, opts.exchange, false, nil)
	if err != nil {
		return &ConnectionError{Op: "bind queue", Addr: opts.Addr(), Err: err}
	}

	if session.consumerDefined {
		return nil
	}

	deliveries, err := channel.Consume(
		opts.queue, opts.consumerTag, true, false, false, false, nil,
	)
	if err != nil {
		return &ConnectionError{Op: "consume", Addr: opts.Addr(), Err: err}
	}

	session.deliveries = deliveries
	session.consumerDefined = true
	session.logger.Debug().
		Str("QUEUE", opts.queue).
		Str("BINDING_KEY", opts.bindingKey).
		Msg("consumer defined")
	return nil
}

// checkLiveLocked returns an error unless the session is connected.
func (session *Session) checkLiveLocked() error {
	switch session.state {
	case StateClosed:
		return ErrSessionClosed
	case StateDisconnected:
		return ErrNotConnected
	case StateDegraded:
		return &TransportError{Op: "define topology", Err: ErrNotConnected}
	}
	return nil
}

// Send publishes one message to the command exchange with routingKey. It does not wait
// for a reply and does not retry.
func (session *Session) Send(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session.lock.Lock()
	state := session.state
	channel := session.publishChan
	defined := session.publisherDefined
	session.lock.Unlock()

	switch {
	case state == StateClosed:
		return ErrSessionClosed
	case state == StateDisconnected:
		return ErrNotConnected
	case state == StateDegraded:
		return &TransportError{Op: "send", Err: ErrNotConnected}
	case !defined:
		return ErrPublisherUndefined
	}

	session.publishLock.Lock()
	defer session.publishLock.Unlock()

	err := channel.Publish(
		session.opts.exchange,
		routingKey,
		false,
		false,
		streadway.Publishing{
			ContentType:  "application/json",
			DeliveryMode: streadway.Transient,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	if session.logger.Debug().Enabled() {
		session.logger.Debug().
			Str("ROUTING_KEY", routingKey).
			Int("BYTES", len(body)).
			Msg("message sent")
	}
	return nil
}

// ReceiveNext blocks until a message arrives on the consume channel and returns its
// body. It returns ctx.Err() if ctx ends first, ErrSessionClosed once the session is
// closed, and a *TransportError if the broker closed the delivery stream.
//
// Only one goroutine may call ReceiveNext.
func (session *Session) ReceiveNext(ctx context.Context) ([]byte, error) {
	session.lock.Lock()
	state := session.state
	deliveries := session.deliveries
	session.lock.Unlock()

	switch {
	case state == StateClosed:
		return nil, ErrSessionClosed
	case deliveries == nil && state == StateDegraded:
		return nil, &TransportError{Op: "receive", Err: ErrNotConnected}
	case deliveries == nil:
		return nil, ErrConsumerUndefined
	}

	select {
	case delivery, ok := <-deliveries:
		if ok {
			return delivery.Body, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-session.closed:
		return nil, ErrSessionClosed
	}

	// The delivery channel was closed out from under us.
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.state == StateClosed {
		return nil, ErrSessionClosed
	}
	if session.deliveries == deliveries {
		session.deliveries = nil
		session.consumerDefined = false
		session.setStateLocked(StateDegraded)
	}
	return nil, &TransportError{Op: "receive", Err: errDeliveriesClosed}
}

// State returns the current lifecycle state.
func (session *Session) State() State {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.state
}

// NotifyState registers receiver for state transitions. Sends never block: use a
// buffered receiver or events will be dropped. receiver is closed when the session
// closes.
func (session *Session) NotifyState(receiver chan State) chan State {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.state == StateClosed {
		close(receiver)
		return receiver
	}

	session.stateSubscribers = append(session.stateSubscribers, receiver)
	return receiver
}

// setStateLocked records a transition and notifies subscribers.
func (session *Session) setStateLocked(state State) {
	if session.state == state {
		return
	}
	session.state = state

	for _, receiver := range session.stateSubscribers {
		select {
		case receiver <- state:
		default:
			session.logger.Debug().Stringer("STATE", state).Msg("state subscriber full")
		}
	}
}

// Close closes both channels and the connection. The session cannot be reused.
// Subsequent calls return ErrSessionClosed.
func (session *Session) Close() error {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.state == StateClosed {
		return ErrSessionClosed
	}

	close(session.closed)
	session.teardownLocked()
	session.setStateLocked(StateClosed)

	for _, receiver := range session.stateSubscribers {
		close(receiver)
	}
	session.stateSubscribers = nil

	session.logger.Info().Msg("broker session closed")
	return nil
}

// Opts returns a copy of the session options.
func (session *Session) Opts() Opts {
	return session.opts
}
