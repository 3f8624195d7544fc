package command

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/peake100/icsconsole-go/envelope"
	"github.com/peake100/icsconsole-go/replies"
	"github.com/rs/zerolog"
)

// Sender is the outbound side of a broker session. *session.Session implements it.
type Sender interface {
	Send(ctx context.Context, routingKey string, body []byte) error
}

// Producer issues commands to instrument controllers. Commands are queued internally
// and handed to the Sender by a single goroutine, so they reach the broker in the order
// they were issued.
type Producer struct {
	// Context for the producer.
	ctx       context.Context
	ctxCancel context.CancelFunc

	// Whether Run has been called.
	started     bool
	startedLock sync.Mutex

	publishQueueLock *sync.RWMutex
	// Internal Queue for commands waiting to be sent.
	publishQueue chan *Publication

	sender  Sender
	replies *replies.Set

	// Caller options for producer behavior
	opts   Opts
	logger zerolog.Logger
}

// New creates a new producer that sends through sender and awaits responses on set.
//
// If opts is nil, default options will be used.
func New(sender Sender, set *replies.Set, opts *Opts) *Producer {
	ctx, cancel := context.WithCancel(context.Background())

	if opts == nil {
		opts = NewOpts()
	}

	return &Producer{
		ctx:              ctx,
		ctxCancel:        cancel,
		publishQueueLock: new(sync.RWMutex),
		publishQueue:     make(chan *Publication, opts.internalQueueCapacity),
		sender:           sender,
		replies:          set,
		opts:             *opts,
		logger:           opts.logger.With().Str("COMPONENT", "PRODUCER").Logger(),
	}
}

// runPublisher runs the main loop of the publisher.
func (producer *Producer) runPublisher() {
	for thisOrder := range producer.publishQueue {
		// If the context has expired on this publication, skip it.
		if thisOrder.ctx.Err() != nil {
			thisOrder.result <- fmt.Errorf("command cancelled: %w", thisOrder.ctx.Err())
			continue
		}

		err := producer.sender.Send(thisOrder.ctx, thisOrder.args.Key, thisOrder.args.Body)
		if err != nil {
			thisOrder.result <- ErrPublish{Key: thisOrder.args.Key, SessionErr: err}
			continue
		}

		thisOrder.result <- nil
	}
}

// Publish sends body with routingKey and blocks until the session has accepted it or
// ctx is cancelled. This method is goroutine safe.
func (producer *Producer) Publish(ctx context.Context, routingKey string, body []byte) error {
	order, err := producer.QueueForPublication(ctx, routingKey, body)
	if err != nil {
		return err
	}

	if err = order.WaitOnConfirmation(); err != nil {
		return fmt.Errorf("error waiting for command publication: %w", err)
	}

	return nil
}

// QueueForPublication is as Publish, but only puts the order into an internal queue
// before returning, allowing the user to wait on publication themselves through the
// returned Publication value.
func (producer *Producer) QueueForPublication(
	ctx context.Context, routingKey string, body []byte,
) (*Publication, error) {
	order := &Publication{
		ctx: ctx,
		args: publishArgs{
			Key:  routingKey,
			Body: body,
		},
		// Buffer the result channel by 1 so we never block the publication routine.
		result: make(chan error, 1),
	}

	if err := producer.queueOrder(order); err != nil {
		return nil, fmt.Errorf("error queuing command: %w", err)
	}

	return order, nil
}

func (producer *Producer) queueOrder(order *Publication) error {
	// Put a read hold on closing the order channel so it isn't closed out from under us.
	producer.publishQueueLock.RLock()
	defer producer.publishQueueLock.RUnlock()

	if producer.ctx.Err() != nil {
		return ErrProducerStopped
	}

	select {
	case producer.publishQueue <- order:
	case <-producer.ctx.Done():
		return ErrProducerStopped
	case <-order.ctx.Done():
		return fmt.Errorf("command cancelled: %w", order.ctx.Err())
	}

	return nil
}

// Issue sends cmd to its instrument controller and returns without waiting for a
// response. Every command gets a fresh time-ordered ID.
func (producer *Producer) Issue(ctx context.Context, cmd Command) (Ticket, error) {
	id, err := newID()
	if err != nil {
		return Ticket{}, err
	}
	return producer.issue(ctx, cmd, id)
}

func (producer *Producer) issue(ctx context.Context, cmd Command, id string) (Ticket, error) {
	key, err := cmd.Key()
	if err != nil {
		return Ticket{}, err
	}

	env, err := cmd.Envelope(id)
	if err != nil {
		return Ticket{}, fmt.Errorf("error building command: %w", err)
	}

	body, err := env.Marshal()
	if err != nil {
		return Ticket{}, fmt.Errorf("error encoding command: %w", err)
	}

	if err = producer.Publish(ctx, key, body); err != nil {
		producer.logger.Error().
			Err(err).
			Str("INST", key).
			Str("ID", id).
			Msg("error sending command")
		return Ticket{}, err
	}

	producer.logger.Info().
		Str("INST", key).
		Str("ID", id).
		Msgf("[ICS] sent to %v: %v", key, env.Pretty())

	ticket := Ticket{ID: id, Instrument: cmd.Instrument, Key: key}
	for _, observer := range producer.opts.issueObservers {
		observer(ticket, cmd)
	}
	return ticket, nil
}

// IssueAndAwait issues cmd and waits for its terminal response.
//
// By default the response is the next envelope on the default reply channel. With
// Opts.WithCorrelation it is the response carrying the command's ID instead.
func (producer *Producer) IssueAndAwait(
	ctx context.Context, cmd Command,
) (*envelope.Envelope, error) {
	if producer.replies == nil {
		return nil, errors.New("producer has no reply set to await on")
	}

	if !producer.opts.correlate {
		if _, err := producer.Issue(ctx, cmd); err != nil {
			return nil, err
		}
		return producer.replies.AwaitDefault(ctx)
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	// Register before sending so a fast controller cannot beat us to it.
	expectation, err := producer.replies.Expect(id)
	if err != nil {
		return nil, err
	}

	if _, err = producer.issue(ctx, cmd, id); err != nil {
		expectation.Cancel()
		return nil, err
	}

	return expectation.Await(ctx)
}

// Run the producer, this method blocks until the producer has been shut down and every
// queued command has been handed to the sender or failed.
func (producer *Producer) Run() error {
	run, err := producer.markStarted()
	if err != nil || !run {
		return err
	}

	complete := new(sync.WaitGroup)

	// Close the internal order Queue when the producer context is cancelled.
	complete.Add(1)
	go func() {
		defer complete.Done()
		// Unlock the lock, allowing new publishers to encounter the closed context and
		// error without panicking on a closed channel.
		defer producer.publishQueueLock.Unlock()
		defer close(producer.publishQueue)
		// Grab the publish lock for write so no order is mid-send when we close.
		defer producer.publishQueueLock.Lock()

		<-producer.ctx.Done()
	}()

	complete.Add(1)
	go func() {
		defer complete.Done()
		producer.runPublisher()
	}()

	producer.logger.Info().Msg("command producer started")
	complete.Wait()
	producer.logger.Info().Msg("command producer stopped")
	return nil
}

// markStarted reports whether Run should start the publisher. A producer shut down
// before it ever ran has nothing queued, so that Run returns cleanly.
func (producer *Producer) markStarted() (run bool, err error) {
	producer.startedLock.Lock()
	defer producer.startedLock.Unlock()

	if producer.started {
		if producer.ctx.Err() != nil {
			return false, fmt.Errorf("cannot rerun stopped producer: %w", producer.ctx.Err())
		}
		return false, errors.New("producer already running")
	}
	producer.started = true

	if producer.ctx.Err() != nil {
		producer.logger.Debug().Msg("command producer shut down before start")
		return false, nil
	}
	return true, nil
}

// StartShutdown begins the shutdown of the producer. This method may exit before
// remaining work is completed.
func (producer *Producer) StartShutdown() {
	producer.ctxCancel()
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("error generating command id: %w", err)
	}
	return id.String(), nil
}
