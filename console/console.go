package console

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/peake100/icsconsole-go/command"
	"github.com/peake100/icsconsole-go/envelope"
	"github.com/peake100/icsconsole-go/replies"
	"github.com/peake100/icsconsole-go/router"
	"github.com/peake100/icsconsole-go/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNotConnected is returned by operator actions before Connect succeeds, or after the
// response router stopped.
var ErrNotConnected = errors.New("console not connected")

// ExposureError is returned by TakeExposure when the spectrograph answered without
// naming a file.
type ExposureError struct {
	// Response is the terminal response that was received.
	Response *envelope.Envelope
}

// Error implements builtins.error.
func (err *ExposureError) Error() string {
	return fmt.Sprintf("exposure response carried no file: %v", err.Response.Pretty())
}

// Console wires a broker session, the response router, the reply channels and the
// command producer together, and exposes the operator actions built on them.
type Console struct {
	session *session.Session
	replies *replies.Set
	panel   *LogPanel

	// lock guards every field below it.
	lock     sync.Mutex
	router   *router.Router
	producer *command.Producer
	// runDone is closed when the router and producer of the current run have exited.
	runDone chan struct{}
	runErr  error
	closed  bool

	routerOpts   router.Opts
	producerOpts command.Opts
	opts         Opts
	logger       zerolog.Logger
}

// New returns an unconnected console. If opts is nil, default options are used.
func New(opts *Opts) *Console {
	if opts == nil {
		opts = NewOpts()
	}

	panel := newLogPanel(opts.logPanelCapacity)

	routerOpts := *opts.routerOpts
	routerOpts.WithObserver(func(env *envelope.Envelope, route replies.Route) {
		panel.Addf("received from %v: %v", env.Inst, env.Pretty())
	})

	producerOpts := *opts.producerOpts
	producerOpts.WithIssueObserver(func(ticket command.Ticket, cmd command.Command) {
		panel.Addf("sent message to device '%v'. message: %v", ticket.Key, cmd.Text)
	})

	return &Console{
		session:      session.New(opts.sessionOpts),
		replies:      replies.NewSet(),
		panel:        panel,
		routerOpts:   routerOpts,
		producerOpts: producerOpts,
		opts:         *opts,
		logger:       opts.logger.With().Str("COMPONENT", "CONSOLE").Logger(),
	}
}

// Connect connects the broker session, defines the command exchange and the response
// queue, then starts the response router and the command producer.
//
// A connection failure is logged to the log panel and returned; nothing is started and
// Connect may be called again. Calling Connect while running is a no-op. Calling it
// after the router stopped on a dropped connection redials with backoff and starts a
// fresh router.
func (console *Console) Connect(ctx context.Context) error {
	console.lock.Lock()
	defer console.lock.Unlock()

	if console.closed {
		return session.ErrSessionClosed
	}
	if console.runningLocked() {
		return nil
	}

	if err := console.connectSession(ctx); err != nil {
		console.logger.Error().Err(err).Msg("could not connect to broker")
		console.panel.Addf("connection failed: %v", err)
		return err
	}

	console.startLocked()
	return nil
}

func (console *Console) connectSession(ctx context.Context) error {
	opts := console.session.Opts()

	var err error
	if console.session.State() == session.StateDegraded {
		err = console.session.Reconnect(ctx)
	} else {
		err = console.session.Connect(ctx)
	}
	if err != nil {
		return err
	}
	console.panel.Addf("connected to broker at %v", opts.Addr())

	if err = console.session.DefinePublisher(ctx); err != nil {
		return err
	}
	console.panel.Addf("producer defined on exchange '%v'", opts.Exchange())

	if err = console.session.DefineConsumer(ctx); err != nil {
		return err
	}
	console.panel.Addf("consumer defined on queue '%v'", opts.Queue())

	return nil
}

// startLocked launches the router and producer. When either exits the other is shut
// down.
func (console *Console) startLocked() {
	responseRouter := router.New(console.session, console.replies, &console.routerOpts)
	producer := command.New(console.session, console.replies, &console.producerOpts)

	group := new(errgroup.Group)
	group.Go(func() error {
		defer producer.StartShutdown()
		return responseRouter.Run()
	})
	group.Go(func() error {
		defer responseRouter.StartShutdown()
		return producer.Run()
	})

	done := make(chan struct{})
	console.router = responseRouter
	console.producer = producer
	console.runDone = done
	console.runErr = nil

	go func() {
		defer close(done)
		err := group.Wait()

		console.lock.Lock()
		console.runErr = err
		console.lock.Unlock()

		if err != nil {
			console.logger.Error().Err(err).Msg("response router stopped")
			console.panel.Addf("response router stopped: %v", err)
		}
	}()
}

func (console *Console) runningLocked() bool {
	if console.runDone == nil {
		return false
	}
	select {
	case <-console.runDone:
		return false
	default:
		return true
	}
}

// currentProducer returns the producer of the live run.
func (console *Console) currentProducer() (*command.Producer, error) {
	console.lock.Lock()
	defer console.lock.Unlock()

	switch {
	case console.closed:
		return nil, session.ErrSessionClosed
	case console.runningLocked():
		return console.producer, nil
	case console.runErr != nil:
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, console.runErr)
	default:
		return nil, ErrNotConnected
	}
}

// withResponseTimeout applies the configured response timeout to ctx if it has no
// deadline of its own.
func (console *Console) withResponseTimeout(
	ctx context.Context,
) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || console.opts.responseTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, console.opts.responseTimeout)
}

// Issue sends cmd without waiting for a response.
func (console *Console) Issue(ctx context.Context, cmd command.Command) (command.Ticket, error) {
	producer, err := console.currentProducer()
	if err != nil {
		return command.Ticket{}, err
	}

	ticket, err := producer.Issue(ctx, cmd)
	if err != nil {
		console.panel.Addf("failed to send message to device '%v': %v", cmd.Instrument, err)
		return ticket, err
	}
	return ticket, nil
}

// IssueAndAwait sends cmd and waits for its terminal response.
func (console *Console) IssueAndAwait(
	ctx context.Context, cmd command.Command,
) (*envelope.Envelope, error) {
	producer, err := console.currentProducer()
	if err != nil {
		return nil, err
	}

	ctx, cancel := console.withResponseTimeout(ctx)
	defer cancel()

	env, err := producer.IssueAndAwait(ctx, cmd)
	if err != nil {
		console.panel.Addf("command to device '%v' failed: %v", cmd.Instrument, err)
		return nil, err
	}
	return env, nil
}

// TakeExposure asks the spectrograph for count exposures of exptime seconds and waits
// for the result. It returns the reported file name, joined with the raw data
// directory when one is configured.
func (console *Console) TakeExposure(ctx context.Context, exptime float64, count int) (string, error) {
	cmd := command.Command{
		Instrument: envelope.Spec,
		Text:       fmt.Sprintf("getobj %v %v", exptime, count),
	}

	env, err := console.IssueAndAwait(ctx, cmd)
	if err != nil {
		return "", err
	}

	file := env.File()
	if file == "" {
		err = &ExposureError{Response: env}
		console.panel.Addf("exposure failed: %v", err)
		return "", err
	}

	if console.opts.rawDir != "" {
		file = filepath.Join(console.opts.rawDir, file)
	}

	console.panel.Addf("exposure complete: %v", file)
	return file, nil
}

// Progress waits for the next progress update from inst.
func (console *Console) Progress(
	ctx context.Context, inst envelope.Instrument,
) (*envelope.Envelope, error) {
	ctx, cancel := console.withResponseTimeout(ctx)
	defer cancel()
	return console.replies.AwaitInstrument(ctx, inst)
}

// AwaitResponse waits for the next envelope on the default reply channel.
func (console *Console) AwaitResponse(ctx context.Context) (*envelope.Envelope, error) {
	ctx, cancel := console.withResponseTimeout(ctx)
	defer cancel()
	return console.replies.AwaitDefault(ctx)
}

// LogPanel returns the operator log.
func (console *Console) LogPanel() *LogPanel {
	return console.panel
}

// State returns the broker session state.
func (console *Console) State() session.State {
	return console.session.State()
}

// NotifyState registers receiver for broker session state transitions.
func (console *Console) NotifyState(receiver chan session.State) chan session.State {
	return console.session.NotifyState(receiver)
}

// Stats returns the counters of the current response router.
func (console *Console) Stats() router.Stats {
	console.lock.Lock()
	defer console.lock.Unlock()

	if console.router == nil {
		return router.Stats{}
	}
	return console.router.Stats()
}

// Wait blocks until the current run stops and returns why. It returns ErrNotConnected
// if Connect has not succeeded.
func (console *Console) Wait() error {
	console.lock.Lock()
	done := console.runDone
	console.lock.Unlock()

	if done == nil {
		return ErrNotConnected
	}
	<-done

	console.lock.Lock()
	defer console.lock.Unlock()
	return console.runErr
}

// Close stops the router and producer, wakes every waiter with replies.ErrClosed and
// closes the broker session. Subsequent calls return session.ErrSessionClosed.
func (console *Console) Close() error {
	console.lock.Lock()
	if console.closed {
		console.lock.Unlock()
		return session.ErrSessionClosed
	}
	console.closed = true

	responseRouter := console.router
	producer := console.producer
	done := console.runDone
	console.lock.Unlock()

	if done != nil {
		responseRouter.StartShutdown()
		producer.StartShutdown()
		<-done
	}

	console.replies.Close()
	err := console.session.Close()

	console.panel.Add("console closed")
	console.panel.close()

	if err != nil && !errors.Is(err, session.ErrSessionClosed) {
		return err
	}
	return nil
}
