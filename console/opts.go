package console

import (
	"time"

	"github.com/peake100/icsconsole-go/command"
	"github.com/peake100/icsconsole-go/config"
	"github.com/peake100/icsconsole-go/internal"
	"github.com/peake100/icsconsole-go/router"
	"github.com/peake100/icsconsole-go/session"
	"github.com/rs/zerolog"
)

// Opts holds options for a Console.
type Opts struct {
	sessionOpts  *session.Opts
	routerOpts   *router.Opts
	producerOpts *command.Opts

	// rawDir is joined with exposure file names.
	rawDir string
	// logPanelCapacity is the number of lines the log panel retains.
	logPanelCapacity int
	// responseTimeout bounds operator actions whose ctx has no deadline.
	responseTimeout time.Duration

	logger zerolog.Logger
}

// WithSessionOpts sets the options for the broker session.
//
// Default: session.NewOpts()
func (opts *Opts) WithSessionOpts(sessionOpts *session.Opts) *Opts {
	opts.sessionOpts = sessionOpts
	return opts
}

// SessionOpts returns the held session options so they can be adjusted in place.
func (opts *Opts) SessionOpts() *session.Opts {
	return opts.sessionOpts
}

// WithRouterOpts sets the options for the response router.
//
// Default: router.NewOpts()
func (opts *Opts) WithRouterOpts(routerOpts *router.Opts) *Opts {
	opts.routerOpts = routerOpts
	return opts
}

// WithProducerOpts sets the options for the command producer.
//
// Default: command.NewOpts()
func (opts *Opts) WithProducerOpts(producerOpts *command.Opts) *Opts {
	opts.producerOpts = producerOpts
	return opts
}

// WithRawDir sets the directory exposure file names are relative to.
//
// Default: "" (file names are returned as reported).
func (opts *Opts) WithRawDir(dir string) *Opts {
	opts.rawDir = dir
	return opts
}

// WithLogPanelCapacity sets how many lines the log panel keeps.
//
// Default: 500
func (opts *Opts) WithLogPanelCapacity(capacity int) *Opts {
	opts.logPanelCapacity = capacity
	return opts
}

// WithResponseTimeout sets how long operator actions wait for their response when the
// caller's context has no deadline. 0 waits until the context is cancelled.
//
// Default: 5m
func (opts *Opts) WithResponseTimeout(timeout time.Duration) *Opts {
	opts.responseTimeout = timeout
	return opts
}

// WithLogger sets the zerolog.Logger for the console and for the session, router and
// producer options currently held. Options set with WithSessionOpts and friends after
// this call keep their own logger.
//
// Default: lockless, pretty-printed logger set to Info level.
func (opts *Opts) WithLogger(logger zerolog.Logger) *Opts {
	opts.logger = logger
	if opts.sessionOpts != nil {
		opts.sessionOpts.WithLogger(logger)
	}
	if opts.routerOpts != nil {
		opts.routerOpts.WithLogger(logger)
	}
	if opts.producerOpts != nil {
		opts.producerOpts.WithLogger(logger)
	}
	return opts
}

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	return new(Opts).
		WithSessionOpts(session.NewOpts()).
		WithRouterOpts(router.NewOpts()).
		WithProducerOpts(command.NewOpts()).
		WithLogPanelCapacity(500).
		WithResponseTimeout(5 * time.Minute).
		WithLogger(internal.CreateDefaultLogger(zerolog.InfoLevel))
}

// OptsFromConfig builds console options from a loaded configuration.
func OptsFromConfig(cfg config.Config) (*Opts, error) {
	sessionOpts, err := cfg.RabbitMQ.SessionOpts(nil)
	if err != nil {
		return nil, err
	}

	opts := new(Opts).
		WithSessionOpts(sessionOpts).
		WithRouterOpts(router.NewOpts().WithAutoReconnect(cfg.Console.AutoReconnect)).
		WithProducerOpts(command.NewOpts().WithCorrelation(cfg.Console.Correlate)).
		WithRawDir(cfg.Console.RawDir).
		WithLogPanelCapacity(500).
		WithResponseTimeout(cfg.Console.ResponseTimeout).
		WithLogger(internal.CreateDefaultLogger(cfg.Console.Level()))

	return opts, nil
}
