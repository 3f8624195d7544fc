package router

import (
	"slices"
	"time"

	"github.com/peake100/icsconsole-go/envelope"
	"github.com/peake100/icsconsole-go/internal"
	"github.com/peake100/icsconsole-go/replies"
	"github.com/rs/zerolog"
)

// Observer is called from the router goroutine for every envelope after it has been
// delivered. Observers must not block; they exist so display surfaces like a log panel
// can see traffic without consuming it.
type Observer = func(env *envelope.Envelope, route replies.Route)

// Opts holds options for a Router.
type Opts struct {
	// maxAttempts is the number of consecutive receive attempts before the router
	// gives up and reports itself degraded. 0 retries forever.
	maxAttempts uint
	// retryDelay is the first backoff delay after a transport failure.
	retryDelay time.Duration
	// retryMaxDelay caps the backoff delay.
	retryMaxDelay time.Duration
	// autoReconnect is whether the router asks the receiver to redial between attempts.
	autoReconnect bool

	observers []Observer

	logger zerolog.Logger
	// logEnvelopeLevel is the level every routed envelope is logged at.
	logEnvelopeLevel zerolog.Level
}

// WithRetry configures the bounded exponential backoff applied to transport failures.
// attempts of 0 retries forever.
//
// Default: 10 attempts, 100ms first delay, 5s max delay.
func (opts *Opts) WithRetry(attempts uint, delay time.Duration, maxDelay time.Duration) *Opts {
	opts.maxAttempts = attempts
	opts.retryDelay = delay
	opts.retryMaxDelay = maxDelay
	return opts
}

// WithAutoReconnect sets whether the router calls Reconnect on receivers that support
// it before retrying a failed receive.
//
// Default: false.
func (opts *Opts) WithAutoReconnect(reconnect bool) *Opts {
	opts.autoReconnect = reconnect
	return opts
}

// WithObserver adds an Observer. May be called more than once.
func (opts *Opts) WithObserver(observer Observer) *Opts {
	// Clip so copies of these opts never share an appended slot.
	opts.observers = append(slices.Clip(opts.observers), observer)
	return opts
}

// WithLogger sets the zerolog.Logger for the router.
//
// Default: lockless, pretty-printed logger set to Info level.
func (opts *Opts) WithLogger(logger zerolog.Logger) *Opts {
	opts.logger = logger
	return opts
}

// WithLoggingLevel sets the level of the logger passed to WithLogger.
func (opts *Opts) WithLoggingLevel(level zerolog.Level) *Opts {
	opts.logger = opts.logger.Level(level)
	return opts
}

// WithLogEnvelopeLevel sets the level each received envelope is logged at.
//
// Default: zerolog.InfoLevel.
func (opts *Opts) WithLogEnvelopeLevel(level zerolog.Level) *Opts {
	opts.logEnvelopeLevel = level
	return opts
}

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	return new(Opts).
		WithRetry(10, 100*time.Millisecond, 5*time.Second).
		WithAutoReconnect(false).
		WithLogger(internal.CreateDefaultLogger(zerolog.InfoLevel)).
		WithLogEnvelopeLevel(zerolog.InfoLevel)
}
