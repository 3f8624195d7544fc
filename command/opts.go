package command

import (
	"slices"

	"github.com/peake100/icsconsole-go/internal"
	"github.com/rs/zerolog"
)

// IssueObserver is called after a command has been handed to the broker session, before
// any response is awaited. Observers must not block.
type IssueObserver = func(ticket Ticket, cmd Command)

// Opts holds options for Producer.
type Opts struct {
	// The buffer size of our internal publication queue.
	internalQueueCapacity int
	// Whether controllers echo command IDs, making IssueAndAwait wait on the ID instead
	// of the default reply channel.
	correlate bool

	issueObservers []IssueObserver

	logger zerolog.Logger
}

// WithInternalQueueCapacity sets the internal queue size.
//
// Commands waiting for the session are stored in a go channel. This options sets the
// size of that channel.
//
// Default: 64
func (opts *Opts) WithInternalQueueCapacity(size int) *Opts {
	opts.internalQueueCapacity = size
	return opts
}

// WithCorrelation sets whether IssueAndAwait waits for a response carrying the
// command's ID. Only enable this when every controller echoes the "id" field back;
// otherwise responses land on the default reply channel and the wait times out.
//
// Default: false.
func (opts *Opts) WithCorrelation(correlate bool) *Opts {
	opts.correlate = correlate
	return opts
}

// WithIssueObserver adds an IssueObserver. May be called more than once.
func (opts *Opts) WithIssueObserver(observer IssueObserver) *Opts {
	// Clip so copies of these opts never share an appended slot.
	opts.issueObservers = append(slices.Clip(opts.issueObservers), observer)
	return opts
}

// WithLogger sets the zerolog.Logger for the producer.
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

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	return new(Opts).
		WithInternalQueueCapacity(64).
		WithCorrelation(false).
		WithLogger(internal.CreateDefaultLogger(zerolog.InfoLevel))
}
