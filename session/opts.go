package session

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/peake100/icsconsole-go/internal"
	"github.com/rs/zerolog"
	streadway "github.com/streadway/amqp"
)

// Copy of defaults from streadway amqp
const (
	defaultHeartbeat = 10 * time.Second
	defaultLocale    = "en_US"
)

// Opts holds options for a Session.
type Opts struct {
	// uri is the broker address and credentials.
	uri streadway.URI
	// heartbeat is the AMQP heartbeat interval requested from the server.
	heartbeat time.Duration

	// exchange is the exchange commands are published to and responses are bound from.
	exchange string
	// exchangeKind is the AMQP exchange type.
	exchangeKind string
	// queue is the response queue this console consumes.
	queue string
	// bindingKey is the routing key that binds queue to exchange.
	bindingKey string
	// consumerTag identifies our consumer with the broker.
	consumerTag string

	// dialer opens broker connections.
	dialer Dialer

	// redialAttempts is the number of dial attempts Reconnect makes before giving up.
	redialAttempts uint
	// redialDelay is the first backoff delay between redial attempts.
	redialDelay time.Duration
	// redialMaxDelay caps the backoff delay.
	redialMaxDelay time.Duration

	logger zerolog.Logger
}

// WithAddress sets the broker host and port.
//
// Default: localhost:5672
func (opts *Opts) WithAddress(host string, port int) *Opts {
	opts.uri.Host = host
	opts.uri.Port = port
	return opts
}

// WithHostPort parses a "host" or "host:port" address. A missing port keeps the current
// one.
func (opts *Opts) WithHostPort(addr string) (*Opts, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port present.
		opts.uri.Host = addr
		return opts, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return opts, fmt.Errorf("invalid broker port '%v': %w", portStr, err)
	}
	return opts.WithAddress(host, port), nil
}

// WithCredentials sets the PLAIN auth username and password.
//
// Default: guest / guest
func (opts *Opts) WithCredentials(username string, password string) *Opts {
	opts.uri.Username = username
	opts.uri.Password = password
	return opts
}

// WithVhost sets the broker virtual host.
//
// Default: "/"
func (opts *Opts) WithVhost(vhost string) *Opts {
	opts.uri.Vhost = vhost
	return opts
}

// WithHeartbeat sets the heartbeat interval.
//
// Default: 10s
func (opts *Opts) WithHeartbeat(heartbeat time.Duration) *Opts {
	opts.heartbeat = heartbeat
	return opts
}

// WithExchange sets the command exchange name and kind.
//
// Default: "ics.ex", "direct"
func (opts *Opts) WithExchange(name string, kind string) *Opts {
	opts.exchange = name
	opts.exchangeKind = kind
	return opts
}

// WithQueue sets the response queue name. The binding key follows the queue name unless
// WithBindingKey is called afterwards.
//
// Default: "ICS"
func (opts *Opts) WithQueue(name string) *Opts {
	opts.queue = name
	opts.bindingKey = name
	return opts
}

// WithBindingKey sets the routing key the response queue is bound with.
func (opts *Opts) WithBindingKey(key string) *Opts {
	opts.bindingKey = key
	return opts
}

// WithConsumerTag sets the consumer tag reported to the broker.
//
// Default: "icsconsole"
func (opts *Opts) WithConsumerTag(tag string) *Opts {
	opts.consumerTag = tag
	return opts
}

// WithDialer sets the Dialer used to open connections.
//
// Default: StreadwayDialer{}
func (opts *Opts) WithDialer(dialer Dialer) *Opts {
	opts.dialer = dialer
	return opts
}

// WithRedial configures the bounded exponential backoff used by Reconnect.
//
// Default: 5 attempts, 500ms first delay, 10s max delay.
func (opts *Opts) WithRedial(attempts uint, delay time.Duration, maxDelay time.Duration) *Opts {
	opts.redialAttempts = attempts
	opts.redialDelay = delay
	opts.redialMaxDelay = maxDelay
	return opts
}

// WithLogger sets the zerolog.Logger for the session.
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

// Addr returns the configured host:port, without credentials.
func (opts *Opts) Addr() string {
	return net.JoinHostPort(opts.uri.Host, strconv.Itoa(opts.uri.Port))
}

// Exchange returns the configured exchange name.
func (opts *Opts) Exchange() string {
	return opts.exchange
}

// Queue returns the configured response queue name.
func (opts *Opts) Queue() string {
	return opts.queue
}

// dialConfig builds the streadway config for a dial.
func (opts *Opts) dialConfig() streadway.Config {
	return streadway.Config{
		SASL:      []streadway.Authentication{opts.uri.PlainAuth()},
		Vhost:     opts.uri.Vhost,
		Heartbeat: opts.heartbeat,
		Locale:    defaultLocale,
	}
}

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	opts := &Opts{
		uri: streadway.URI{
			Scheme:   "amqp",
			Host:     "localhost",
			Port:     5672,
			Username: "guest",
			Password: "guest",
			Vhost:    "/",
		},
		logger: internal.CreateDefaultLogger(zerolog.InfoLevel),
	}

	return opts.
		WithHeartbeat(defaultHeartbeat).
		WithExchange("ics.ex", "direct").
		WithQueue("ICS").
		WithConsumerTag("icsconsole").
		WithDialer(StreadwayDialer{}).
		WithRedial(5, 500*time.Millisecond, 10*time.Second)
}
