package consoletest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/peake100/icsconsole-go/envelope"
	"github.com/peake100/icsconsole-go/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	streadway "github.com/streadway/amqp"
)

// deliveryBuffer is the capacity of each consumer's delivery channel. Messages past it
// wait on the queue until the consumer drains.
const deliveryBuffer = 256

// ErrDialRefused is returned by Broker.Dial while the broker is refusing connections.
var ErrDialRefused = errors.New("connection refused by fake broker")

// Publication is a message some client published to the broker.
type Publication struct {
	Exchange    string
	Key         string
	ContentType string
	Timestamp   time.Time
	Body        []byte
}

// Envelope parses the publication body.
func (pub Publication) Envelope() (*envelope.Envelope, error) {
	return envelope.Parse(pub.Body)
}

// Responder is called after every publication the broker accepts, from the publishing
// goroutine and without any broker locks held. Responders usually play the part of an
// instrument controller by publishing a reply with Broker.Publish.
type Responder func(broker *Broker, pub Publication)

type binding struct {
	queue string
	key   string
}

type consumer struct {
	tag        string
	channel    *Channel
	deliveries chan streadway.Delivery
}

type brokerQueue struct {
	name      string
	pending   [][]byte
	consumers []*consumer
	// next is the round-robin index into consumers.
	next int
}

// Broker is an in-memory stand-in for a RabbitMQ broker. It implements session.Dialer
// and supports the slice of AMQP the console uses: direct exchanges, non-durable
// queues, bindings, auto-ack consumers and connection close notifications.
//
// It is goroutine safe.
type Broker struct {
	lock sync.Mutex

	exchanges map[string]string
	queues    map[string]*brokerQueue
	bindings  map[string][]binding

	conns map[*Connection]struct{}

	published  []Publication
	responders []Responder

	// refuse is the number of upcoming dials to refuse. -1 refuses all of them.
	refuse    int
	dialCount int

	username string
	password string

	deliveryTag uint64

	logger zerolog.Logger
}

// NewBroker returns an empty broker that accepts any credentials.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*brokerQueue),
		bindings:  make(map[string][]binding),
		conns:     make(map[*Connection]struct{}),
		logger:    log.Logger.With().Str("COMPONENT", "FAKE_BROKER").Logger(),
	}
}

// RequireCredentials makes the broker reject dials that do not present username and
// password through PLAIN auth.
func (broker *Broker) RequireCredentials(username string, password string) {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	broker.username = username
	broker.password = password
}

// RefuseDials makes the next count dials fail. A negative count refuses every dial until
// RefuseDials(0) is called.
func (broker *Broker) RefuseDials(count int) {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	if count < 0 {
		count = -1
	}
	broker.refuse = count
}

// OnPublish registers a Responder.
func (broker *Broker) OnPublish(responder Responder) {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	broker.responders = append(broker.responders, responder)
}

// Dial implements session.Dialer.
func (broker *Broker) Dial(url string, config streadway.Config) (session.Connection, error) {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	broker.dialCount++

	if broker.refuse != 0 {
		if broker.refuse > 0 {
			broker.refuse--
		}
		return nil, fmt.Errorf("dial %v: %w", url, ErrDialRefused)
	}

	if broker.username != "" {
		expected := "\000" + broker.username + "\000" + broker.password
		if len(config.SASL) == 0 || config.SASL[0].Response() != expected {
			return nil, &streadway.Error{
				Code:   streadway.AccessRefused,
				Reason: "ACCESS_REFUSED - Login was refused using authentication mechanism PLAIN",
			}
		}
	}

	conn := &Connection{broker: broker}
	broker.conns[conn] = struct{}{}

	broker.logger.Debug().Str("URL", url).Msg("connection accepted")
	return conn, nil
}

// DialCount returns the number of Dial calls, successful or not.
func (broker *Broker) DialCount() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return broker.dialCount
}

// ConnectionCount returns the number of open connections.
func (broker *Broker) ConnectionCount() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return len(broker.conns)
}

// ExchangeKind returns the kind an exchange was declared with.
func (broker *Broker) ExchangeKind(name string) (kind string, ok bool) {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	kind, ok = broker.exchanges[name]
	return kind, ok
}

// Bound reports whether queue is bound to exchange with key.
func (broker *Broker) Bound(exchange string, queue string, key string) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	for _, existing := range broker.bindings[exchange] {
		if existing.queue == queue && existing.key == key {
			return true
		}
	}
	return false
}

// ConsumerCount returns the number of live consumers on queue.
func (broker *Broker) ConsumerCount(queue string) int {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	declared, ok := broker.queues[queue]
	if !ok {
		return 0
	}
	return len(declared.consumers)
}

// QueueDepth returns the number of messages waiting on queue for a consumer.
func (broker *Broker) QueueDepth(queue string) int {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	declared, ok := broker.queues[queue]
	if !ok {
		return 0
	}
	return len(declared.pending)
}

// Publications returns a copy of every accepted publication, in order.
func (broker *Broker) Publications() []Publication {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	published := make([]Publication, len(broker.published))
	copy(published, broker.published)
	return published
}

// Publish publishes body as an outside client would, for instance an instrument
// controller sending a response.
func (broker *Broker) Publish(exchange string, key string, body []byte) error {
	return broker.publish(nil, exchange, key, streadway.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

// Reply marshals env and publishes it.
func (broker *Broker) Reply(exchange string, key string, env *envelope.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("error marshalling reply: %w", err)
	}
	return broker.Publish(exchange, key, body)
}

// Drop force-closes every open connection, the way a broker restart or a network
// partition would. Close listeners receive a server-initiated *streadway.Error and
// consumers see their delivery channels closed.
func (broker *Broker) Drop() {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	reason := &streadway.Error{
		Code:    streadway.ConnectionForced,
		Reason:  "CONNECTION_FORCED - broker forced connection closure",
		Server:  true,
		Recover: false,
	}

	for conn := range broker.conns {
		conn.closeLocked(reason)
	}

	broker.logger.Debug().Msg("dropped all connections")
}

// publish routes one message. channel is nil for outside publishers.
func (broker *Broker) publish(
	channel *Channel, exchange string, key string, msg streadway.Publishing,
) error {
	broker.lock.Lock()

	if channel != nil && channel.closed {
		broker.lock.Unlock()
		return streadway.ErrClosed
	}

	if _, ok := broker.exchanges[exchange]; !ok {
		broker.lock.Unlock()
		return &streadway.Error{
			Code:   streadway.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%v'", exchange),
		}
	}

	pub := Publication{
		Exchange:    exchange,
		Key:         key,
		ContentType: msg.ContentType,
		Timestamp:   msg.Timestamp,
		Body:        msg.Body,
	}
	broker.published = append(broker.published, pub)

	for _, bound := range broker.bindings[exchange] {
		if bound.key != key {
			continue
		}
		broker.enqueueLocked(broker.queues[bound.queue], pub)
	}

	responders := make([]Responder, len(broker.responders))
	copy(responders, broker.responders)
	broker.lock.Unlock()

	for _, responder := range responders {
		responder(broker, pub)
	}
	return nil
}

// enqueueLocked hands pub to a consumer of queue, or leaves it pending.
func (broker *Broker) enqueueLocked(queue *brokerQueue, pub Publication) {
	if queue == nil {
		return
	}

	if len(queue.pending) == 0 && broker.deliverLocked(queue, pub.Exchange, pub.Key, pub.Body) {
		return
	}
	queue.pending = append(queue.pending, pub.Body)
}

// deliverLocked tries each consumer of queue once, round robin.
func (broker *Broker) deliverLocked(
	queue *brokerQueue, exchange string, key string, body []byte,
) bool {
	for i := 0; i < len(queue.consumers); i++ {
		target := queue.consumers[(queue.next+i)%len(queue.consumers)]

		broker.deliveryTag++
		delivery := streadway.Delivery{
			ContentType: "application/json",
			Timestamp:   time.Now().UTC(),
			ConsumerTag: target.tag,
			DeliveryTag: broker.deliveryTag,
			Exchange:    exchange,
			RoutingKey:  key,
			Body:        body,
		}

		select {
		case target.deliveries <- delivery:
			queue.next = (queue.next + i + 1) % len(queue.consumers)
			return true
		default:
		}
	}
	return false
}

// flushLocked moves pending messages to consumers until they stop accepting.
func (broker *Broker) flushLocked(queue *brokerQueue) {
	for len(queue.pending) > 0 {
		if !broker.deliverLocked(queue, "", queue.name, queue.pending[0]) {
			return
		}
		queue.pending = queue.pending[1:]
	}
}

// removeConsumerLocked detaches every consumer belonging to channel.
func (broker *Broker) removeConsumersLocked(channel *Channel) {
	for _, queue := range broker.queues {
		kept := queue.consumers[:0]
		for _, existing := range queue.consumers {
			if existing.channel == channel {
				close(existing.deliveries)
				continue
			}
			kept = append(kept, existing)
		}
		queue.consumers = kept
		queue.next = 0
	}
}

// Connection is a connection to a Broker. It implements session.Connection.
type Connection struct {
	broker *Broker

	channels  []*Channel
	listeners []chan *streadway.Error
	closed    bool
}

// Channel implements session.Connection.
func (conn *Connection) Channel() (session.Channel, error) {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		return nil, streadway.ErrClosed
	}

	channel := &Channel{broker: conn.broker, conn: conn}
	conn.channels = append(conn.channels, channel)
	return channel, nil
}

// NotifyClose implements session.Connection. receiver gets the close reason for a
// broker-initiated close and is then closed. A client-initiated Close closes receiver
// without sending.
func (conn *Connection) NotifyClose(receiver chan *streadway.Error) chan *streadway.Error {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		close(receiver)
		return receiver
	}

	conn.listeners = append(conn.listeners, receiver)
	return receiver
}

// Close implements session.Connection.
func (conn *Connection) Close() error {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		return streadway.ErrClosed
	}
	conn.closeLocked(nil)
	return nil
}

func (conn *Connection) closeLocked(reason *streadway.Error) {
	if conn.closed {
		return
	}
	conn.closed = true

	for _, channel := range conn.channels {
		channel.closeLocked(reason)
	}
	notifyClosed(conn.listeners, reason)
	conn.listeners = nil

	delete(conn.broker.conns, conn)
}

// Channel is a channel on a Connection. It implements session.Channel.
type Channel struct {
	broker *Broker
	conn   *Connection

	listeners []chan *streadway.Error
	closed    bool
}

// ExchangeDeclare implements session.Channel. Redeclaring with a different kind fails
// like it does on RabbitMQ.
func (channel *Channel) ExchangeDeclare(
	name, kind string, durable, autoDelete, internal, noWait bool, args streadway.Table,
) error {
	broker := channel.broker
	broker.lock.Lock()
	defer broker.lock.Unlock()

	if channel.closed {
		return streadway.ErrClosed
	}

	if existing, ok := broker.exchanges[name]; ok && existing != kind {
		return &streadway.Error{
			Code: streadway.PreconditionFailed,
			Reason: fmt.Sprintf(
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%v':"+
					" received '%v' but current is '%v'",
				name, kind, existing,
			),
		}
	}

	broker.exchanges[name] = kind
	return nil
}

// QueueDeclare implements session.Channel.
func (channel *Channel) QueueDeclare(
	name string, durable, autoDelete, exclusive, noWait bool, args streadway.Table,
) (streadway.Queue, error) {
	broker := channel.broker
	broker.lock.Lock()
	defer broker.lock.Unlock()

	if channel.closed {
		return streadway.Queue{}, streadway.ErrClosed
	}

	queue, ok := broker.queues[name]
	if !ok {
		queue = &brokerQueue{name: name}
		broker.queues[name] = queue
	}

	return streadway.Queue{
		Name:      name,
		Messages:  len(queue.pending),
		Consumers: len(queue.consumers),
	}, nil
}

// QueueBind implements session.Channel.
func (channel *Channel) QueueBind(
	name, key, exchange string, noWait bool, args streadway.Table,
) error {
	broker := channel.broker
	broker.lock.Lock()
	defer broker.lock.Unlock()

	if channel.closed {
		return streadway.ErrClosed
	}
	if _, ok := broker.exchanges[exchange]; !ok {
		return &streadway.Error{
			Code:   streadway.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%v'", exchange),
		}
	}
	if _, ok := broker.queues[name]; !ok {
		return &streadway.Error{
			Code:   streadway.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%v'", name),
		}
	}

	for _, existing := range broker.bindings[exchange] {
		if existing.queue == name && existing.key == key {
			return nil
		}
	}
	broker.bindings[exchange] = append(broker.bindings[exchange], binding{queue: name, key: key})
	return nil
}

// Publish implements session.Channel.
func (channel *Channel) Publish(
	exchange, key string, mandatory, immediate bool, msg streadway.Publishing,
) error {
	return channel.broker.publish(channel, exchange, key, msg)
}

// Consume implements session.Channel. Only auto-ack consumers are supported.
func (channel *Channel) Consume(
	queue, consumerTag string,
	autoAck, exclusive, noLocal, noWait bool,
	args streadway.Table,
) (<-chan streadway.Delivery, error) {
	broker := channel.broker
	broker.lock.Lock()
	defer broker.lock.Unlock()

	if channel.closed {
		return nil, streadway.ErrClosed
	}
	if !autoAck {
		return nil, &streadway.Error{
			Code:   streadway.NotImplemented,
			Reason: "NOT_IMPLEMENTED - fake broker only supports auto-ack consumers",
		}
	}

	declared, ok := broker.queues[queue]
	if !ok {
		return nil, &streadway.Error{
			Code:   streadway.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%v'", queue),
		}
	}

	for _, existing := range declared.consumers {
		if existing.channel == channel && existing.tag == consumerTag {
			return nil, &streadway.Error{
				Code:   streadway.NotAllowed,
				Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%v'", consumerTag),
			}
		}
	}

	added := &consumer{
		tag:        consumerTag,
		channel:    channel,
		deliveries: make(chan streadway.Delivery, deliveryBuffer),
	}
	declared.consumers = append(declared.consumers, added)
	broker.flushLocked(declared)

	return added.deliveries, nil
}

// NotifyClose implements session.Channel.
func (channel *Channel) NotifyClose(receiver chan *streadway.Error) chan *streadway.Error {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()

	if channel.closed {
		close(receiver)
		return receiver
	}

	channel.listeners = append(channel.listeners, receiver)
	return receiver
}

// Close implements session.Channel.
func (channel *Channel) Close() error {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()

	if channel.closed {
		return streadway.ErrClosed
	}
	channel.closeLocked(nil)
	return nil
}

func (channel *Channel) closeLocked(reason *streadway.Error) {
	if channel.closed {
		return
	}
	channel.closed = true

	channel.broker.removeConsumersLocked(channel)
	notifyClosed(channel.listeners, reason)
	channel.listeners = nil
}

// notifyClosed sends reason, if any, to each listener without blocking, then closes it.
func notifyClosed(listeners []chan *streadway.Error, reason *streadway.Error) {
	for _, listener := range listeners {
		if reason != nil {
			select {
			case listener <- reason:
			default:
			}
		}
		close(listener)
	}
}
