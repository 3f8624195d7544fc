package session

import (
	streadway "github.com/streadway/amqp"
)

// Dialer opens connections to the broker. The default dialer uses streadway/amqp; tests
// substitute an in-memory broker from the consoletest package.
type Dialer interface {
	Dial(url string, config streadway.Config) (Connection, error)
}

// Connection is the subset of *streadway.Connection the session uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *streadway.Error) chan *streadway.Error
	Close() error
}

// Channel is the subset of *streadway.Channel the session uses. *streadway.Channel
// satisfies it directly.
type Channel interface {
	ExchangeDeclare(
		name, kind string, durable, autoDelete, internal, noWait bool, args streadway.Table,
	) error
	QueueDeclare(
		name string, durable, autoDelete, exclusive, noWait bool, args streadway.Table,
	) (streadway.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args streadway.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg streadway.Publishing) error
	Consume(
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args streadway.Table,
	) (<-chan streadway.Delivery, error)
	NotifyClose(receiver chan *streadway.Error) chan *streadway.Error
	Close() error
}

// StreadwayDialer dials real brokers with streadway/amqp.
type StreadwayDialer struct{}

// Dial implements Dialer.
func (StreadwayDialer) Dial(url string, config streadway.Config) (Connection, error) {
	conn, err := streadway.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return streadwayConnection{Connection: conn}, nil
}

// streadwayConnection adapts *streadway.Connection so Channel returns the interface.
type streadwayConnection struct {
	*streadway.Connection
}

func (conn streadwayConnection) Channel() (Channel, error) {
	channel, err := conn.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return channel, nil
}
