//revive:disable:import-shadowing

package consoletest

import (
	"os"
	"strings"
	"testing"

	"github.com/peake100/icsconsole-go/envelope"
	"github.com/peake100/icsconsole-go/session"
	"github.com/rs/zerolog/log"
	streadway "github.com/streadway/amqp"
	"github.com/stretchr/testify/require"
)

const (
	// TestDialAddress is the default address for a live test broker.
	TestDialAddress = "amqp://localhost:57018"
	// LiveBrokerEnv enables live-broker tests when set. A value starting with amqp://
	// overrides TestDialAddress.
	LiveBrokerEnv = "ICS_TEST_BROKER"
)

// LiveSessionOpts returns session options pointing at the live test broker, or skips the
// test if LiveBrokerEnv is not set.
func LiveSessionOpts(t *testing.T) *session.Opts {
	value, ok := os.LookupEnv(LiveBrokerEnv)
	if !ok || value == "" {
		t.Skipf("%v not set, skipping live broker test", LiveBrokerEnv)
	}

	address := TestDialAddress
	if strings.HasPrefix(value, "amqp://") {
		address = value
	}

	uri, err := streadway.ParseURI(address)
	require.NoError(t, err, "parse live broker address")

	return session.NewOpts().
		WithAddress(uri.Host, uri.Port).
		WithCredentials(uri.Username, uri.Password).
		WithVhost(uri.Vhost).
		WithLogger(log.Logger)
}

// EchoController returns a Responder that answers every command published with the
// instrument's routing key. Each reply in replies is published, in order, to exchange
// with responseKey, carrying the command's correlation ID.
func EchoController(
	exchange string, responseKey string, inst envelope.Instrument, replies ...*envelope.Envelope,
) Responder {
	return func(broker *Broker, pub Publication) {
		if pub.Exchange != exchange || pub.Key != inst.Tag() {
			return
		}

		command, err := pub.Envelope()
		if err != nil {
			log.Logger.Error().Err(err).Msg("fake controller received malformed command")
			return
		}

		for _, reply := range replies {
			answer := *reply
			answer.ID = command.ID
			if err := broker.Reply(exchange, responseKey, &answer); err != nil {
				log.Logger.Error().Err(err).Msg("fake controller could not reply")
			}
		}
	}
}
