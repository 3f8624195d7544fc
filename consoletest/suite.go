//revive:disable:import-shadowing

package consoletest

import (
	"context"
	"time"

	"github.com/peake100/icsconsole-go/envelope"
	"github.com/peake100/icsconsole-go/session"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/suite"
)

// SuiteOpts is used to configure SessionSuite.
type SuiteOpts struct {
	exchange string
	queue    string
	timeout  time.Duration
}

// WithExchange sets the exchange sessions publish to and responses are published on.
//
// Default: ics.ex
func (opts *SuiteOpts) WithExchange(name string) *SuiteOpts {
	opts.exchange = name
	return opts
}

// WithQueue sets the response queue sessions consume.
//
// Default: ICS
func (opts *SuiteOpts) WithQueue(name string) *SuiteOpts {
	opts.queue = name
	return opts
}

// WithTimeout sets how long helper methods wait before failing the test.
//
// Default: 3s
func (opts *SuiteOpts) WithTimeout(timeout time.Duration) *SuiteOpts {
	opts.timeout = timeout
	return opts
}

// NewSuiteOpts returns a new SuiteOpts with default values.
func NewSuiteOpts() *SuiteOpts {
	return new(SuiteOpts).
		WithExchange("ics.ex").
		WithQueue("ICS").
		WithTimeout(3 * time.Second)
}

// SessionSuite can be embedded into a testify suite to get a fresh in-memory Broker for
// every test, plus helpers for opening sessions against it and playing the part of
// instrument controllers.
type SessionSuite struct {
	// Suite is the embedded suite type.
	suite.Suite

	// Opts can be set on suite instantiation or during setup.
	Opts *SuiteOpts

	broker   *Broker
	sessions []*session.Session
}

// SetupSuite implements suite.SetupAllSuite, and sets suite.Opts to NewSuiteOpts if no
// other opts has been provided.
func (suite *SessionSuite) SetupSuite() {
	if suite.Opts == nil {
		suite.Opts = NewSuiteOpts()
	}
}

// SetupTest implements suite.SetupTestSuite and replaces the broker.
func (suite *SessionSuite) SetupTest() {
	suite.broker = NewBroker()
}

// TearDownTest implements suite.TearDownTestSuite and closes every session opened with
// NewSession.
func (suite *SessionSuite) TearDownTest() {
	for _, opened := range suite.sessions {
		_ = opened.Close()
	}
	suite.sessions = nil
}

// Broker returns the broker for the current test.
func (suite *SessionSuite) Broker() *Broker {
	return suite.broker
}

// Ctx returns a context that expires after the suite timeout. It is cancelled when the
// current test ends.
func (suite *SessionSuite) Ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), suite.Opts.timeout)
	suite.T().Cleanup(cancel)
	return ctx
}

// SessionOpts returns session options that dial the suite broker, with fast redials.
func (suite *SessionSuite) SessionOpts() *session.Opts {
	return session.NewOpts().
		WithDialer(suite.broker).
		WithExchange(suite.Opts.exchange, "direct").
		WithQueue(suite.Opts.queue).
		WithRedial(5, time.Millisecond, 10*time.Millisecond).
		WithLogger(log.Logger)
}

// NewSession opens a session on the suite broker with publisher and consumer defined.
// The test fails immediately if any step fails. The session is closed at the end of the
// test.
func (suite *SessionSuite) NewSession() *session.Session {
	opened := session.New(suite.SessionOpts())
	suite.sessions = append(suite.sessions, opened)

	ctx := suite.Ctx()
	suite.Require().NoError(opened.Connect(ctx), "connect session")
	suite.Require().NoError(opened.DefinePublisher(ctx), "define publisher")
	suite.Require().NoError(opened.DefineConsumer(ctx), "define consumer")

	return opened
}

// Respond publishes a response envelope to the console response queue, as the named
// instrument controller would.
func (suite *SessionSuite) Respond(
	inst envelope.Instrument, process envelope.Process, message interface{},
) {
	env, err := envelope.New(inst, process, message)
	suite.Require().NoError(err, "build response")

	err = suite.broker.Reply(suite.Opts.exchange, suite.Opts.queue, env)
	suite.Require().NoError(err, "publish response")
}

// RespondRaw publishes body to the console response queue unchanged.
func (suite *SessionSuite) RespondRaw(body string) {
	err := suite.broker.Publish(suite.Opts.exchange, suite.Opts.queue, []byte(body))
	suite.Require().NoError(err, "publish raw response")
}

// AwaitPublication waits for the nth publication (counting from 0) sent with key and
// returns it, failing the test if it does not show up in time.
func (suite *SessionSuite) AwaitPublication(key string, n int) Publication {
	var found Publication
	suite.Require().Eventuallyf(
		func() bool {
			seen := 0
			for _, pub := range suite.broker.Publications() {
				if pub.Key != key {
					continue
				}
				if seen == n {
					found = pub
					return true
				}
				seen++
			}
			return false
		},
		suite.Opts.timeout,
		time.Millisecond,
		"publication %v with key '%v'",
		n,
		key,
	)
	return found
}
