// Package link owns one connection to an MQTT broker.
//
// A Link wraps a paho client. It connects asynchronously, publishes and subscribes with
// validated arguments, and tracks whether the broker is reachable. It never reconnects
// on its own: paho's auto-reconnect is switched off and callers decide what a lost
// connection means for them.
package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/celerway/mqttpipe/connector/config"
	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/observability"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	disconnectQuiesce = 250 // milliseconds
	subackFailure     = 0x80

	// paho enforces the connect timeout on the handshake itself, this is the backstop.
	connectGrace = 500 * time.Millisecond
)

// Client is the part of paho.Client a Link uses.
type Client interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// ClientFactory builds the broker client from the options a Link prepared.
type ClientFactory func(opts *paho.ClientOptions) Client

func NewPahoClient(opts *paho.ClientOptions) Client {
	return paho.NewClient(opts)
}

// MessageHandler receives every message matching a subscription. It runs on paho's
// callback goroutine, one message at a time.
type MessageHandler func(topic string, payload []byte)

type Option func(*Link)

func WithLogger(logger *log.Logger) Option {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClientFactory(f ClientFactory) Option {
	return func(l *Link) {
		if f != nil {
			l.newClient = f
		}
	}
}

func WithObservability(ch observability.Channel) Option {
	return func(l *Link) {
		l.obs = ch
	}
}

// WithConnectionLostHandler registers h to run after the link has marked itself
// disconnected because the broker went away.
func WithConnectionLostHandler(h func(err error)) Option {
	return func(l *Link) {
		l.onLost = h
	}
}

type Link struct {
	cfg       *config.Config
	client    Client
	state     *stateManager
	logger    *log.Logger
	obs       observability.Channel
	newClient ClientFactory
	onLost    func(err error)
	host      string
	clientID  string
}

// New prepares a link from the current config values. Nothing touches the network
// until Connect.
func New(cfg *config.Config, opts ...Option) *Link {
	l := &Link{
		cfg:       cfg,
		state:     newStateManager(),
		logger:    log.Discard(),
		newClient: NewPahoClient,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.host = cfg.Host()
	l.clientID = cfg.EndpointName()
	l.client = l.newClient(l.clientOptions())
	return l
}

func (l *Link) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(l.host)
	opts.SetClientID(l.clientID)
	opts.SetCleanSession(l.cfg.CleanSession())
	opts.SetConnectTimeout(l.cfg.ConnectionTimeout())
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(l.connectionLost)
	return opts
}

func (l *Link) State() State {
	return l.state.get()
}

// IsConnected is advisory: the connection can drop right after it returns true.
func (l *Link) IsConnected() bool {
	if !l.state.isConnected() {
		return false
	}
	if !l.client.IsConnected() {
		l.state.transition(StateConnected, StateDisconnected)
		return false
	}
	return true
}

// Connect starts the handshake and returns a channel that receives exactly one result.
func (l *Link) Connect() <-chan error {
	result := make(chan error, 1)
	if !l.state.transition(StateDisconnected, StateConnecting) {
		result <- fmt.Errorf("%w: cannot connect while %s", ErrInvalidState, l.state.get())
		return result
	}
	timeout := l.cfg.ConnectionTimeout()
	l.logger.Debugf("Connecting to %s as %s (clean session: %v, timeout: %v)",
		l.host, l.clientID, l.cfg.CleanSession(), timeout)
	token := l.client.Connect()
	go func() {
		wait := time.Duration(0)
		if timeout > 0 {
			wait = timeout + connectGrace
		}
		err := waitToken(token, wait)
		if errors.Is(err, ErrTimeout) {
			l.client.Disconnect(0)
		}
		if err != nil {
			l.state.set(StateDisconnected)
			l.obs.Report(observability.MqttError)
			l.logger.Errorf("Could not connect to %s: %s", l.host, err)
			result <- fmt.Errorf("%w: %s: %w", ErrConnectionFailed, l.host, err)
			return
		}
		l.state.transition(StateConnecting, StateConnected)
		l.logger.Infof("Connected to %s as %s", l.host, l.clientID)
		result <- nil
	}()
	return result
}

// Disconnect closes an established connection. The returned channel is closed once the
// client has shut down; it is closed right away when there is nothing to disconnect.
func (l *Link) Disconnect() <-chan struct{} {
	done := make(chan struct{})
	if !l.state.transition(StateConnected, StateDisconnecting) {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		l.logger.Debugf("Disconnecting from %s", l.host)
		l.client.Disconnect(disconnectQuiesce)
		l.state.set(StateDisconnected)
		if l.client.IsConnected() {
			l.logger.Warnf("Client for %s still reports connected after disconnect", l.host)
			return
		}
		l.logger.Infof("Disconnected from %s", l.host)
	}()
	return done
}

// Publish sends payload to topic and waits for the client to report completion.
// Connected-then-publish is not atomic; a publish racing a lost connection fails with
// ErrPublishFailed.
func (l *Link) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if qos > config.MaxQoS {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if err := ValidateTopicName(topic); err != nil {
		return err
	}
	if !l.IsConnected() {
		return ErrNotConnected
	}
	token := l.client.Publish(topic, qos, retained, payload)
	if err := waitToken(token, l.cfg.PublishTimeout()); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	l.logger.Tracef("Delivery complete: %d bytes to %s (qos %d)", len(payload), topic, qos)
	return nil
}

// Subscribe registers handler for filter. A failed subscription never invokes handler.
func (l *Link) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if qos > config.MaxQoS {
		return fmt.Errorf("%w: %w: %d", ErrSubscribeFailed, ErrInvalidQoS, qos)
	}
	if err := ValidateTopicFilter(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !l.IsConnected() {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, ErrNotConnected)
	}
	token := l.client.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	if err := waitToken(token, l.cfg.PublishTimeout()); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code == subackFailure {
			return fmt.Errorf("%w: %s: refused by broker", ErrSubscribeFailed, filter)
		}
	}
	l.logger.Infof("Subscribed to %s (qos %d)", filter, qos)
	return nil
}

// connectionLost runs on its own paho goroutine, after the client already reports the
// connection down. A reconnect may have happened in between; that notification is stale.
func (l *Link) connectionLost(_ paho.Client, err error) {
	if st := l.state.get(); st == StateConnecting || l.client.IsConnected() {
		l.logger.Debugf("Ignoring stale connection lost (%v), link is %s", err, st)
		return
	}
	l.state.transition(StateConnected, StateDisconnected)
	l.obs.Report(observability.MqttConnectionLost)
	l.logger.Warnf("Lost connection to %s: %v", l.host, err)
	if l.onLost != nil {
		l.onLost(err)
	}
}

// waitToken waits for token. A zero timeout waits forever.
func waitToken(token paho.Token, timeout time.Duration) error {
	if timeout <= 0 {
		token.Wait()
	} else if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}
