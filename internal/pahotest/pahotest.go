// Package pahotest has in-memory stand-ins for the paho client, its tokens and messages.
//
// The fake client completes Connect asynchronously, like paho does, and records every
// call in order so tests can assert on sequencing.
package pahotest

import (
	"errors"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("pahotest: not connected")

// Token is a paho.Token that completes when Complete is called.
type Token struct {
	done chan struct{}
	once sync.Once
	err  error
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// CompletedToken returns a token that is already done with err.
func CompletedToken(err error) *Token {
	t := NewToken()
	t.Complete(err)
	return t
}

func (t *Token) Complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *Token) Wait() bool {
	<-t.done
	return true
}

func (t *Token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *Token) Done() <-chan struct{} {
	return t.done
}

func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Message is a paho.Message.
type Message struct {
	TopicName string
	Body      []byte
	QoSLevel  byte
	Retain    bool
	ID        uint16
	acked     bool
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.QoSLevel }
func (m *Message) Retained() bool    { return m.Retain }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return m.ID }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              { m.acked = true }

// Publication is one recorded Publish call.
type Publication struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

type subscription struct {
	filter  string
	qos     byte
	handler paho.MessageHandler
}

// Client is a scriptable broker client.
type Client struct {
	mu        sync.Mutex
	opts      *paho.ClientOptions
	connected bool
	calls     []string

	connectResults []error
	connectGate    chan struct{}
	connectTokens  []*Token

	isConnectedScript []bool

	publishErrs   []error
	publications  []Publication
	subscribeErrs []error
	subs          []subscription
	disconnects   int
}

func NewClient() *Client {
	return &Client{}
}

// Attach stores the options the link built. Tests call it from their client factory.
func (c *Client) Attach(opts *paho.ClientOptions) *Client {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	return c
}

func (c *Client) Options() *paho.ClientOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// FailConnects queues results for the next Connect calls. A nil entry is a success.
// Once the queue is empty Connect succeeds.
func (c *Client) FailConnects(errs ...error) {
	c.mu.Lock()
	c.connectResults = append(c.connectResults, errs...)
	c.mu.Unlock()
}

// HoldConnect makes Connect tokens wait until ReleaseConnect is called.
func (c *Client) HoldConnect() {
	c.mu.Lock()
	c.connectGate = make(chan struct{})
	c.mu.Unlock()
}

func (c *Client) ReleaseConnect() {
	c.mu.Lock()
	gate := c.connectGate
	c.connectGate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// ScriptIsConnected queues answers for the next IsConnected calls. Once the queue is
// empty IsConnected reports the real state.
func (c *Client) ScriptIsConnected(answers ...bool) {
	c.mu.Lock()
	c.isConnectedScript = append(c.isConnectedScript, answers...)
	c.mu.Unlock()
}

// FailPublishes queues errors for the next Publish calls.
func (c *Client) FailPublishes(errs ...error) {
	c.mu.Lock()
	c.publishErrs = append(c.publishErrs, errs...)
	c.mu.Unlock()
}

// FailSubscribes queues errors for the next Subscribe calls.
func (c *Client) FailSubscribes(errs ...error) {
	c.mu.Lock()
	c.subscribeErrs = append(c.subscribeErrs, errs...)
	c.mu.Unlock()
}

func (c *Client) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.isConnectedScript) > 0 {
		answer := c.isConnectedScript[0]
		c.isConnectedScript = c.isConnectedScript[1:]
		return answer
	}
	return c.connected
}

func (c *Client) Connect() paho.Token {
	c.mu.Lock()
	c.record("connect")
	var result error
	if len(c.connectResults) > 0 {
		result = c.connectResults[0]
		c.connectResults = c.connectResults[1:]
	}
	gate := c.connectGate
	token := NewToken()
	c.connectTokens = append(c.connectTokens, token)
	c.mu.Unlock()

	go func() {
		if gate != nil {
			<-gate
		}
		c.mu.Lock()
		if result == nil {
			c.connected = true
			c.record("connack")
		} else {
			c.record("connack-failed")
		}
		c.mu.Unlock()
		token.Complete(result)
	}()
	return token
}

func (c *Client) Disconnect(_ uint) {
	c.mu.Lock()
	c.record("disconnect")
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("publish:" + topic)
	if len(c.publishErrs) > 0 {
		err := c.publishErrs[0]
		c.publishErrs = c.publishErrs[1:]
		if err != nil {
			return CompletedToken(err)
		}
	}
	if !c.connected {
		return CompletedToken(ErrNotConnected)
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	c.publications = append(c.publications, Publication{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	return CompletedToken(nil)
}

func (c *Client) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("subscribe:" + topic)
	if len(c.subscribeErrs) > 0 {
		err := c.subscribeErrs[0]
		c.subscribeErrs = c.subscribeErrs[1:]
		if err != nil {
			return CompletedToken(err)
		}
	}
	if !c.connected {
		return CompletedToken(ErrNotConnected)
	}
	c.subs = append(c.subs, subscription{filter: topic, qos: qos, handler: callback})
	return CompletedToken(nil)
}

// Deliver hands a message to every subscription whose filter matches topic, on the
// caller's goroutine. It returns the number of handlers invoked.
func (c *Client) Deliver(topic string, payload []byte) int {
	c.mu.Lock()
	var handlers []paho.MessageHandler
	for _, s := range c.subs {
		if Match(s.filter, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(nil, &Message{TopicName: topic, Body: payload})
	}
	return len(handlers)
}

// DropConnection simulates the broker going away and fires the connection lost handler.
func (c *Client) DropConnection(err error) {
	c.DropConnectionLate(err)()
}

// DropConnectionLate marks the client disconnected and returns the connection lost
// notification for the test to fire. paho also flips the client state first and calls
// the handler later on a goroutine of its own.
func (c *Client) DropConnectionLate(err error) (fire func()) {
	c.mu.Lock()
	c.connected = false
	c.subs = nil
	c.record("lost")
	opts := c.opts
	c.mu.Unlock()
	return func() {
		if opts != nil && opts.OnConnectionLost != nil {
			opts.OnConnectionLost(nil, err)
		}
	}
}

// Calls returns the recorded calls in order.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Count returns how many recorded calls start with prefix.
func (c *Client) Count(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (c *Client) Publications() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publication(nil), c.publications...)
}

func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	filters := make([]string, 0, len(c.subs))
	for _, s := range c.subs {
		filters = append(filters, s.filter)
	}
	return filters
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Match reports whether an MQTT topic filter matches a topic name.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
