// Package config holds the settings for one MQTT endpoint.
//
// A Config is always valid: New fills in the defaults and setters reject values
// that would break an invariant instead of failing. Components keep a reference
// to the Config and read it when they need a value, so changes made between
// starting a consumer and its connection coming up are picked up.
package config

import (
	"strings"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultHost              = "127.0.0.1:1883"
	DefaultEndpointName      = "camel-paho-mqtt"
	DefaultPubTopic          = "camel/mqtt/test"
	DefaultSubTopic          = "#"
	DefaultQoS               = 0
	DefaultConnectionTimeout = 10000 * time.Millisecond
	DefaultScheme            = "tcp://"

	MaxQoS = 2
)

// Option names as used in endpoint URIs, option maps and YAML files.
const (
	OptHost              = "host"
	OptEndpointName      = "endPointName"
	OptClientID          = "clientId"
	OptPubTopic          = "pubTopicName"
	OptSubTopic          = "subTopicName"
	OptQoS               = "qosLevel"
	OptCleanSession      = "cleanSession"
	OptRetained          = "retained"
	OptConnectionTimeout = "connectionTimeout"
	OptPublishTimeout    = "publishTimeout"
	OptReconnectOnLost   = "reconnectOnLost"
	OptReconnectBreaker  = "reconnectBreaker"
)

var knownSchemes = []string{"tcp://", "ssl://", "tls://", "ws://", "wss://", "mqtt://", "mqtts://"}

type Config struct {
	mu                sync.RWMutex
	host              string
	endpointName      string
	pubTopic          string
	subTopic          string
	qos               byte
	cleanSession      bool
	retained          bool
	connectionTimeout time.Duration
	publishTimeout    time.Duration
	reconnectOnLost   bool
	reconnectBreaker  uint32
}

func New() *Config {
	return &Config{
		host:              DefaultHost,
		endpointName:      DefaultEndpointName,
		pubTopic:          DefaultPubTopic,
		subTopic:          DefaultSubTopic,
		qos:               DefaultQoS,
		cleanSession:      true,
		retained:          false,
		connectionTimeout: DefaultConnectionTimeout,
	}
}

// Host returns the broker address with a scheme. A bare host:port gets tcp://.
func (c *Config) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, scheme := range knownSchemes {
		if strings.HasPrefix(c.host, scheme) {
			return c.host
		}
	}
	return DefaultScheme + c.host
}

func (c *Config) SetHost(host string) {
	c.mu.Lock()
	c.host = host
	c.mu.Unlock()
}

func (c *Config) EndpointName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpointName
}

func (c *Config) SetEndpointName(name string) {
	c.mu.Lock()
	c.endpointName = name
	c.mu.Unlock()
}

func (c *Config) PubTopic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pubTopic
}

func (c *Config) SetPubTopic(topic string) {
	c.mu.Lock()
	c.pubTopic = topic
	c.mu.Unlock()
}

func (c *Config) SubTopic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subTopic
}

func (c *Config) SetSubTopic(topic string) {
	c.mu.Lock()
	c.subTopic = topic
	c.mu.Unlock()
}

func (c *Config) QoS() byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.qos
}

// SetQoS only accepts 0, 1 and 2. Anything else is ignored and the current value stays.
func (c *Config) SetQoS(qos int) {
	if qos < 0 || qos > MaxQoS {
		return
	}
	c.mu.Lock()
	c.qos = byte(qos)
	c.mu.Unlock()
}

func (c *Config) CleanSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cleanSession
}

func (c *Config) SetCleanSession(clean bool) {
	c.mu.Lock()
	c.cleanSession = clean
	c.mu.Unlock()
}

func (c *Config) Retained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retained
}

func (c *Config) SetRetained(retained bool) {
	c.mu.Lock()
	c.retained = retained
	c.mu.Unlock()
}

func (c *Config) ConnectionTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionTimeout
}

// SetConnectionTimeout takes milliseconds. Negative values are ignored.
func (c *Config) SetConnectionTimeout(ms int) {
	if ms < 0 {
		return
	}
	c.mu.Lock()
	c.connectionTimeout = time.Duration(ms) * time.Millisecond
	c.mu.Unlock()
}

// PublishTimeout is how long a publish or subscribe waits for the broker. Zero waits forever.
func (c *Config) PublishTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.publishTimeout
}

// SetPublishTimeout takes milliseconds. Negative values are ignored.
func (c *Config) SetPublishTimeout(ms int) {
	if ms < 0 {
		return
	}
	c.mu.Lock()
	c.publishTimeout = time.Duration(ms) * time.Millisecond
	c.mu.Unlock()
}

// ReconnectOnLost makes a consumer run its connect and subscribe sequence again when the
// broker drops the connection. Off by default: a lost connection is only logged.
func (c *Config) ReconnectOnLost() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectOnLost
}

func (c *Config) SetReconnectOnLost(reconnect bool) {
	c.mu.Lock()
	c.reconnectOnLost = reconnect
	c.mu.Unlock()
}

// ReconnectBreaker is the number of consecutive failed producer reconnects after which
// sends fail fast. Zero disables the breaker.
func (c *Config) ReconnectBreaker() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectBreaker
}

func (c *Config) SetReconnectBreaker(failures uint32) {
	c.mu.Lock()
	c.reconnectBreaker = failures
	c.mu.Unlock()
}
