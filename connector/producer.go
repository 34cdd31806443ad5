package connector

import (
	"fmt"
	"sync"
	"time"

	"github.com/celerway/mqttpipe/connector/config"
	"github.com/celerway/mqttpipe/connector/link"
	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/observability"
	"github.com/pingcap/failpoint"
	"github.com/sony/gobreaker"
)

const (
	maxSendAttempts = 2
	breakerTimeout  = 30 * time.Second
)

// FailpointBeforePublish sits between the connected check and the publish in Send.
// Enabled with "return(ms)" it holds the send for ms milliseconds.
const FailpointBeforePublish = "github.com/celerway/mqttpipe/connector/beforePublish"

// Producer publishes messages to the configured topic. A send on a dropped connection
// reconnects once before giving up.
type Producer struct {
	cfg     *config.Config
	opts    options
	logger  *log.Logger
	breaker *gobreaker.CircuitBreaker

	mu   sync.RWMutex
	link *link.Link

	reconnectMu sync.Mutex
}

func NewProducer(cfg *config.Config, opts ...Option) *Producer {
	o := buildOptions(opts)
	p := &Producer{
		cfg:    cfg,
		opts:   o,
		logger: o.logger.WithField("component", "producer"),
	}
	if threshold := cfg.ReconnectBreaker(); threshold > 0 {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "reconnect " + cfg.EndpointName(),
			MaxRequests: 1,
			Interval:    0,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				p.logger.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
			},
		})
	}
	return p
}

// Start connects and blocks until the connection is up or has failed.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil {
		return fmt.Errorf("%w: producer for %s", ErrAlreadyStarted, p.cfg.Host())
	}
	l := link.New(p.cfg, p.opts.linkOptions(p.logger)...)
	if err := <-l.Connect(); err != nil {
		p.logger.Errorf("Producer could not connect to %s: %s", p.cfg.Host(), err)
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	p.link = l
	p.logger.Infof("Producer connected to %s", p.cfg.Host())
	return nil
}

func (p *Producer) currentLink() *link.Link {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link
}

// Send publishes the message body to the configured publish topic. A message without
// a byte payload is skipped and is not an error. Any failure is final: the message has
// not been published and the caller decides whether to try again.
func (p *Producer) Send(msg *Message) error {
	l := p.currentLink()
	if l == nil {
		return fmt.Errorf("%w: producer not started", ErrSendFailed)
	}
	payload, ok := msg.Payload()
	if !ok {
		p.logger.Info("No valid data to publish, is the message body convertible to bytes?")
		return nil
	}
	topic := p.cfg.PubTopic()
	qos := p.cfg.QoS()
	retained := p.cfg.Retained()

	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if l.IsConnected() {
			if val, err := failpoint.Eval(FailpointBeforePublish); err == nil {
				if ms, ok := val.(int); ok {
					time.Sleep(time.Duration(ms) * time.Millisecond)
				}
			}
			if err := l.Publish(topic, payload, qos, retained); err != nil {
				return p.sendFailed(fmt.Errorf("%w: %w", ErrSendFailed, err))
			}
			p.opts.obs.Report(observability.MqttPublished)
			return nil
		}
		if attempt == maxSendAttempts {
			break
		}
		p.logger.Info("Client is not connected, reconnecting")
		if err := p.reconnect(l); err != nil {
			return p.sendFailed(fmt.Errorf("%w: reconnect: %w", ErrSendFailed, err))
		}
	}
	return p.sendFailed(fmt.Errorf("%w: %w after reconnect", ErrSendFailed, link.ErrNotConnected))
}

func (p *Producer) sendFailed(err error) error {
	p.opts.obs.Report(observability.MqttPublishError)
	p.logger.Errorf("Send to %s failed: %s", p.cfg.PubTopic(), err)
	return err
}

// reconnect lets one sender at a time reconnect. A sender that waited while another one
// reconnected finds the link up and returns.
func (p *Producer) reconnect(l *link.Link) error {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()
	if l.IsConnected() {
		return nil
	}
	connect := func() (interface{}, error) {
		p.opts.obs.Report(observability.MqttReconnect)
		return nil, <-l.Connect()
	}
	if p.breaker == nil {
		_, err := connect()
		return err
	}
	_, err := p.breaker.Execute(connect)
	return err
}

// Stop disconnects and waits for the disconnect to finish. The producer can be started
// again afterwards.
func (p *Producer) Stop() {
	p.mu.Lock()
	l := p.link
	p.link = nil
	p.mu.Unlock()
	if l == nil || !l.IsConnected() {
		return
	}
	p.logger.Infof("Disconnecting producer from %s", p.cfg.Host())
	<-l.Disconnect()
}
