package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/celerway/mqttpipe/connector/config"
	"github.com/celerway/mqttpipe/connector/link"
	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/observability"
)

type ConsumerState int32

const (
	ConsumerStopped ConsumerState = iota
	ConsumerConnecting
	ConsumerSubscribing
	ConsumerActive
	// ConsumerIdle is connected without a subscription because subscribing failed.
	ConsumerIdle
)

func (s ConsumerState) String() string {
	if s < ConsumerStopped || s > ConsumerIdle {
		return "unknown"
	}
	return [...]string{"stopped", "connecting", "subscribing", "active", "idle"}[s]
}

// Consumer subscribes to the configured topic and hands every arriving message to a
// Processor.
type Consumer struct {
	cfg       *config.Config
	processor Processor
	opts      options
	logger    *log.Logger

	mu    sync.Mutex
	state ConsumerState
	link  *link.Link
	// attempt changes on every connect and on Stop. Results of older attempts are stale.
	attempt uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewConsumer(cfg *config.Config, processor Processor, opts ...Option) (*Consumer, error) {
	if processor == nil {
		return nil, ErrNoProcessor
	}
	o := buildOptions(opts)
	return &Consumer{
		cfg:       cfg,
		processor: processor,
		opts:      o,
		logger:    o.logger.WithField("component", "consumer"),
		state:     ConsumerStopped,
	}, nil
}

func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins connecting and returns at once. The subscription is made once the
// connection is up, using the subscribe topic and QoS the config holds at that moment.
// A failed connect is logged and leaves the consumer stopped.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConsumerStopped {
		return fmt.Errorf("%w: consumer is %s", ErrAlreadyStarted, c.state)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	var l *link.Link
	l = link.New(c.cfg, c.opts.linkOptions(c.logger,
		link.WithConnectionLostHandler(func(err error) { c.connectionLost(l, err) }))...)
	c.link = l
	c.logger.Infof("Starting consumer for %s", c.cfg.Host())
	c.connectLocked(l)
	return nil
}

func (c *Consumer) connectLocked(l *link.Link) {
	c.attempt++
	attempt := c.attempt
	c.state = ConsumerConnecting
	result := l.Connect()
	go c.awaitConnect(attempt, l, result)
}

func (c *Consumer) awaitConnect(attempt uint64, l *link.Link, result <-chan error) {
	err := <-result
	c.mu.Lock()
	if attempt != c.attempt {
		c.mu.Unlock()
		if err == nil {
			c.logger.Info("Consumer was stopped while connecting, disconnecting")
			l.Disconnect()
		}
		return
	}
	if err != nil {
		c.state = ConsumerStopped
		c.cancel()
		c.mu.Unlock()
		c.logger.Errorf("Consumer failed to connect to %s: %s", c.cfg.Host(), err)
		return
	}
	c.state = ConsumerSubscribing
	ctx := c.ctx
	c.mu.Unlock()

	topic := c.cfg.SubTopic()
	qos := c.cfg.QoS()
	err = l.Subscribe(topic, qos, c.handler(ctx))

	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt != c.attempt || c.state != ConsumerSubscribing {
		return
	}
	if err != nil {
		c.state = ConsumerIdle
		c.opts.obs.Report(observability.MqttError)
		c.logger.Errorf("Error while subscribing to %s: %s", topic, err)
		return
	}
	c.state = ConsumerActive
	c.logger.Infof("Consumer active on %s (qos %d)", topic, qos)
}

func (c *Consumer) handler(ctx context.Context) link.MessageHandler {
	return func(topic string, payload []byte) {
		c.opts.obs.Report(observability.MqttReceived)
		msg := NewInboundMessage(topic, payload)
		if err := c.process(ctx, msg); err != nil {
			c.opts.obs.Report(observability.MqttError)
			c.logger.Errorf("Processing message from %s failed: %s", topic, err)
			return
		}
		c.logger.Tracef("Processed %d bytes from %s", len(payload), topic)
	}
}

// process keeps processor failures away from the broker callback.
func (c *Consumer) process(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return c.processor.Process(ctx, msg)
}

func (c *Consumer) connectionLost(l *link.Link, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l || c.state == ConsumerStopped {
		return
	}
	if c.cfg.ReconnectOnLost() {
		c.logger.Warnf("Consumer lost connection to %s (%v), reconnecting", c.cfg.Host(), err)
		c.connectLocked(l)
		return
	}
	c.logger.Warnf("Consumer lost connection to %s (%v), stopping", c.cfg.Host(), err)
	c.attempt++
	c.state = ConsumerStopped
	c.cancel()
}

// Stop cancels processing and disconnects without waiting for the disconnect to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConsumerStopped {
		return
	}
	c.logger.Infof("Stopping consumer for %s", c.cfg.Host())
	c.attempt++
	c.state = ConsumerStopped
	c.cancel()
	c.link.Disconnect()
}
