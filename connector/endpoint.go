// Package connector moves messages between an MQTT broker and application code.
//
// An Endpoint is built from a URI such as
//
//	mqtt:sensors?host=broker:1883&subTopicName=sensors/%23&pubTopicName=commands
//
// and creates Consumers, which subscribe and feed a Processor, and Producers, which
// publish. Every consumer and producer owns its own broker connection.
package connector

import "github.com/celerway/mqttpipe/connector/config"

type Endpoint struct {
	name string
	cfg  *config.Config
	opts []Option
}

func NewEndpoint(uri string, opts ...Option) (*Endpoint, error) {
	name, cfg, err := config.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return NewEndpointWithConfig(name, cfg, opts...), nil
}

func NewEndpointWithConfig(name string, cfg *config.Config, opts ...Option) *Endpoint {
	return &Endpoint{name: name, cfg: cfg, opts: opts}
}

func (e *Endpoint) Name() string {
	return e.name
}

// Config is shared with everything the endpoint creates. Changes show up the next time
// a consumer or producer reads a value.
func (e *Endpoint) Config() *config.Config {
	return e.cfg
}

func (e *Endpoint) CreateConsumer(processor Processor) (*Consumer, error) {
	return NewConsumer(e.cfg, processor, e.opts...)
}

func (e *Endpoint) CreateProducer() *Producer {
	return NewProducer(e.cfg, e.opts...)
}
