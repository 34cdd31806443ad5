package connector

import (
	"errors"

	"github.com/celerway/mqttpipe/connector/link"
	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/observability"
)

var (
	ErrAlreadyStarted = errors.New("connector: already started")
	ErrStartFailed    = errors.New("connector: start failed")
	ErrSendFailed     = errors.New("connector: send failed")
	ErrNoProcessor    = errors.New("connector: no processor")
	ErrProcessorPanic = errors.New("connector: processor panicked")
)

type options struct {
	logger        *log.Logger
	obs           observability.Channel
	clientFactory link.ClientFactory
}

// Option configures consumers and producers.
type Option func(*options)

func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObservability makes consumers and producers report status messages on ch.
func WithObservability(ch observability.Channel) Option {
	return func(o *options) {
		o.obs = ch
	}
}

// WithClientFactory replaces the paho client, mostly for tests.
func WithClientFactory(f link.ClientFactory) Option {
	return func(o *options) {
		o.clientFactory = f
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Discard()
	}
	return o
}

func (o options) linkOptions(logger *log.Logger, extra ...link.Option) []link.Option {
	return append([]link.Option{
		link.WithLogger(logger),
		link.WithObservability(o.obs),
		link.WithClientFactory(o.clientFactory),
	}, extra...)
}
