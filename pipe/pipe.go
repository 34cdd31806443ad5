// Package pipe runs an MQTT endpoint against Kafka: everything the consumer receives is
// batched into a Kafka topic, and POST /publish sends request bodies out through the
// producer.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/celerway/mqttpipe/connector"
	"github.com/celerway/mqttpipe/connector/config"
	"github.com/celerway/mqttpipe/kafka"
	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/observability"
	"github.com/gorilla/mux"
)

const maxPublishBody = 1 << 20

type observabilityService interface {
	Run(ctx context.Context)
	Router() *mux.Router
	Ready()
}

func New(params Params) *Pipe {
	logger := params.Logger
	if logger == nil {
		logger = log.Discard()
	}
	cfg := params.Config
	if cfg == nil {
		cfg = config.New()
	}
	p := &Pipe{
		params:  params,
		kafkaCh: make(kafka.MessageChannel),
		obsCh:   observability.GetChannel(100),
		logger:  logger,
	}
	p.obs = observability.Initialize(observability.Params{
		Channel:    p.obsCh,
		HealthPort: params.HealthPort,
		Logger:     logger.WithField("module", "observability"),
	})
	p.sink = kafka.New(kafka.Params{
		Broker:           params.KafkaBroker,
		Port:             params.KafkaPort,
		Topic:            params.KafkaTopic,
		Writer:           params.KafkaWriter,
		Channel:          p.kafkaCh,
		BatchSize:        params.KafkaBatchSize,
		MaxBatchSize:     params.KafkaMaxBatchSize,
		Interval:         params.KafkaInterval,
		RetryInterval:    params.KafkaRetryInterval,
		TestMessageTopic: params.KafkaTestTopic,
		ObsChannel:       p.obsCh,
		Logger:           logger.WithField("module", "kafka"),
	})
	opts := []connector.Option{
		connector.WithLogger(logger.WithField("module", "mqtt")),
		connector.WithObservability(p.obsCh),
	}
	if params.ClientFactory != nil {
		opts = append(opts, connector.WithClientFactory(params.ClientFactory))
	}
	p.endpoint = connector.NewEndpointWithConfig(params.EndpointName, cfg, opts...)
	if params.Publish {
		p.producer = p.endpoint.CreateProducer()
		p.obs.Router().HandleFunc("/publish", p.publishHandler).Methods(http.MethodPost)
	}
	return p
}

// Router serves /metrics, /healthz and, when publishing is enabled, /publish.
func (p *Pipe) Router() *mux.Router {
	return p.obs.Router()
}

// Run blocks until ctx is cancelled or a component fails to start.
func (p *Pipe) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	// runs last: the consumer and producer are stopped before the workers go away.
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.obs.Run(runCtx)
	}()

	sinkErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sinkErr <- p.sink.Run(runCtx)
	}()

	consumer, err := p.endpoint.CreateConsumer(connector.ProcessorFunc(p.forward))
	if err != nil {
		return err
	}
	p.consumer = consumer
	if err := consumer.Start(); err != nil {
		return err
	}
	defer consumer.Stop()
	if p.producer != nil {
		if err := p.producer.Start(); err != nil {
			return fmt.Errorf("publisher: %w", err)
		}
		defer p.producer.Stop()
	}
	p.obs.Ready()
	p.logger.Infof("Pipe %s running", p.endpoint.Name())

	select {
	case <-ctx.Done():
		p.logger.Info("Shutting down")
		return nil
	case err := <-sinkErr:
		if err == nil {
			err = errors.New("kafka sink stopped")
		}
		return fmt.Errorf("kafka: %w", err)
	}
}

// forward hands an inbound message to the kafka sink. It blocks while the sink is busy,
// which holds back the subscription.
func (p *Pipe) forward(ctx context.Context, msg *connector.Message) error {
	payload, _ := msg.Payload()
	kmsg := kafka.Message{
		Topic:    msg.Topic,
		Content:  payload,
		Received: time.Now(),
	}
	select {
	case p.kafkaCh <- kmsg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) publishHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	if err := p.producer.Send(connector.NewMessage(body)); err != nil {
		p.logger.Warnf("Publish request failed: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
