package pipe

import (
	"time"

	"github.com/celerway/mqttpipe/connector"
	"github.com/celerway/mqttpipe/connector/config"
	"github.com/celerway/mqttpipe/connector/link"
	"github.com/celerway/mqttpipe/kafka"
	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/observability"
)

type Params struct {
	EndpointName string
	Config       *config.Config
	// Publish starts a producer and serves POST /publish.
	Publish bool

	KafkaBroker        string
	KafkaPort          int
	KafkaTopic         string
	KafkaBatchSize     int
	KafkaMaxBatchSize  int
	KafkaInterval      time.Duration
	KafkaRetryInterval time.Duration
	KafkaTestTopic     string
	// KafkaWriter replaces the kafka-go writer, for tests.
	KafkaWriter kafka.Writer

	HealthPort    int
	ClientFactory link.ClientFactory
	Logger        *log.Logger
}

type Pipe struct {
	params   Params
	endpoint *connector.Endpoint
	consumer *connector.Consumer
	producer *connector.Producer
	sink     *kafka.Sink
	kafkaCh  kafka.MessageChannel
	obsCh    observability.Channel
	obs      observabilityService
	logger   *log.Logger
}
