package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/observability"
	gokafka "github.com/segmentio/kafka-go"
)

// Message is the JSON document written to Kafka for every MQTT message.
type Message struct {
	Topic    string    `json:"topic"`
	Content  []byte    `json:"content"`
	Received time.Time `json:"received,omitempty"`
}

func (msg Message) String() string {
	return fmt.Sprintf("Topic: %s, payload %s", msg.Topic, string(msg.Content))
}

type MessageChannel chan Message

// Writer is the part of *gokafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...gokafka.Message) error
}

type Params struct {
	Broker string
	Port   int
	Topic  string
	// Writer overrides the writer built from Broker, Port and Topic.
	Writer Writer

	Channel       MessageChannel
	BatchSize     int
	MaxBatchSize  int
	Interval      time.Duration
	RetryInterval time.Duration
	WriteTimeout  time.Duration
	// TestMessageTopic is the MQTT topic of the probe message written at startup.
	TestMessageTopic string

	ObsChannel observability.Channel
	Logger     *log.Logger
}

type Sink struct {
	C                    MessageChannel
	writer               Writer
	buffer               []gokafka.Message
	batchSize            int
	maxBatchSize         int
	interval             time.Duration
	failureRetryInterval time.Duration
	writeTimeout         time.Duration
	failureState         bool
	failures             int
	lastSendAttempt      time.Time
	testMessageTopic     string
	obsChannel           observability.Channel
	logger               *log.Logger
}
