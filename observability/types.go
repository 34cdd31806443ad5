package observability

import (
	"sync/atomic"

	"github.com/celerway/mqttpipe/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type Channel chan StatusMessage

type StatusMessage int

const (
	MqttReceived StatusMessage = iota
	MqttError
	MqttPublished
	MqttPublishError
	MqttReconnect
	MqttConnectionLost
	KafkaSent
	KafkaError
)

func (d StatusMessage) String() string {
	if d < MqttReceived || d > KafkaError {
		return "Unknown"
	}
	return [...]string{"MqttReceived", "MqttError", "MqttPublished", "MqttPublishError",
		"MqttReconnect", "MqttConnectionLost", "KafkaSent", "KafkaError"}[d]
}

// Report hands msg to the observability worker. It never blocks: the callers are broker
// callbacks and pipeline workers, and a full channel drops the status. A nil channel is fine.
func (ch Channel) Report(msg StatusMessage) {
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

type Params struct {
	Channel    Channel
	HealthPort int
	Logger     *log.Logger
}

type observability struct {
	channel            Channel
	mqttReceived       prometheus.Counter
	mqttErrors         prometheus.Counter
	mqttPublished      prometheus.Counter
	mqttPublishErrors  prometheus.Counter
	mqttReconnects     prometheus.Counter
	mqttConnectionLost prometheus.Counter
	mqttState          prometheus.Gauge
	kafkaSent          prometheus.Counter
	kafkaErrors        prometheus.Counter
	kafkaState         prometheus.Gauge
	logger             *log.Logger
	ready              atomic.Bool
	healthPort         int
	promReg            *prometheus.Registry
	router             *mux.Router
}
