// Package observability counts what the connector does and serves it over HTTP.
//
// Components report StatusMessages on a Channel. Run drains the channel into prometheus
// counters and serves /metrics and /healthz until its context is cancelled.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/celerway/mqttpipe/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func GetChannel(size int) Channel {
	return make(Channel, size)
}

func Initialize(params Params) *observability {
	reg := prometheus.NewRegistry()
	logger := params.Logger
	if logger == nil {
		logger = log.Discard()
	}
	obs := &observability{
		channel:    params.Channel,
		logger:     logger,
		healthPort: params.HealthPort,
		promReg:    reg,
		router:     mux.NewRouter().StrictSlash(true),
	}
	factory := promauto.With(reg)
	obs.mqttReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_received",
		Help: "Number of MQTT messages handed to the pipeline",
	})
	obs.mqttErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_errors",
		Help: "Number of failed connects, subscribes and rejected inbound messages",
	})
	obs.mqttPublished = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_published",
		Help: "Number of messages published to the broker",
	})
	obs.mqttPublishErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_publish_errors",
		Help: "Number of sends that failed",
	})
	obs.mqttReconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reconnects",
		Help: "Number of reconnects triggered by a send on a dropped link",
	})
	obs.mqttConnectionLost = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connection_lost",
		Help: "Number of times the broker connection was lost",
	})
	obs.mqttState = factory.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_state",
		Help: "MQTT status (0 is OK)",
	})
	obs.kafkaSent = factory.NewCounter(prometheus.CounterOpts{
		Name: "kafka_sent",
		Help: "Number of batches sent to kafka",
	})
	obs.kafkaErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "kafka_errors",
		Help: "No of errors encountered with Kafka",
	})
	obs.kafkaState = factory.NewGauge(prometheus.GaugeOpts{
		Name: "kafka_state",
		Help: "Kafka status (0 is OK)",
	})
	obs.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	obs.router.HandleFunc("/healthz", obs.HealthzHandler)
	return obs
}

// Router is the router served by Run. Add routes before calling Run.
func (obs *observability) Router() *mux.Router {
	return obs.router
}

// Run blocks until ctx is cancelled.
func (obs *observability) Run(ctx context.Context) {
	obs.logger.Debug("Observability worker is running")
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-obs.channel:
				obs.handleChannelMessage(msg)
			}
		}
	}()
	if obs.healthPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.runHttpServer(ctx)
		}()
	}
	wg.Wait()
	obs.Cleanup()
	obs.logger.Info("Observability worker is done")
}

// runHttpServer serves the router until the context is cancelled.
func (obs *observability) runHttpServer(ctx context.Context) {
	listenPort := fmt.Sprintf(":%d", obs.healthPort)
	obs.logger.Infof("Observability service attempting to listen to port %s", listenPort)
	srv := &http.Server{
		Addr:              listenPort,
		Handler:           obs.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			obs.logger.Errorf("Observability service: %s", err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.logger.Errorf("Observability service shutdown error: %s", err)
	}
	wg.Wait()
}

// Cleanup unregisters the collectors. Several pipes run in one test binary.
func (obs *observability) Cleanup() {
	obs.logger.Debug("De-registering prometheus collectors")
	for _, c := range []prometheus.Collector{
		obs.mqttReceived, obs.mqttErrors, obs.mqttPublished, obs.mqttPublishErrors,
		obs.mqttReconnects, obs.mqttConnectionLost, obs.mqttState,
		obs.kafkaSent, obs.kafkaErrors, obs.kafkaState,
	} {
		obs.promReg.Unregister(c)
	}
}

func (obs *observability) handleChannelMessage(msg StatusMessage) {
	obs.logger.Tracef("Observability received %s", msg)

	switch msg {
	case MqttReceived:
		obs.mqttReceived.Inc()
		obs.mqttState.Set(0)
	case MqttError:
		obs.mqttErrors.Inc()
	case MqttPublished:
		obs.mqttPublished.Inc()
		obs.mqttState.Set(0)
	case MqttPublishError:
		obs.mqttPublishErrors.Inc()
	case MqttReconnect:
		obs.mqttReconnects.Inc()
	case MqttConnectionLost:
		obs.mqttConnectionLost.Inc()
		obs.mqttState.Set(1)
	case KafkaSent:
		obs.kafkaSent.Inc()
		obs.kafkaState.Set(0)
	case KafkaError:
		obs.kafkaErrors.Inc()
		obs.kafkaState.Set(1)
	default:
		obs.logger.Errorf("Observability: Unknown message received: %d", msg)
	}
}

func (obs *observability) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	if obs.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	} else {
		w.WriteHeader(http.StatusLocked)
		_, _ = w.Write([]byte("not ready"))
	}
}

func (obs *observability) Ready() {
	obs.ready.Store(true)
}
