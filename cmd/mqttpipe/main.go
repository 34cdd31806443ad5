package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/celerway/mqttpipe/connector/config"
	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/pipe"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

var logger = log.NewWithPrefix(os.Stdout, os.Stderr, "main")

func setOptionStr(paramPtr *string, defaultValue, name, env string) string {
	ret := *paramPtr
	if ret == "" {
		ret = os.Getenv(env)
	}
	if ret == "" {
		ret = defaultValue
	}
	logger.Debugf("Option '%s' set to '%s'", name, ret)
	return ret
}

func setOptionInt(paramPtr *int, defaultValue int, name, env string) int {
	ret := *paramPtr
	if ret == 0 {
		if val, ok := os.LookupEnv(env); ok {
			var err error
			ret, err = strconv.Atoi(val)
			if err != nil {
				logger.Fatalf("Could not make sense of ENV{%s}: %s", env, val)
			}
		}
	}
	if ret == 0 {
		ret = defaultValue
	}
	logger.Debugf("Option '%s' set to %d", name, ret)
	return ret
}

func setOptionBool(paramPtr *bool, defaultValue bool, name, env string) bool {
	ret := *paramPtr
	if !ret {
		if val, ok := os.LookupEnv(env); ok {
			ret = strings.ToUpper(val) == "TRUE"
		} else {
			ret = defaultValue
		}
	}
	logger.Debugf("Option '%s' is set to '%v'", name, ret)
	return ret
}

func setOptionDuration(paramPtr *time.Duration, defaultValue time.Duration, name, env string) time.Duration {
	ret := *paramPtr
	if ret == 0 {
		if val, ok := os.LookupEnv(env); ok {
			var err error
			ret, err = time.ParseDuration(val)
			if err != nil {
				logger.Fatalf("Could not make sense of ENV{%s}: %s", env, val)
			}
		}
	}
	if ret == 0 {
		ret = defaultValue
	}
	logger.Debugf("Option '%s' set to %v", name, ret)
	return ret
}

// loadConfig builds the endpoint config from a YAML file or an endpoint URI, then
// applies the single-option overrides.
func loadConfig(configFile, endpointURI string, overrides map[string]string) (string, *config.Config, error) {
	name := "mqttpipe"
	cfg := config.New()
	switch {
	case configFile != "" && endpointURI != "":
		return "", nil, errors.New("use either a config file or an endpoint uri, not both")
	case configFile != "":
		f, err := os.Open(configFile)
		if err != nil {
			return "", nil, err
		}
		defer f.Close()
		if cfg, err = config.LoadYAML(f); err != nil {
			return "", nil, fmt.Errorf("%s: %w", configFile, err)
		}
	case endpointURI != "":
		var err error
		if name, cfg, err = config.ParseURI(endpointURI); err != nil {
			return "", nil, err
		}
	}
	for k, v := range overrides {
		if v == "" {
			delete(overrides, k)
		}
	}
	if err := cfg.Apply(overrides); err != nil {
		return "", nil, err
	}
	if cfg.EndpointName() == config.DefaultEndpointName {
		// several instances share a broker, the client id has to be unique.
		cfg.SetEndpointName("mqttpipe-" + uuid.NewString())
	}
	return name, cfg, nil
}

func main() {
	err := godotenv.Load()
	logger.Info("mqttpipe starting up.")
	if err != nil {
		logger.Infof("Error loading .env file, assuming production: %s", err.Error())
	}

	logLevelPtr := flag.String("loglevel", "", "Log level (trace|debug|info|warn|error)")
	configFilePtr := flag.String("config", "", "YAML file with endpoint options")
	endpointPtr := flag.String("endpoint", "", "Endpoint URI, e.g. mqtt:name?host=broker:1883&subTopicName=a/%23")
	mqttHostPtr := flag.String("mqtt-host", "", "MQTT broker (host:port or url)")
	clientIDPtr := flag.String("client-id", "", "MQTT client id")
	subTopicPtr := flag.String("mqtt-sub-topic", "", "Topic filter to forward to kafka")
	pubTopicPtr := flag.String("mqtt-pub-topic", "", "Topic POST /publish sends to")
	publishPtr := flag.Bool("publish", false, "Serve POST /publish")
	kafkaBrokerPtr := flag.String("kafka-broker", "", "Kafka broker")
	kafkaPortPtr := flag.Int("kafka-port", 0, "Kafka port")
	kafkaTopicPtr := flag.String("kafka-topic", "", "Kafka topic")
	kafkaBatchSizePtr := flag.Int("kafka-batch-size", 0, "Messages per write")
	kafkaMaxBatchSizePtr := flag.Int("kafka-max-batch-size", 0, "Max messages in a single write")
	kafkaIntervalPtr := flag.Duration("kafka-interval", 0, "Max time between writes")
	kafkaRetryIntervalPtr := flag.Duration("kafka-retry-interval", 0, "Time between retries while kafka is failing")
	kafkaTestTopicPtr := flag.String("kafka-test-topic", "", "MQTT topic of the startup probe message")
	healthPortPtr := flag.Int("health-port", 0, "Port for /metrics, /healthz and /publish")
	flag.Parse()

	logLevel := setOptionStr(logLevelPtr, "info", "log level", "LOG_LEVEL")
	if err := logger.SetLevelFromString(logLevel); err != nil {
		logger.Fatalf("Unknown loglevel: %s", logLevel)
	}
	paho.ERROR = logger.WithField("module", "paho").Printer(log.ErrorLevel)
	paho.CRITICAL = logger.WithField("module", "paho").Printer(log.ErrorLevel)
	paho.WARN = logger.WithField("module", "paho").Printer(log.WarnLevel)

	name, cfg, err := loadConfig(
		setOptionStr(configFilePtr, "", "config file", "MQTT_CONFIG"),
		setOptionStr(endpointPtr, "", "endpoint", "MQTT_ENDPOINT"),
		map[string]string{
			config.OptHost:     setOptionStr(mqttHostPtr, "", "mqtt host", "MQTT_HOST"),
			config.OptClientID: setOptionStr(clientIDPtr, "", "mqtt client id", "MQTT_CLIENT_ID"),
			config.OptSubTopic: setOptionStr(subTopicPtr, "", "mqtt sub topic", "MQTT_SUB_TOPIC"),
			config.OptPubTopic: setOptionStr(pubTopicPtr, "", "mqtt pub topic", "MQTT_PUB_TOPIC"),
		})
	if err != nil {
		logger.Fatalf("Endpoint configuration: %s", err)
	}

	params := pipe.Params{
		EndpointName:       name,
		Config:             cfg,
		Publish:            setOptionBool(publishPtr, false, "publish", "PUBLISH"),
		KafkaBroker:        setOptionStr(kafkaBrokerPtr, "localhost", "kafka broker", "KAFKA_BROKER"),
		KafkaPort:          setOptionInt(kafkaPortPtr, 9092, "kafka port", "KAFKA_PORT"),
		KafkaTopic:         setOptionStr(kafkaTopicPtr, "mqtt", "kafka topic", "KAFKA_TOPIC"),
		KafkaBatchSize:     setOptionInt(kafkaBatchSizePtr, 100, "kafka batch size", "KAFKA_BATCH_SIZE"),
		KafkaMaxBatchSize:  setOptionInt(kafkaMaxBatchSizePtr, 1000, "kafka max batch size", "KAFKA_MAX_BATCH_SIZE"),
		KafkaInterval:      setOptionDuration(kafkaIntervalPtr, time.Second, "kafka interval", "KAFKA_INTERVAL"),
		KafkaRetryInterval: setOptionDuration(kafkaRetryIntervalPtr, 10*time.Second, "kafka retry interval", "KAFKA_RETRY_INTERVAL"),
		KafkaTestTopic:     setOptionStr(kafkaTestTopicPtr, "test", "kafka test topic", "KAFKA_TEST_TOPIC"),
		HealthPort:         setOptionInt(healthPortPtr, 8080, "health port", "HEALTH_PORT"),
		Logger:             logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Debugf("Starting pipe %s against %s", name, cfg.Host())
	err = pipe.New(params).Run(ctx)
	logger.Infof("Program exiting. There are currently %d goroutines", runtime.NumGoroutine())
	if err != nil {
		logger.Errorf("Pipe failed: %s", err)
		os.Exit(1)
	}
}
