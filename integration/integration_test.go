//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"
	"github.com/celerway/mqttpipe/connector"
	"github.com/celerway/mqttpipe/connector/config"
	"github.com/celerway/mqttpipe/kafka"
	"github.com/celerway/mqttpipe/observability"
	"github.com/celerway/mqttpipe/pipe"
	paho "github.com/eclipse/paho.mqtt.golang"
	is2 "github.com/matryer/is"
	gokafka "github.com/segmentio/kafka-go"
)

const waitTimeout = 10 * time.Second

func getRandomString(length int) string {
	var letters = []rune("0123456789abcdefghijklmnopqrstuvwxyz")
	b := make([]rune, length)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// testConfig points at the proxy. Every test gets its own topic and client id.
func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	topic := "mqttpipe/it/" + getRandomString(12)
	cfg := config.New()
	cfg.SetHost(fmt.Sprintf("localhost:%d", proxyPort))
	cfg.SetEndpointName("it-" + getRandomString(8))
	cfg.SetSubTopic(topic + "/#")
	cfg.SetPubTopic(topic + "/out")
	cfg.SetQoS(1)
	cfg.SetConnectionTimeout(2000)
	return cfg, topic
}

// getMqttClient connects to the broker directly, bypassing the proxy.
func getMqttClient(t *testing.T) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://localhost:%d", brokerPort))
	opts.SetClientID("it-direct-" + getRandomString(8))
	opts.SetOrderMatters(true)
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		t.Fatalf("direct client: %s", token.Error())
	}
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func injectMessage(t *testing.T, client paho.Client, topic, message string) {
	t.Helper()
	token := client.Publish(topic, 1, false, message)
	if !token.WaitTimeout(waitTimeout) || token.Error() != nil {
		t.Fatalf("inject on %s: %v", topic, token.Error())
	}
}

// subscribe collects what the broker delivers on topic.
func subscribe(t *testing.T, client paho.Client, topic string) <-chan paho.Message {
	t.Helper()
	ch := make(chan paho.Message, 100)
	token := client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		ch <- msg
	})
	if !token.WaitTimeout(waitTimeout) || token.Error() != nil {
		t.Fatalf("subscribe %s: %v", topic, token.Error())
	}
	return ch
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// waitForStatus drains ch until want shows up.
func waitForStatus(ch observability.Channel, want observability.StatusMessage) bool {
	timeout := time.After(waitTimeout)
	for {
		select {
		case msg := <-ch:
			if msg == want {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

func getProxy(t *testing.T) *toxiproxy.Proxy {
	t.Helper()
	proxy, err := toxiClient.Proxy(proxyName)
	if err != nil {
		t.Fatalf("toxiproxy: %s", err)
	}
	return proxy
}

type collector struct {
	mu   sync.Mutex
	msgs []*connector.Message
}

func (c *collector) Process(_ context.Context, msg *connector.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) get(i int) *connector.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

func TestConsumer_InOrder(t *testing.T) {
	is := is2.New(t)
	cfg, topic := testConfig(t)
	rec := &collector{}
	consumer, err := connector.NewConsumer(cfg, rec, connector.WithLogger(logger))
	is.NoErr(err)
	is.NoErr(consumer.Start())
	defer consumer.Stop()
	is.True(waitFor(func() bool { return consumer.State() == connector.ConsumerActive }))

	client := getMqttClient(t)
	const noOfMessages = 200
	for i := 0; i < noOfMessages; i++ {
		injectMessage(t, client, topic+"/data", fmt.Sprintf("message %d", i))
	}
	is.True(waitFor(func() bool { return rec.count() == noOfMessages }))
	for i := 0; i < noOfMessages; i++ {
		msg := rec.get(i)
		is.Equal(msg.Topic, topic+"/data")
		payload, ok := msg.Payload()
		is.True(ok)
		is.Equal(string(payload), fmt.Sprintf("message %d", i))
	}
}

// A reset connection triggers one reconnect. While the toxic is in place that attempt
// fails too, and the consumer stops. It can be started again once the network is back.
func TestConsumer_ResetPeer(t *testing.T) {
	is := is2.New(t)
	cfg, topic := testConfig(t)
	cfg.SetReconnectOnLost(true)
	obs := observability.GetChannel(100)
	rec := &collector{}
	consumer, err := connector.NewConsumer(cfg, rec, connector.WithLogger(logger), connector.WithObservability(obs))
	is.NoErr(err)
	is.NoErr(consumer.Start())
	defer consumer.Stop()
	is.True(waitFor(func() bool { return consumer.State() == connector.ConsumerActive }))

	client := getMqttClient(t)
	injectMessage(t, client, topic+"/a", "before")
	is.True(waitFor(func() bool { return rec.count() == 1 }))

	proxy := getProxy(t)
	_, err = proxy.AddToxic("reset", "reset_peer", "", 1, toxiproxy.Attributes{})
	is.NoErr(err)
	injectMessage(t, client, topic+"/a", "reset") // traffic so toxiproxy resets the connection
	is.True(waitForStatus(obs, observability.MqttConnectionLost))
	is.True(waitFor(func() bool { return consumer.State() == connector.ConsumerStopped }))
	is.NoErr(proxy.RemoveToxic("reset"))

	is.NoErr(consumer.Start())
	is.True(waitFor(func() bool { return consumer.State() == connector.ConsumerActive }))
	injectMessage(t, client, topic+"/a", "after")
	is.True(waitFor(func() bool {
		n := rec.count()
		if n == 0 {
			return false
		}
		payload, _ := rec.get(n - 1).Payload()
		return string(payload) == "after"
	}))
}

// A send on a dropped connection reconnects and goes through.
func TestProducer_Reconnect(t *testing.T) {
	is := is2.New(t)
	cfg, _ := testConfig(t)
	obs := observability.GetChannel(100)
	endpoint := connector.NewEndpointWithConfig("it", cfg, connector.WithLogger(logger), connector.WithObservability(obs))
	producer := endpoint.CreateProducer()
	is.NoErr(producer.Start())
	defer producer.Stop()

	received := subscribe(t, getMqttClient(t), cfg.PubTopic())
	is.NoErr(producer.Send(connector.NewMessage("first")))
	select {
	case msg := <-received:
		is.Equal(string(msg.Payload()), "first")
	case <-time.After(waitTimeout):
		t.Fatal("first message never arrived")
	}

	proxy := getProxy(t)
	is.NoErr(proxy.Disable())
	is.True(waitForStatus(obs, observability.MqttConnectionLost))
	is.NoErr(proxy.Enable())

	is.NoErr(producer.Send(connector.NewMessage("second")))
	is.True(waitForStatus(obs, observability.MqttReconnect))
	select {
	case msg := <-received:
		is.Equal(string(msg.Payload()), "second")
	case <-time.After(waitTimeout):
		t.Fatal("second message never arrived")
	}
}

// With the broker out of reach the send fails after its one reconnect.
func TestProducer_BrokerDown(t *testing.T) {
	is := is2.New(t)
	cfg, _ := testConfig(t)
	producer := connector.NewProducer(cfg, connector.WithLogger(logger))
	is.NoErr(producer.Start())
	defer producer.Stop()

	proxy := getProxy(t)
	is.NoErr(proxy.Disable())
	defer func() { _ = proxy.Enable() }()
	time.Sleep(500 * time.Millisecond)
	err := producer.Send(connector.NewMessage("lost"))
	is.True(errors.Is(err, connector.ErrSendFailed))
}

type kafkaWriter struct {
	mu   sync.Mutex
	msgs []gokafka.Message
}

func (w *kafkaWriter) WriteMessages(_ context.Context, msgs ...gokafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *kafkaWriter) find(topic string) (kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.msgs {
		var msg kafka.Message
		if err := json.Unmarshal(m.Value, &msg); err == nil && msg.Topic == topic {
			return msg, true
		}
	}
	return kafka.Message{}, false
}

func TestPipe(t *testing.T) {
	is := is2.New(t)
	cfg, topic := testConfig(t)
	healthPort := rand.Intn(10000) + 50000
	writer := &kafkaWriter{}
	p := pipe.New(pipe.Params{
		EndpointName:   "it-pipe",
		Config:         cfg,
		Publish:        true,
		KafkaWriter:    writer,
		KafkaBatchSize: 1,
		KafkaInterval:  10 * time.Millisecond,
		HealthPort:     healthPort,
		Logger:         logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()
	base := fmt.Sprintf("http://localhost:%d", healthPort)
	is.True(waitFor(func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}))

	client := getMqttClient(t)
	received := subscribe(t, client, cfg.PubTopic())
	// the consumer subscribes asynchronously after healthz turns green
	time.Sleep(500 * time.Millisecond)
	injectMessage(t, client, topic+"/sensor", `{"temp":21}`)
	is.True(waitFor(func() bool {
		_, ok := writer.find(topic + "/sensor")
		return ok
	}))
	msg, _ := writer.find(topic + "/sensor")
	is.Equal(string(msg.Content), `{"temp":21}`)

	resp, err := http.Post(base+"/publish", "text/plain", strings.NewReader("reboot"))
	is.NoErr(err)
	_ = resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusNoContent)
	select {
	case m := <-received:
		is.Equal(string(m.Payload()), "reboot")
	case <-time.After(waitTimeout):
		t.Fatal("published message never arrived")
	}

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(waitTimeout):
		t.Fatal("pipe did not shut down")
	}
}
