// Package kafka batches messages from a channel and writes them to a Kafka topic.
//
// The sink keeps messages in order. While Kafka is failing it keeps buffering and
// retries at most once per retry interval; a successful write clears the failure state.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/celerway/mqttpipe/log"
	"github.com/celerway/mqttpipe/observability"
	gokafka "github.com/segmentio/kafka-go"
)

const (
	defaultBatchSize     = 100
	defaultMaxBatchSize  = 1000
	defaultInterval      = time.Second
	defaultRetryInterval = 10 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultTestTopic     = "test"
)

func New(p Params) *Sink {
	logger := p.Logger
	if logger == nil {
		logger = log.Discard()
	}
	s := &Sink{
		C:                    p.Channel,
		writer:               p.Writer,
		batchSize:            orDefault(p.BatchSize, defaultBatchSize),
		maxBatchSize:         orDefault(p.MaxBatchSize, defaultMaxBatchSize),
		interval:             orDefault(p.Interval, defaultInterval),
		failureRetryInterval: orDefault(p.RetryInterval, defaultRetryInterval),
		writeTimeout:         orDefault(p.WriteTimeout, defaultWriteTimeout),
		testMessageTopic:     p.TestMessageTopic,
		obsChannel:           p.ObsChannel,
		logger:               logger,
	}
	if s.testMessageTopic == "" {
		s.testMessageTopic = defaultTestTopic
	}
	if s.C == nil {
		s.C = make(MessageChannel)
	}
	s.buffer = make([]gokafka.Message, 0, s.batchSize)
	if s.writer == nil {
		s.writer = &gokafka.Writer{
			Addr:         gokafka.TCP(net.JoinHostPort(p.Broker, strconv.Itoa(p.Port))),
			Topic:        p.Topic,
			Balancer:     &gokafka.LeastBytes{},
			MaxAttempts:  10,
			BatchSize:    s.maxBatchSize,
			BatchTimeout: 20 * time.Millisecond,
			RequiredAcks: gokafka.RequireAll,
			ErrorLogger:  logger.WithField("module", "kafka-internal").Printer(log.ErrorLevel),
		}
	}
	return s
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Run writes a probe message and then drains the channel until ctx is cancelled.
// Whatever is still buffered at that point gets one last write.
func (s *Sink) Run(ctx context.Context) error {
	if err := s.sendTestMessage(); err != nil {
		return fmt.Errorf("failed to send initial test message: %w", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Infof("Kafka sink started with write interval %v and batch size %d", s.interval, s.batchSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Final flush of the buffer")
			s.Send(true)
			return nil
		case <-ticker.C:
			if time.Since(s.lastSendAttempt) > s.interval {
				s.Send(false)
			}
		case m := <-s.C:
			s.Enqueue(m)
		}
	}
}

// Enqueue buffers msg and writes the buffer once a batch is full, unless the sink is
// waiting out a failure.
func (s *Sink) Enqueue(msg Message) {
	value, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorf("Dropping message from %s: %s", msg.Topic, err)
		s.obsChannel.Report(observability.KafkaError)
		return
	}
	s.buffer = append(s.buffer, gokafka.Message{Key: []byte(msg.Topic), Value: value})
	if len(s.buffer) < s.batchSize {
		s.logger.Tracef("Buffer holds %d messages", len(s.buffer))
		return
	}
	if s.failureState {
		return
	}
	s.logger.Debugf("Triggering flush (buffer is %d, batch size is %d)", len(s.buffer), s.batchSize)
	s.Send(false)
}

// Send writes the buffer. In the failure state it only tries once the retry interval
// has passed, or when forced.
func (s *Sink) Send(force bool) {
	if len(s.buffer) == 0 {
		return
	}
	if s.failureState && !force && time.Since(s.lastSendAttempt) < s.failureRetryInterval {
		s.logger.Tracef("Failing, next retry in %v", s.failureRetryInterval-time.Since(s.lastSendAttempt))
		return
	}
	start := time.Now()
	pending := len(s.buffer)
	err := s.flush()
	s.lastSendAttempt = time.Now()
	if err != nil {
		s.failures++
		s.failureState = true
		s.logger.Warnf("Send: %s (buffered msgs: %d, time taken: %v, failures: %d)",
			err, len(s.buffer), time.Since(start), s.failures)
		return
	}
	s.failureState = false
	s.logger.Debugf("Send: wrote %d messages in %v", pending, time.Since(start))
}

// flush writes the buffer in chunks of at most maxBatchSize and drops every chunk that
// was written. A failed chunk stays at the head of the buffer.
func (s *Sink) flush() error {
	chunks := (len(s.buffer) + s.maxBatchSize - 1) / s.maxBatchSize
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout*time.Duration(chunks))
	defer cancel()
	for chunk := 1; len(s.buffer) > 0; chunk++ {
		n := len(s.buffer)
		if n > s.maxBatchSize {
			n = s.maxBatchSize
		}
		if err := s.writer.WriteMessages(ctx, s.buffer[:n]...); err != nil {
			s.obsChannel.Report(observability.KafkaError)
			return fmt.Errorf("chunk %d of %d: %w", chunk, chunks, err)
		}
		s.obsChannel.Report(observability.KafkaSent)
		s.buffer = s.buffer[n:]
	}
	s.buffer = s.buffer[:0]
	return nil
}

// Failures is the number of failed sends so far.
func (s *Sink) Failures() int {
	return s.failures
}

// sendTestMessage checks that Kafka is reachable before the sink starts draining.
// Consumers of the topic should ignore messages from the test topic.
func (s *Sink) sendTestMessage() error {
	value, err := json.Marshal(Message{
		Topic:    s.testMessageTopic,
		Content:  []byte("Internal test to see if kafka is alive at startup"),
		Received: time.Now(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, gokafka.Message{Value: value}); err != nil {
		return fmt.Errorf("error sending test message on topic '%s': %w", s.testMessageTopic, err)
	}
	return nil
}
