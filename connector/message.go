package connector

import (
	"context"
	"encoding"
	"encoding/json"
	"fmt"
	"io"
)

// HeaderTopic carries the topic an inbound message arrived on.
const HeaderTopic = "mqtt.topic"

// Message is what flows between the broker and a Processor. Inbound messages carry the
// payload as []byte in Body. Outbound messages may carry anything Payload can turn
// into bytes.
type Message struct {
	Topic   string
	Body    any
	Headers map[string]string
}

func NewMessage(body any) *Message {
	return &Message{Body: body, Headers: map[string]string{}}
}

func NewInboundMessage(topic string, payload []byte) *Message {
	return &Message{
		Topic:   topic,
		Body:    payload,
		Headers: map[string]string{HeaderTopic: topic},
	}
}

// Payload returns the body as bytes. ok is false when there is nothing to publish:
// a nil body, an empty or failing reader, or a type with no byte form.
// Reading an io.Reader body consumes it.
func (m *Message) Payload() (payload []byte, ok bool) {
	if m == nil {
		return nil, false
	}
	switch b := m.Body.(type) {
	case nil:
		return nil, false
	case []byte:
		return b, b != nil
	case json.RawMessage:
		return b, b != nil
	case string:
		return []byte(b), true
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil || len(data) == 0 {
			return nil, false
		}
		return data, true
	case encoding.BinaryMarshaler:
		data, err := b.MarshalBinary()
		if err != nil {
			return nil, false
		}
		return data, true
	case fmt.Stringer:
		return []byte(b.String()), true
	}
	return nil, false
}

func (m *Message) String() string {
	return fmt.Sprintf("Topic: %s, body %T", m.Topic, m.Body)
}

// Processor handles inbound messages. Process runs on the broker callback goroutine,
// one message at a time, so a slow processor holds back the subscription.
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

type ProcessorFunc func(ctx context.Context, msg *Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
