package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/celerway/mqttpipe/connector/link"
	"github.com/celerway/mqttpipe/internal/pahotest"
	"github.com/celerway/mqttpipe/log"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const waitTimeout = 2 * time.Second

func withFake(fake *pahotest.Client) Option {
	return WithClientFactory(func(o *paho.ClientOptions) link.Client {
		return fake.Attach(o)
	})
}

func testLogger() *log.Logger {
	logger := log.Discard()
	logger.SetLevel(log.TraceLevel)
	return logger
}

func waitForState(t *testing.T, c *Consumer, want ConsumerState) {
	t.Helper()
	if !pahotest.WaitFor(func() bool { return c.State() == want }, waitTimeout) {
		t.Fatalf("consumer state is %s, want %s", c.State(), want)
	}
}

// recorder is a Processor that keeps what it was given.
type recorder struct {
	mu   sync.Mutex
	msgs []*Message
	ctxs []context.Context
	fn   func(msg *Message) error
}

func (r *recorder) Process(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.ctxs = append(r.ctxs, ctx)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return nil
}

func (r *recorder) messages() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Message(nil), r.msgs...)
}

func (r *recorder) lastContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxs[len(r.ctxs)-1]
}
