package connector

import (
	"errors"
	"testing"

	"github.com/celerway/mqttpipe/connector/config"
	"github.com/celerway/mqttpipe/internal/pahotest"
	is2 "github.com/matryer/is"
)

func TestEndpoint(t *testing.T) {
	is := is2.New(t)
	fake := pahotest.NewClient()
	e, err := NewEndpoint("mqtt:testNode?subTopicName=in/%23&pubTopicName=out/topic&qosLevel=1",
		withFake(fake), WithLogger(testLogger()))
	is.NoErr(err)
	is.Equal(e.Name(), "testNode")
	is.Equal(e.Config().SubTopic(), "in/#")

	rec := &recorder{}
	c, err := e.CreateConsumer(rec)
	is.NoErr(err)
	is.NoErr(c.Start())
	waitForState(t, c, ConsumerActive)
	is.Equal(fake.Subscriptions(), []string{"in/#"})

	p := e.CreateProducer()
	is.NoErr(p.Start())
	is.NoErr(p.Send(NewMessage("ping")))
	pubs := fake.Publications()
	is.Equal(len(pubs), 1)
	is.Equal(pubs[0].Topic, "out/topic")
	is.Equal(pubs[0].QoS, byte(1))

	opts := fake.Options()
	is.Equal(opts.ClientID, config.DefaultEndpointName)
	p.Stop()
	c.Stop()
}

func TestEndpoint_BadURI(t *testing.T) {
	is := is2.New(t)
	_, err := NewEndpoint("kafka:topic")
	is.True(errors.Is(err, config.ErrInvalidURI))
	_, err = NewEndpoint("mqtt:x?qosLevel=high")
	is.True(errors.Is(err, config.ErrInvalidOption))
}

func TestEndpoint_ConsumerNeedsProcessor(t *testing.T) {
	is := is2.New(t)
	e := NewEndpointWithConfig("x", config.New())
	_, err := e.CreateConsumer(nil)
	is.True(errors.Is(err, ErrNoProcessor))
}
