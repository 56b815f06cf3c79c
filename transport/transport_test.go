package transport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"

	"github.com/drblury/eventflow/transport"
)

type closer struct {
	err    error
	closed int
}

func (c *closer) Publish(string, ...*message.Message) error { return nil }
func (c *closer) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return nil, nil
}
func (c *closer) Close() error {
	c.closed++
	return c.err
}

func TestTransportCloseSharedPubSub(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	tr := transport.Transport{Publisher: pubsub, Subscriber: pubsub}
	assert.NoError(t, tr.Close())
}

func TestTransportCloseBothSides(t *testing.T) {
	pub := &closer{err: errors.New("pub")}
	sub := &closer{}
	tr := transport.Transport{Publisher: pub, Subscriber: sub}

	err := tr.Close()
	assert.EqualError(t, err, "pub")
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
}

func TestTransportCloseEmpty(t *testing.T) {
	assert.NoError(t, transport.Transport{}.Close())
}
