package transport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/transporttest"
)

func gochannelBuilder(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return transport.Transport{Publisher: pubsub, Subscriber: pubsub}, nil
}

func TestRegistryBuild(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("memory", gochannelBuilder, transport.Capabilities{Name: "memory", Redelivery: true})

	tr, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "memory"}, nil)
	require.NoError(t, err)
	require.NotNil(t, tr.Publisher)
	assert.NoError(t, tr.Close())

	assert.True(t, reg.Has("memory"))
	assert.True(t, reg.Capabilities("memory").Redelivery)
}

func TestRegistryBuildUnknown(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("b", gochannelBuilder, transport.Capabilities{})
	reg.Register("a", gochannelBuilder, transport.Capabilities{})

	_, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "zeromq"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"zeromq"`)
	assert.Contains(t, err.Error(), "[a b]")

	_, err = reg.Build(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestRegistryBuilderError(t *testing.T) {
	reg := transport.NewRegistry()
	boom := errors.New("dial failed")
	reg.Register("x", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{}, boom
	}, transport.Capabilities{})

	_, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "x"}, watermill.NopLogger{})
	assert.ErrorIs(t, err, boom)
}

func TestRegistryUnknownCapabilities(t *testing.T) {
	caps := transport.NewRegistry().Capabilities("nothing")
	assert.Equal(t, transport.Capabilities{Name: "nothing"}, caps)
}
