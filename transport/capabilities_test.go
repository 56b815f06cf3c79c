package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/transporttest"
)

func TestCapabilitiesWarnings(t *testing.T) {
	tests := []struct {
		name string
		caps transport.Capabilities
		want int
	}{
		{"fully featured", transport.Capabilities{Name: "x", Durable: true, Redelivery: true, CompetingConsumers: true}, 0},
		{"channel", transport.ChannelCapabilities, 1},
		{"nats core", transport.NATSCapabilities, 2},
		{"nothing", transport.Capabilities{Name: "y"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, tt.caps.Warnings(), tt.want)
		})
	}
}

func TestCapabilitiesFitsMessage(t *testing.T) {
	assert.True(t, transport.ChannelCapabilities.FitsMessage(10<<20))
	assert.True(t, transport.AWSCapabilities.FitsMessage(256<<10))
	assert.False(t, transport.AWSCapabilities.FitsMessage(256<<10+1))
}

func TestCapabilitiesFor(t *testing.T) {
	assert.Equal(t, transport.Capabilities{}, transport.CapabilitiesFor(nil))

	caps := transport.CapabilitiesFor(&transporttest.Config{PubSubSystem: "nats", NATSJetStream: true})
	assert.Equal(t, transport.NATSJetStreamCapabilities, caps)

	caps = transport.CapabilitiesFor(&transporttest.Config{PubSubSystem: "unregistered"})
	assert.Equal(t, "unregistered", caps.Name)
}
