// Package channel runs the task queue on in-process Go channels. Tasks only
// reach workers in the same process, which suits tests and single-binary
// deployments.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/eventflow/transport"
)

const TransportName = "channel"

// OutputBuffer is the per-subscriber buffer of the shared pub/sub.
const OutputBuffer = 256

func init() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns one gochannel value used as both publisher and subscriber.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubsub := New(logger)
	return transport.Transport{Publisher: pubsub, Subscriber: pubsub}, nil
}

// New creates the pub/sub Build uses.
func New(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
}
