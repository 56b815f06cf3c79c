// Package transport builds the broker connections that carry eventflow tasks.
// Each broker lives in its own sub-package and registers a Builder under the
// name used by the pub_sub_system setting.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport pairs the publisher used by the task queue with the subscriber
// consumed by the worker.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides, returning the first error.
func (t Transport) Close() error {
	var firstErr error
	if t.Subscriber != nil {
		firstErr = t.Subscriber.Close()
	}
	if t.Publisher != nil {
		// gochannel uses one value for both sides
		if sub, ok := t.Publisher.(message.Subscriber); ok && sub == t.Subscriber {
			return firstErr
		}
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder creates a transport from configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the subset of the eventflow configuration brokers read.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetNATSJetStream() bool

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
