// Package rabbitmq runs the task queue on durable AMQP queues, one per task
// queue name, consumed competitively by every worker.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventflow/transport"
)

const TransportName = "rabbitmq"

// Prefetch bounds the unacknowledged tasks a worker holds per queue.
const Prefetch = 16

var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.Register(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build opens one reconnecting connection shared by the publisher and subscriber.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri := cfg.GetRabbitMQURL()
	if uri == "" {
		return transport.Transport{}, fmt.Errorf("rabbitmq: url is required")
	}
	amqpConfig := QueueConfig(uri)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq connection: %w", err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq publisher: %w", err)
	}
	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq subscriber: %w", err)
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// QueueConfig is a durable work-queue configuration with a bounded prefetch.
func QueueConfig(uri string) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(uri)
	cfg.Consume.Qos.PrefetchCount = Prefetch
	return cfg
}
