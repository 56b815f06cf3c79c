// Package kafka runs the task queue on Kafka topics. Tasks are keyed by their
// partition key so tasks for one aggregate keep their order.
package kafka

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/transport"
)

const TransportName = "kafka"

// DefaultConsumerGroup is used when the configuration leaves it empty. Every
// worker must share a group for tasks to be split between them.
const DefaultConsumerGroup = "eventflow-workers"

// PublisherFactory and SubscriberFactory are replaced in tests.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.KafkaCapabilities)
}

// Build connects a publisher and a consumer-group subscriber to cfg's brokers.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("kafka: at least one broker is required")
	}
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: marshaler,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:       brokers,
		Unmarshaler:   marshaler,
		ConsumerGroup: group,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka subscriber: %w", err)
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// PartitionKey keys a task by the event's partition key, falling back to the
// handler so one handler's unkeyed tasks still share a partition.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadatapkg.KeyPartitionKey); key != "" {
		return key, nil
	}
	if handler := msg.Metadata.Get(metadatapkg.KeyHandler); handler != "" {
		return handler, nil
	}
	return msg.UUID, nil
}
