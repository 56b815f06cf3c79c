// Package nats runs the task queue on NATS subjects. Workers join a queue
// group per subject so each task goes to one worker. With JetStream enabled
// tasks survive restarts and failed tasks are redelivered.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/eventflow/transport"
)

const TransportName = "nats"

// QueueGroupPrefix names the queue group (and JetStream durable) workers share.
const QueueGroupPrefix = "eventflow"

var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.NATSCapabilities)
}

// Build connects to cfg.GetNATSURL(), using JetStream when cfg enables it.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		url = natsgo.DefaultURL
	}
	options := []natsgo.Option{
		natsgo.Name("eventflow"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
	js := jetStreamConfig(cfg.GetNATSJetStream())
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   js,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		NatsOptions:      options,
		QueueGroupPrefix: QueueGroupPrefix,
		Unmarshaler:      marshaler,
		JetStream:        js,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("nats subscriber: %w", err)
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func jetStreamConfig(enabled bool) nats.JetStreamConfig {
	if !enabled {
		return nats.JetStreamConfig{Disabled: true}
	}
	return nats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		DurablePrefix: QueueGroupPrefix,
	}
}
