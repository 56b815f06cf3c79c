package transport

import "fmt"

// Capabilities describes how a broker behaves as a task queue.
type Capabilities struct {
	Name string

	// Durable brokers keep tasks published while no worker is subscribed.
	Durable bool
	// Redelivery means a nacked task comes back to a worker.
	Redelivery bool
	// CompetingConsumers means workers sharing a queue split its tasks.
	CompetingConsumers bool
	// PartitionedOrdering means tasks sharing a partition key are delivered in order.
	PartitionedOrdering bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// Warnings lists the task queue guarantees the broker cannot give.
func (c Capabilities) Warnings() []string {
	var warnings []string
	if !c.Durable {
		warnings = append(warnings, fmt.Sprintf("%s: tasks published while no worker is subscribed are lost", c.Name))
	}
	if !c.Redelivery {
		warnings = append(warnings, fmt.Sprintf("%s: failed tasks are only retried inside the worker", c.Name))
	}
	if !c.CompetingConsumers {
		warnings = append(warnings, fmt.Sprintf("%s: every worker receives every task, run a single worker", c.Name))
	}
	return warnings
}

// FitsMessage reports whether a payload of size bytes can be published.
func (c Capabilities) FitsMessage(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{
		Name:               "channel",
		Redelivery:         true,
		CompetingConsumers: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                "kafka",
		Durable:             true,
		CompetingConsumers:  true,
		PartitionedOrdering: true,
		MaxMessageSize:      1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		Durable:            true,
		Redelivery:         true,
		CompetingConsumers: true,
		MaxMessageSize:     128 << 20,
	}

	NATSCapabilities = Capabilities{
		Name:               "nats",
		Redelivery:         false,
		CompetingConsumers: true,
		MaxMessageSize:     1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:               "nats",
		Durable:            true,
		Redelivery:         true,
		CompetingConsumers: true,
		MaxMessageSize:     1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:               "aws",
		Durable:            true,
		Redelivery:         true,
		CompetingConsumers: true,
		MaxMessageSize:     256 << 10,
	}
)

// CapabilitiesFor returns what the broker selected by cfg guarantees.
func CapabilitiesFor(cfg Config) Capabilities {
	if cfg == nil {
		return Capabilities{}
	}
	if cfg.GetPubSubSystem() == NATSCapabilities.Name && cfg.GetNATSJetStream() {
		return NATSJetStreamCapabilities
	}
	return DefaultRegistry.Capabilities(cfg.GetPubSubSystem())
}
