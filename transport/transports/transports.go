// Package transports registers every built-in broker with
// transport.DefaultRegistry when imported.
package transports

import (
	_ "github.com/drblury/eventflow/transport/aws"
	_ "github.com/drblury/eventflow/transport/channel"
	_ "github.com/drblury/eventflow/transport/kafka"
	_ "github.com/drblury/eventflow/transport/nats"
	_ "github.com/drblury/eventflow/transport/rabbitmq"
)
