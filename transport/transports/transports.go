// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/svcflow/transport/amqpfanout"
	_ "github.com/drblury/svcflow/transport/aws"
	_ "github.com/drblury/svcflow/transport/channel"
	_ "github.com/drblury/svcflow/transport/http"
	_ "github.com/drblury/svcflow/transport/kafka"
	_ "github.com/drblury/svcflow/transport/nats"
	_ "github.com/drblury/svcflow/transport/rabbitmq"
)
