// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/socialbus/transport/aws"
	_ "github.com/drblury/socialbus/transport/channel"
	_ "github.com/drblury/socialbus/transport/jetstream"
	_ "github.com/drblury/socialbus/transport/kafka"
	_ "github.com/drblury/socialbus/transport/nats"
	_ "github.com/drblury/socialbus/transport/postgres"
	_ "github.com/drblury/socialbus/transport/rabbitmq"
	_ "github.com/drblury/socialbus/transport/redisstream"
	_ "github.com/drblury/socialbus/transport/sqlite"
)
