// Package transports registers every built-in queue backend. Import it for
// side effects.
package transports

import (
	_ "github.com/drblury/actorflow/transport/aws"
	_ "github.com/drblury/actorflow/transport/channel"
	_ "github.com/drblury/actorflow/transport/jetstream"
	_ "github.com/drblury/actorflow/transport/kafka"
	_ "github.com/drblury/actorflow/transport/nats"
	_ "github.com/drblury/actorflow/transport/rabbitmq"
)
