// Package socialbus is a typed publish/subscribe bus for services that
// exchange domain events over a message broker. Events are plain Go structs
// carrying a stable type tag; the bus encodes them into an envelope, hands
// them to the configured transport and, on the consuming side, decodes the
// tag and fans each message out to every handler bound to it.
//
// A minimal setup fills Config, provides handlers to a Container, creates
// the Bus and calls Subscribe for each (event, handler) pair:
//
//	c := socialbus.NewContainer()
//	socialbus.ProvideValue(c, &IndexUserHandler{index: idx})
//
//	bus, err := socialbus.NewBus(ctx, &socialbus.Config{
//		ServiceName:  "search-service",
//		PubSubSystem: "kafka",
//		KafkaBrokers: []string{"localhost:9092"},
//		Destination:  "user-events",
//	}, logger, socialbus.BusDependencies{Container: c})
//
//	go socialbus.Subscribe[messages.UserCreated, *IndexUserHandler](ctx, bus)
//
// # Transports
//
// Every built-in transport registers itself with DefaultTransportRegistry:
//   - kafka: partitioned log, offsets committed after dispatch
//   - redis-stream: Redis streams with consumer groups
//   - nats: NATS core subjects
//   - rabbitmq: durable AMQP queues, one per subscription
//   - aws: SNS topics fanned out to SQS queues
//   - nats-jetstream: durable JetStream consumers
//   - sqlite: embedded durable queue with dead letters
//   - postgres: shared durable queue with dead letters
//   - channel: in-process, for tests and local development
//
// # Acknowledgement
//
// Log transports commit every message once dispatch finishes, failed or not,
// and the failure is only logged. Broker transports complete successful
// messages and abandon failed ones so the broker redelivers or dead-letters
// them. Config.AckMode overrides the choice.
//
// # Hooks
//
// DispatchHooks provide OnHandlerStart, OnHandlerDone and OnHandlerError
// callbacks around every handler invocation. LoggingHooks, MetricsHooks and
// AlertingHooks cover the usual cases and can be combined with Merge.
package socialbus
