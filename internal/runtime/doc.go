/*
Package runtime implements the socialbus message bus.

# Architecture Overview

A Bus owns one transport built from the transport registry and exchanges
typed events over it. Publishing encodes an event into an envelope whose
type tag travels as a header; consuming decodes the tag, fans the message
out to every handler bound to it and settles the message according to the
transport's delivery model.

# Package Structure

## Bus (bus.go, buses.go)

NewBus validates the configuration, connects the transport, chooses the
acknowledgement policy and starts the metrics and introspection endpoints.
Shutdown cancels publishes and consumers, waits for in-flight work and
closes the transport. Buses builds one bus per entry of a config file.

## Publishing (publisher.go)

Publish returns once the transport accepted the message. Cancelling the
caller's context or shutting the bus down abandons the send.

## Consuming (consumer.go, registry.go)

Subscribe and Register bind a handler type to an event type. Bindings live
in a copy-on-write registry so dispatch reads it without locking. The first
Subscribe for a subscription starts a consumer; later calls share it.

Consumers move through created, provisioning, receiving, draining and
stopped. Provisioning failures are logged and consumption proceeds.

## Dispatch (dispatch.go, ack.go)

Each message gets a fresh container scope. Every bound handler runs
concurrently with the same decoded event; the first failure in registration
order becomes the outcome. Handler panics are recovered by Watermill's
Recoverer and retries use its Retry middleware.

Log transports commit every message. Broker transports ack on success and
nack on failure so the broker redelivers or dead-letters.

## Observability (hooks.go, metrics.go, stats.go, introspection.go)

  - DispatchHooks: callbacks around each handler invocation
  - Prometheus counters and histograms under socialbus_bus_*
  - OpenTelemetry producer and consumer spans
  - /api/handlers and /api/consumers JSON endpoints

# Sub-packages

  - config/: Bus configuration, YAML files and validation
  - container/: Handler resolution with per-message scopes
  - envelope/: Event to message codec
  - errors/: Sentinel errors and error types
  - events/: Event contract and shared header
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling
  - logging/: Logger interface and adapters
  - metadata/: Message headers

# Usage Example

	bus, err := runtime.NewBus(ctx, &config.Config{
		ServiceName:  "search-service",
		PubSubSystem: "kafka",
		KafkaBrokers: []string{"localhost:9092"},
		Destination:  "user-events",
	}, logger, runtime.BusDependencies{Container: c})

	go runtime.Subscribe[messages.UserCreated, *IndexUserHandler](ctx, bus)

	err = bus.Publish(ctx, messages.NewUserCreated(userID, name))
*/
package runtime
