package runtime

import (
	"cmp"
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/socialbus/internal/runtime/envelope"
	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/internal/runtime/events"
	"github.com/drblury/socialbus/internal/runtime/logging"
	"github.com/drblury/socialbus/internal/runtime/metadata"
)

// PublishOption adjusts a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	destination string
	metadata    metadata.Metadata
}

// WithDestination publishes to topic instead of the bus destination.
func WithDestination(topic string) PublishOption {
	return func(o *publishOptions) { o.destination = topic }
}

// WithMetadata adds a header to the envelope. Reserved keys set by the
// codec cannot be overridden.
func WithMetadata(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.metadata == nil {
			o.metadata = metadata.Metadata{}
		}
		o.metadata[key] = value
	}
}

// WithPartitionKey overrides the correlation id as partition key on
// partitioned transports.
func WithPartitionKey(key string) PublishOption {
	return WithMetadata(metadata.KeyPartitionKey, key)
}

// Publish encodes event and hands it to the transport. It returns once the
// transport has accepted the message, or with ErrPublishCancelled when ctx
// or the bus is cancelled first.
func (b *Bus) Publish(ctx context.Context, event events.Event, opts ...PublishOption) error {
	if b.closed.Load() {
		return fmt.Errorf("%w: %w", errspkg.ErrPublishCancelled, errspkg.ErrBusClosed)
	}

	env, err := envelope.Encode(event)
	if err != nil {
		return err
	}

	options := publishOptions{destination: b.conf.Destination}
	for _, opt := range opts {
		opt(&options)
	}
	if len(options.metadata) > 0 {
		env.Metadata = options.metadata.WithAll(env.Metadata)
	}
	destination := cmp.Or(options.destination, b.conf.Destination)

	fields := logging.LogFields{
		"destination":    destination,
		"type_tag":       env.TypeTag,
		"message_uuid":   env.ID,
		"correlation_id": env.Metadata.Get(metadata.KeyCorrelationID),
	}

	// The send is abandoned when either the caller or the bus gives up.
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	sendCtx, span := b.tracer.Start(sendCtx, "socialbus.publish "+destination,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("socialbus.type_tag", env.TypeTag),
			attribute.String("socialbus.correlation_id", env.Metadata.Get(metadata.KeyCorrelationID)),
		),
	)
	defer span.End()

	if err := sendCtx.Err(); err != nil {
		return b.publishCancelled(span, env.TypeTag, err)
	}

	msg := env.ToMessage()
	msg.SetContext(sendCtx)
	b.propagator.Inject(sendCtx, propagation.MapCarrier(msg.Metadata))

	b.publishMu.RLock()
	if b.closed.Load() {
		b.publishMu.RUnlock()
		return b.publishCancelled(span, env.TypeTag, errspkg.ErrBusClosed)
	}
	b.publishes.Add(1)
	b.publishMu.RUnlock()

	result := make(chan error, 1)
	go func() {
		defer b.publishes.Done()
		result <- b.transport.Publisher.Publish(destination, msg)
	}()

	select {
	case err := <-result:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.metrics.recordPublish(env.TypeTag, resultError)
			b.logger.Error("Failed to publish message", err, fields)
			return fmt.Errorf("publish %s to %s: %w", env.TypeTag, destination, err)
		}
	case <-sendCtx.Done():
		return b.publishCancelled(span, env.TypeTag, sendCtx.Err())
	}

	b.metrics.recordPublish(env.TypeTag, resultOK)
	b.logger.Trace("Message published", fields)
	return nil
}

func (b *Bus) publishCancelled(span trace.Span, typeTag string, cause error) error {
	span.SetStatus(codes.Error, "cancelled")
	b.metrics.recordPublish(typeTag, resultCancelled)
	if b.closed.Load() {
		return fmt.Errorf("%w: %w", errspkg.ErrPublishCancelled, errspkg.ErrBusClosed)
	}
	return fmt.Errorf("%w: %w", errspkg.ErrPublishCancelled, cause)
}
