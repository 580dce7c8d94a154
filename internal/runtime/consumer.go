package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/socialbus/internal/runtime/envelope"
	"github.com/drblury/socialbus/internal/runtime/logging"
	"github.com/drblury/socialbus/internal/runtime/metadata"
	"github.com/drblury/socialbus/transport"
)

// ConsumerState is the lifecycle position of a consumer loop. There is no
// error state: once receiving, a consumer only stops on cancellation.
type ConsumerState int32

const (
	ConsumerCreated ConsumerState = iota
	ConsumerProvisioning
	ConsumerReceiving
	ConsumerDraining
	ConsumerStopped
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerCreated:
		return "created"
	case ConsumerProvisioning:
		return "provisioning"
	case ConsumerReceiving:
		return "receiving"
	case ConsumerDraining:
		return "draining"
	case ConsumerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConsumerInfo describes one running consumer.
type ConsumerInfo struct {
	Destination  string `json:"destination"`
	Subscription string `json:"subscription"`
	Delivery     string `json:"delivery"`
	State        string `json:"state"`
}

type consumerKey struct {
	destination  string
	subscription string
}

// consumer receives one destination through one subscription and feeds the
// dispatcher. Subscribe calls for the same key share it.
type consumer struct {
	key    consumerKey
	bus    *Bus
	policy AckPolicy
	logger logging.ServiceLogger

	state atomic.Int32
	refs  int // guarded by bus.consumersMu

	receiver message.Subscriber
	owned    bool

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	done        chan struct{}
	stopOnce    sync.Once
	releaseOnce sync.Once
}

func newConsumer(b *Bus, key consumerKey) *consumer {
	c := &consumer{
		key:    key,
		bus:    b,
		policy: b.policy,
		logger: b.logger.With(logging.LogFields{
			"destination":  key.destination,
			"subscription": key.subscription,
		}),
		done: make(chan struct{}),
	}
	c.setState(ConsumerCreated)
	return c
}

func (c *consumer) setState(s ConsumerState) { c.state.Store(int32(s)) }

func (c *consumer) State() ConsumerState { return ConsumerState(c.state.Load()) }

func (c *consumer) info() ConsumerInfo {
	return ConsumerInfo{
		Destination:  c.key.destination,
		Subscription: c.key.subscription,
		Delivery:     c.policy.Delivery().String(),
		State:        c.State().String(),
	}
}

// start acquires the receiver, provisions the destination and begins
// receiving. Only failures to acquire the receiver are returned.
func (c *consumer) start() error {
	c.setState(ConsumerProvisioning)

	receiver, owned, err := c.bus.transport.Receiver(c.key.subscription)
	if err != nil {
		c.setState(ConsumerStopped)
		close(c.done)
		return err
	}
	c.receiver, c.owned = receiver, owned

	c.provision()

	ctx, cancel := context.WithCancel(c.bus.ctx)
	c.cancel = cancel

	channels, workers := 1, 1
	if c.policy.Delivery() == transport.DeliveryBroker {
		if owned {
			channels = c.bus.conf.MaxConcurrentCalls
		} else {
			workers = c.bus.conf.MaxConcurrentCalls
		}
	}

	streams := make([]<-chan *message.Message, 0, channels)
	for range channels {
		messages, err := receiver.Subscribe(ctx, c.key.destination)
		if err != nil {
			cancel()
			c.release()
			c.setState(ConsumerStopped)
			close(c.done)
			return err
		}
		streams = append(streams, messages)
	}

	c.setState(ConsumerReceiving)
	c.logger.Info("Consumer started", logging.LogFields{
		"delivery":  c.policy.Delivery().String(),
		"receivers": channels,
		"workers":   workers,
	})

	for _, messages := range streams {
		for range workers {
			c.wg.Go(func() { c.receive(ctx, messages) })
		}
	}
	go func() {
		c.wg.Wait()
		c.release()
		c.setState(ConsumerStopped)
		c.bus.forget(c)
		c.logger.Info("Consumer stopped", nil)
		close(c.done)
	}()
	return nil
}

// provision initializes the destination once per bus. Failures are logged
// and receiving proceeds.
func (c *consumer) provision() {
	if !c.bus.markProvisioned(c.key) {
		return
	}
	initializer, ok := c.receiver.(message.SubscribeInitializer)
	if !ok {
		return
	}
	if err := initializer.SubscribeInitialize(c.key.destination); err != nil {
		c.logger.Warn("Failed to provision destination, consuming anyway", logging.LogFields{
			"error": err.Error(),
		})
	}
}

// receive pulls messages one at a time until ctx ends or the receiver
// closes its channel.
func (c *consumer) receive(ctx context.Context, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("Receiver closed unexpectedly", nil)
				}
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *consumer) handle(ctx context.Context, msg *message.Message) {
	b := c.bus
	env := envelope.FromMessage(msg)
	fields := logging.LogFields{
		"type_tag":       env.TypeTag,
		"message_uuid":   env.ID,
		"correlation_id": env.Metadata.Get(metadata.KeyCorrelationID),
	}

	if _, known := b.registry.lookup(env.TypeTag); !known {
		c.logger.Debug("No handler for type tag, acknowledging", fields)
		b.metrics.recordDecodeMiss(c.key.destination)
		c.settle(msg, nil, LogAckPolicy{}, fields)
		return
	}

	producer := b.propagator.Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
	spanCtx, span := b.tracer.Start(ctx, "socialbus.dispatch "+c.key.destination,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithLinks(trace.LinkFromContext(producer)),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.key.destination),
			attribute.String("messaging.consumer.group.name", c.key.subscription),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("socialbus.type_tag", env.TypeTag),
		),
	)
	err := b.dispatcher.Dispatch(spanCtx, c.key.destination, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	b.metrics.recordDispatch(c.key.destination, env.TypeTag, err)
	if err != nil {
		if c.policy.Delivery() == transport.DeliveryLog {
			c.logger.Error("Dispatch failed, committing anyway", err, fields)
		} else {
			c.logger.Error("Dispatch failed, abandoning message", err, fields)
		}
	} else {
		c.logger.Trace("Message dispatched", fields)
	}
	c.settle(msg, err, c.policy, fields)
}

func (c *consumer) settle(msg *message.Message, dispatchErr error, policy AckPolicy, fields logging.LogFields) {
	action := policy.Settle(msg, dispatchErr)
	if action == actionAckFailed {
		c.logger.Warn("Failed to settle message", fields)
	}
	c.bus.metrics.recordSettled(c.key.destination, action)
}

// stop cancels receiving. Messages already being dispatched finish first.
func (c *consumer) stop() {
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			return
		}
		c.setState(ConsumerDraining)
		c.cancel()
	})
}

// wait blocks until the consumer has stopped or ctx ends.
func (c *consumer) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *consumer) release() {
	if !c.owned || c.receiver == nil {
		return
	}
	c.releaseOnce.Do(func() {
		if err := c.receiver.Close(); err != nil {
			c.logger.Warn("Failed to close receiver", logging.LogFields{"error": err.Error()})
		}
	})
}
