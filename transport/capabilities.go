package transport

// DeliveryModel is how a transport settles consumed messages.
type DeliveryModel int

const (
	// DeliveryLog transports are pulled in partition order and only commit
	// offsets. A failed message cannot be handed back individually.
	DeliveryLog DeliveryModel = iota
	// DeliveryBroker transports push messages and settle each one with an
	// explicit complete or abandon.
	DeliveryBroker
)

func (m DeliveryModel) String() string {
	switch m {
	case DeliveryLog:
		return "log"
	case DeliveryBroker:
		return "broker"
	default:
		return "unknown"
	}
}

// Capabilities describes what a transport backend supports.
type Capabilities struct {
	// SupportsNativeDLQ indicates the backend dead-letters abandoned messages
	// on its own.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates messages within a partition or stream are
	// delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport can hand a single message back
	// for redelivery.
	SupportsNack bool

	// SupportsPartitioning indicates the transport spreads a destination
	// over partitions keyed by the message.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64

	// Name is the registered transport name.
	Name string

	// Version is the transport/driver version.
	Version string
}

// Delivery classifies the transport for acknowledgement purposes.
func (c Capabilities) Delivery() DeliveryModel {
	if c.SupportsNack {
		return DeliveryBroker
	}
	return DeliveryLog
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	RedisStreamCapabilities = Capabilities{
		Name:             "redis-stream",
		SupportsOrdering: true,
		SupportsAck:      true,
		MaxMessageSize:   536870912, // 512MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// NATS core has no acknowledgement, so it is consumed like a log.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    262144, // 256KB
	}

	SQLiteCapabilities = Capabilities{
		Name:              "sqlite",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	PostgresCapabilities = Capabilities{
		Name:              "postgres",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}
)
