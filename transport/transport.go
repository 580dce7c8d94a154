// Package transport defines the contract between the bus and a messaging
// backend. Each backend lives in its own sub-package and registers a Builder
// with the default registry from its init function.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the publisher and subscriber pair produced by a Builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// SubscriberFor builds a receiver bound to a named subscription, such as
	// a Kafka consumer group or an SQS queue. The caller owns and closes the
	// returned subscriber. When nil, Subscriber serves every subscription.
	SubscriberFor func(subscription string) (message.Subscriber, error)

	// OnClose releases resources shared by the publisher and subscribers,
	// such as a connection. It runs after both are closed.
	OnClose func() error
}

// Receiver returns the subscriber to consume through for subscription.
// owned reports whether the caller must close it.
func (t Transport) Receiver(subscription string) (sub message.Subscriber, owned bool, err error) {
	if t.SubscriberFor != nil {
		sub, err = t.SubscriberFor(subscription)
		return sub, err == nil, err
	}
	if t.Subscriber == nil {
		return nil, false, errors.New("transport has no subscriber")
	}
	return t.Subscriber, false, nil
}

// Close releases the publisher, the shared subscriber and OnClose.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.OnClose != nil {
		if err := t.OnClose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the subset of bus configuration transports read.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string
	// GetServiceName identifies the service: client id, default consumer
	// group, queue suffix.
	GetServiceName() string

	// Topology used when provisioning destinations.
	GetPartitions() int32
	GetReplicationFactor() int16

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// Redis streams
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that report their own
// capabilities instead of relying on the registry.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DeadLetterInspector is implemented by transports that keep failed
// messages locally.
type DeadLetterInspector interface {
	DeadLetterCount(ctx context.Context, topic string) (int64, error)
}
