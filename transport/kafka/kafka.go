// Package kafka provides a log-style Kafka transport. Messages are keyed by
// correlation id so every event of one entity lands on the same partition.
package kafka

import (
	"context"
	"regexp"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/socialbus/internal/runtime/metadata"
	"github.com/drblury/socialbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.Register(transport.Descriptor{Name: TransportName, Build: Build, Capabilities: transport.KafkaCapabilities})
}

// Build creates a Kafka transport. The shared subscriber consumes as the
// service's own consumer group; SubscriberFor opens one group per named
// subscription.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	clientID := ClientID(cfg.GetServiceName())
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherSaramaConfig(clientID),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				ConsumerGroup:         group,
				OverwriteSaramaConfig: subscriberSaramaConfig(clientID),
				InitializeTopicDetails: &sarama.TopicDetail{
					NumPartitions:     max(cfg.GetPartitions(), 1),
					ReplicationFactor: max(cfg.GetReplicationFactor(), 1),
				},
			},
			logger,
		)
	}

	subscriber, err := newSubscriber(cfg.GetServiceName())
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:     publisher,
		Subscriber:    subscriber,
		SubscriberFor: newSubscriber,
	}, nil
}

// PartitionKey keys a message by its partition_key header, falling back to
// the correlation id and finally the message id.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadata.KeyPartitionKey); key != "" {
		return key, nil
	}
	if key := msg.Metadata.Get(metadata.KeyCorrelationID); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

var invalidClientIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// ClientID turns a service name into a valid Kafka client id.
func ClientID(serviceName string) string {
	id := invalidClientIDChars.ReplaceAllString(serviceName, "-")
	if id == "" {
		return "socialbus"
	}
	return id
}

func publisherSaramaConfig(clientID string) *sarama.Config {
	conf := kafka.DefaultSaramaSyncPublisherConfig()
	conf.ClientID = clientID
	conf.Producer.RequiredAcks = sarama.WaitForAll
	return conf
}

func subscriberSaramaConfig(clientID string) *sarama.Config {
	conf := kafka.DefaultSaramaSubscriberConfig()
	conf.ClientID = clientID
	conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	return conf
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
