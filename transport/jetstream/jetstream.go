// Package jetstream provides a broker-style NATS JetStream transport. Each
// subscription is a durable pull consumer; handled messages are acked and
// failed ones nak'ed for redelivery until MaxDeliver is reached.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream holding every destination's subjects.
	DefaultStreamName = "SOCIALBUS"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 5

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	fetchBatch = 10
	fetchWait  = time.Second
)

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.Register(transport.Descriptor{Name: TransportName, Build: Build, Capabilities: transport.NATSJetStreamCapabilities})
}

// Build creates a JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:      cfg.GetNATSURL(),
		Replicas: int(cfg.GetReplicationFactor()),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t.ForSubscription(cfg.GetServiceName()),
		SubscriberFor: func(subscription string) (message.Subscriber, error) {
			return t.ForSubscription(subscription), nil
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	URL string

	// StreamName is the JetStream stream to use. Defaults to SOCIALBUS.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration

	// Replicas is the number of stream replicas.
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport publishes to JetStream and hands out per-subscription
// subscribers sharing one connection.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	closeOnce  sync.Once
	closedChan chan struct{}
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:       t.config.StreamName,
		Subjects:   []string{t.config.StreamName + ".>"},
		MaxAge:     24 * time.Hour * 7,
		Replicas:   t.config.Replicas,
		Retention:  nats.LimitsPolicy,
		Duplicates: 2 * time.Minute,
	}

	_, err := t.js.AddStream(streamCfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = t.js.UpdateStream(streamCfg)
	}
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closedChan:
		return true
	default:
		return false
	}
}

// Publish stores messages in the stream. The message UUID doubles as the
// JetStream dedup id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errspkg.ErrTransportClosed
	}

	subject := Subject(t.config.StreamName, topic)
	for _, msg := range messages {
		_, err := t.js.PublishMsg(toNATS(subject, msg))
		if err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Close closes the connection. Subscribers opened through it stop fetching.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closedChan)
		t.nc.Close()
	})
	return nil
}

// ForSubscription returns a subscriber consuming through the durable
// consumer of subscription.
func (t *Transport) ForSubscription(subscription string) *Subscriber {
	return &Subscriber{
		transport:    t,
		subscription: subscription,
		subs:         make(map[string][]*nats.Subscription),
	}
}

// Subscriber consumes topics through one named subscription.
type Subscriber struct {
	transport    *Transport
	subscription string

	mu     sync.Mutex
	subs   map[string][]*nats.Subscription // concurrent Subscribe calls on a topic each add one
	closed bool
}

func (s *Subscriber) consumerConfig(topic string) *nats.ConsumerConfig {
	cfg := s.transport.config
	return &nats.ConsumerConfig{
		Durable:       Durable(topic, s.subscription),
		FilterSubject: Subject(cfg.StreamName, topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
}

// SubscribeInitialize creates or updates the durable consumer for topic.
func (s *Subscriber) SubscribeInitialize(topic string) error {
	stream := s.transport.config.StreamName
	consumerCfg := s.consumerConfig(topic)

	_, err := s.transport.js.AddConsumer(stream, consumerCfg)
	if errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		_, err = s.transport.js.UpdateConsumer(stream, consumerCfg)
	}
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	return nil
}

// Subscribe pulls topic through the subscription's durable consumer.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.transport.isClosed() {
		return nil, errspkg.ErrTransportClosed
	}

	if err := s.SubscribeInitialize(topic); err != nil {
		return nil, err
	}

	cfg := s.consumerConfig(topic)
	sub, err := s.transport.js.PullSubscribe(cfg.FilterSubject, cfg.Durable)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	s.subs[topic] = append(s.subs[topic], sub)

	output := make(chan *message.Message)
	go s.fetch(ctx, sub, output, topic)
	return output, nil
}

func (s *Subscriber) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	logger := s.transport.logger.With(watermill.LogFields{
		"topic":        topic,
		"subscription": s.subscription,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.transport.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			logger.Error("Failed to fetch messages", err, nil)
			continue
		}

		for _, natsMsg := range msgs {
			wmMsg := toWatermill(natsMsg)
			wmMsg.SetContext(ctx)

			select {
			case output <- wmMsg:
			case <-ctx.Done():
				return
			}

			select {
			case <-wmMsg.Acked():
				if err := natsMsg.Ack(); err != nil {
					logger.Error("Failed to ack", err, watermill.LogFields{"message_uuid": wmMsg.UUID})
				}
			case <-wmMsg.Nacked():
				if err := natsMsg.Nak(); err != nil {
					logger.Error("Failed to nak", err, watermill.LogFields{"message_uuid": wmMsg.UUID})
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// unsubscribe is replaced in tests.
var unsubscribe = func(sub *nats.Subscription) error { return sub.Unsubscribe() }

// Close unsubscribes this subscriber's pull subscriptions. The shared
// connection stays open.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for topic, subs := range s.subs {
		for _, sub := range subs {
			if err := unsubscribe(sub); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, fmt.Errorf("unsubscribe %s: %w", topic, err))
			}
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

// Subject maps a destination onto a subject inside the stream.
func Subject(stream, topic string) string {
	return stream + "." + topic
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")

// Durable names the consumer of subscription on topic.
func Durable(topic, subscription string) string {
	return durableReplacer.Replace(topic) + "_" + durableReplacer.Replace(subscription)
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(nats.MsgIdHdr, msg.UUID)

	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(nats.MsgIdHdr)
	if msgID == "" {
		msgID = watermill.NewULID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}
