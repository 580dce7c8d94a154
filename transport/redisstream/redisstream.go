// Package redisstream provides a log-style transport on Redis streams.
//
// A destination is a stream. Each subscription is a consumer group reading
// the stream from its start, so every subscribing service receives every
// entry. Entries are handed out one at a time in stream order and committed
// with XACK. A nacked entry stays in the group's pending list.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis-stream"

const (
	// DefaultBlock bounds each XREADGROUP call so cancellation is observed
	// between fetches.
	DefaultBlock = time.Second

	fieldUUID    = "uuid"
	fieldPayload = "payload"
	fieldMeta    = "meta:"
)

// ClientFactory allows overriding the Redis client creation for testing.
var ClientFactory = func(opts *redis.Options) redis.UniversalClient {
	return redis.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the Redis stream transport with the default registry.
func Register() {
	transport.Register(transport.Descriptor{Name: TransportName, Build: Build, Capabilities: transport.RedisStreamCapabilities})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisStreamCapabilities
}

// Build connects to Redis. The shared subscriber reads as the service's
// consumer group; SubscriberFor adds one group per subscription.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Config{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t.ForGroup(cfg.GetServiceName()),
		SubscriberFor: func(subscription string) (message.Subscriber, error) {
			return t.ForGroup(subscription), nil
		},
		OnClose: t.client.Close,
	}, nil
}

// Config holds Redis-specific configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Block is the longest a single read waits for new entries.
	Block time.Duration
	// MaxLen trims streams approximately on publish. Zero keeps everything.
	MaxLen int64
}

func (c Config) withDefaults() Config {
	if c.Block <= 0 {
		c.Block = DefaultBlock
	}
	return c
}

// Transport publishes to streams and creates group subscribers. Closing it
// stops publishing; the client is released by the transport's OnClose.
type Transport struct {
	client redis.UniversalClient
	config Config
	logger watermill.LoggerAdapter

	closeOnce  sync.Once
	closedChan chan struct{}
}

// New creates the client and verifies the connection.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	client := ClientFactory(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Connected to Redis", watermill.LogFields{"addr": cfg.Addr, "db": cfg.DB})
	return &Transport{
		client:     client,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}, nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closedChan:
		return true
	default:
		return false
	}
}

// Publish appends the messages to the topic's stream in one pipeline.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errspkg.ErrTransportClosed
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if len(messages) == 0 {
		return nil
	}

	ctx := messages[0].Context()
	pipe := t.client.Pipeline()
	for _, msg := range messages {
		args := &redis.XAddArgs{
			Stream: topic,
			ID:     "*",
			Values: toValues(msg),
		}
		if t.config.MaxLen > 0 {
			args.MaxLen = t.config.MaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", topic, err)
	}
	return nil
}

// Close stops publishing. Group subscribers are closed separately.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closedChan)
	})
	return nil
}

// ForGroup returns a subscriber reading as consumer group group.
func (t *Transport) ForGroup(group string) *Subscriber {
	return &Subscriber{
		transport:  t,
		group:      group,
		closedChan: make(chan struct{}),
	}
}

// Subscriber reads streams as one consumer group.
type Subscriber struct {
	transport *Transport
	group     string

	closeOnce  sync.Once
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// SubscribeInitialize creates the stream and the consumer group. An existing
// group is left untouched.
func (s *Subscriber) SubscribeInitialize(topic string) error {
	return s.ensureGroup(context.Background(), topic)
}

func (s *Subscriber) ensureGroup(ctx context.Context, topic string) error {
	if s.transport.isClosed() {
		return errspkg.ErrTransportClosed
	}
	err := s.transport.client.XGroupCreateMkStream(ctx, topic, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", s.group, topic, err)
	}
	return nil
}

// Subscribe joins the group as a new consumer and streams its entries.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if err := s.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}

	output := make(chan *message.Message)
	consumer := s.group + "-" + watermill.NewShortUUID()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(output)
		s.read(ctx, topic, consumer, output)
	}()
	return output, nil
}

// Close stops every read loop of this subscriber.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closedChan)
	})
	s.wg.Wait()
	return nil
}

func (s *Subscriber) done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.closedChan:
		return true
	case <-s.transport.closedChan:
		return true
	default:
		return false
	}
}

func (s *Subscriber) read(ctx context.Context, topic, consumer string, output chan<- *message.Message) {
	logger := s.transport.logger.With(watermill.LogFields{
		"topic":    topic,
		"group":    s.group,
		"consumer": consumer,
	})
	args := &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    1,
		Block:    s.transport.config.Block,
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for !s.done(ctx) {
		res, err := s.transport.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if s.done(ctx) {
				return
			}
			logger.Error("Failed to read from stream", err, nil)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			case <-s.closedChan:
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, entry := range stream.Messages {
				if !s.deliver(ctx, topic, entry, output, logger) {
					return
				}
			}
		}
	}
}

// deliver hands entry to output and waits for it to be settled. It reports
// whether reading should continue.
func (s *Subscriber) deliver(ctx context.Context, topic string, entry redis.XMessage, output chan<- *message.Message, logger watermill.LoggerAdapter) bool {
	msg := fromValues(entry)
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-s.closedChan:
		return false
	}

	select {
	case <-msg.Acked():
		if err := s.transport.client.XAck(context.WithoutCancel(ctx), topic, s.group, entry.ID).Err(); err != nil {
			logger.Error("Failed to ack stream entry", err, watermill.LogFields{"entry_id": entry.ID})
		}
		return true
	case <-msg.Nacked():
		logger.Info("Stream entry nacked, left pending", watermill.LogFields{"entry_id": entry.ID})
		return true
	case <-ctx.Done():
		return false
	case <-s.closedChan:
		return false
	}
}

func toValues(msg *message.Message) map[string]any {
	values := make(map[string]any, 2+len(msg.Metadata))
	values[fieldUUID] = msg.UUID
	values[fieldPayload] = []byte(msg.Payload)
	for k, v := range msg.Metadata {
		values[fieldMeta+k] = v
	}
	return values
}

func fromValues(entry redis.XMessage) *message.Message {
	uuid := valueString(entry.Values[fieldUUID])
	if uuid == "" {
		uuid = entry.ID
	}
	msg := message.NewMessage(uuid, []byte(valueString(entry.Values[fieldPayload])))
	for k, v := range entry.Values {
		if key, ok := strings.CutPrefix(k, fieldMeta); ok {
			msg.Metadata.Set(key, valueString(v))
		}
	}
	return msg
}

func valueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
