package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/socialbus/internal/runtime/config"
	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.CapabilitiesOf(TransportName)
	assert.Equal(t, "sqlite", caps.Name)
	assert.Equal(t, transport.DeliveryBroker, caps.Delivery())
	assert.True(t, caps.SupportsNativeDLQ)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.SQLiteCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultFilePath, result.FilePath)
		assert.Equal(t, DefaultPollInterval, result.PollInterval)
		assert.Equal(t, DefaultMaxRetries, result.MaxRetries)
		assert.Equal(t, DefaultLockTimeout, result.LockTimeout)
		assert.Equal(t, DefaultRetryBackoff, result.RetryBackoff)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			FilePath:     "custom.db",
			PollInterval: 200 * time.Millisecond,
			MaxRetries:   5,
			LockTimeout:  time.Minute,
			RetryBackoff: time.Millisecond,
		}
		assert.Equal(t, cfg, cfg.withDefaults())
	})
}

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(Config{
		FilePath:     ":memory:",
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-messages:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestNew(t *testing.T) {
	t.Run("creates the schema", func(t *testing.T) {
		tr := newTestTransport(t)

		for _, table := range []string{"subscriptions", "messages", "dead_letter"} {
			var count int
			err := tr.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, table)
		}
	})

	t.Run("opens a file database", func(t *testing.T) {
		tr, err := New(Config{FilePath: filepath.Join(t.TempDir(), "queue.db")}, nil)
		require.NoError(t, err)
		require.NoError(t, tr.Close())
	})
}

func TestBuild(t *testing.T) {
	tr, err := Build(context.Background(), &config.Config{SQLiteFile: ":memory:", ServiceName: "search-service"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	sub, ok := tr.Subscriber.(*Subscriber)
	require.True(t, ok)
	assert.Equal(t, "search-service", sub.subscription)

	named, owned, err := tr.Receiver("search-audit")
	require.NoError(t, err)
	assert.True(t, owned)
	assert.Equal(t, "search-audit", named.(*Subscriber).subscription)
}

func TestPublishFansOutPerSubscription(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	require.NoError(t, tr.ForSubscription("search").SubscribeInitialize("user-events"))
	require.NoError(t, tr.ForSubscription("audit").SubscribeInitialize("user-events"))
	require.NoError(t, tr.ForSubscription("audit").SubscribeInitialize("user-events"))

	require.NoError(t, tr.Publish("user-events", message.NewMessage("1", []byte("{}")), message.NewMessage("2", []byte("{}"))))

	count, err := tr.PendingCount(ctx, "user-events")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestPublishWithoutSubscriptionsDrops(t *testing.T) {
	tr := newTestTransport(t)

	require.NoError(t, tr.Publish("nobody", message.NewMessage("1", []byte("{}"))))

	count, err := tr.PendingCount(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPublishRequiresTopic(t *testing.T) {
	tr := newTestTransport(t)
	assert.ErrorIs(t, tr.Publish("", message.NewMessage("1", nil)), errspkg.ErrTopicRequired)
}

func TestSubscribeDeliversAndAckDeletes(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.ForSubscription("search").Subscribe(ctx, "user-events")
	require.NoError(t, err)

	msg := message.NewMessage("01HZX", []byte(`{"user_id":"u1"}`))
	msg.Metadata.Set("event_message_schema", "UserCreated")
	require.NoError(t, tr.Publish("user-events", msg))

	received := receive(t, messages)
	assert.Equal(t, "01HZX", received.UUID)
	assert.Equal(t, msg.Payload, received.Payload)
	assert.Equal(t, "UserCreated", received.Metadata.Get("event_message_schema"))
	received.Ack()

	assert.Eventually(t, func() bool {
		count, err := tr.PendingCount(ctx, "user-events")
		return err == nil && count == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNackRedeliversThenDeadLetters(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.ForSubscription("search").Subscribe(ctx, "user-events")
	require.NoError(t, err)
	require.NoError(t, tr.Publish("user-events", message.NewMessage("1", []byte("{}"))))

	// MaxRetries 2: the original delivery plus two redeliveries.
	for range 3 {
		msg := receive(t, messages)
		assert.Equal(t, "1", msg.UUID)
		msg.Nack()
	}

	assert.Eventually(t, func() bool {
		count, err := tr.DeadLetterCount(ctx, "user-events")
		return err == nil && count == 1
	}, 2*time.Second, 5*time.Millisecond)

	pending, err := tr.PendingCount(ctx, "user-events")
	require.NoError(t, err)
	assert.Zero(t, pending)

	replayed, err := tr.ReplayDeadLetters(ctx, "user-events")
	require.NoError(t, err)
	assert.Equal(t, int64(1), replayed)

	again := receive(t, messages)
	assert.Equal(t, "1", again.UUID)
	again.Ack()
}

func TestNackRedeliversMaxRetriesTimes(t *testing.T) {
	tr, err := New(Config{
		FilePath:     ":memory:",
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.ForSubscription("search").Subscribe(ctx, "user-events")
	require.NoError(t, err)
	require.NoError(t, tr.Publish("user-events", message.NewMessage("1", []byte("{}"))))

	receive(t, messages).Nack()

	count, err := tr.DeadLetterCount(ctx, "user-events")
	require.NoError(t, err)
	assert.Zero(t, count, "first failure must be redelivered")

	redelivered := receive(t, messages)
	assert.Equal(t, "1", redelivered.UUID)
	redelivered.Nack()

	assert.Eventually(t, func() bool {
		count, err := tr.DeadLetterCount(ctx, "user-events")
		return err == nil && count == 1
	}, 2*time.Second, 5*time.Millisecond)

	var retries int
	require.NoError(t, tr.db.QueryRow(`SELECT retry_count FROM dead_letter WHERE uuid = '1'`).Scan(&retries))
	assert.Equal(t, 2, retries)
}

func TestPurgeDeadLetters(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	_, err := tr.db.Exec(`
		INSERT INTO dead_letter (uuid, topic, subscription, payload, metadata)
		VALUES ('a', 'user-events', 'search', 'x', '{}'), ('b', 'user-events', 'search', 'y', '{}')
	`)
	require.NoError(t, err)

	purged, err := tr.PurgeDeadLetters(ctx, "user-events")
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	count, err := tr.DeadLetterCount(ctx, "user-events")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReceiversOfOneSubscriptionCompete(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := tr.ForSubscription("search")
	first, err := sub.Subscribe(ctx, "user-events")
	require.NoError(t, err)
	second, err := sub.Subscribe(ctx, "user-events")
	require.NoError(t, err)

	require.NoError(t, tr.Publish("user-events", message.NewMessage("1", []byte("{}"))))

	var got *message.Message
	select {
	case got = <-first:
	case got = <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	got.Ack()

	select {
	case dup := <-first:
		t.Fatalf("unexpected duplicate %s", dup.UUID)
	case dup := <-second:
		t.Fatalf("unexpected duplicate %s", dup.UUID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberCloseStopsReceiving(t *testing.T) {
	tr := newTestTransport(t)

	sub := tr.ForSubscription("search")
	messages, err := sub.Subscribe(context.Background(), "user-events")
	require.NoError(t, err)

	require.NoError(t, sub.Close())

	_, ok := <-messages
	assert.False(t, ok)

	// The database stays usable for other subscribers.
	require.NoError(t, tr.Publish("user-events", message.NewMessage("1", []byte("{}"))))
}

func TestCancelledContextClosesChannel(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())

	messages, err := tr.ForSubscription("search").Subscribe(ctx, "user-events")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestClosedTransportRejectsWork(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Publish("user-events", message.NewMessage("1", nil)), errspkg.ErrTransportClosed)

	_, err := tr.ForSubscription("search").Subscribe(context.Background(), "user-events")
	assert.ErrorIs(t, err, errspkg.ErrTransportClosed)
	assert.ErrorIs(t, tr.ForSubscription("search").SubscribeInitialize("user-events"), errspkg.ErrTransportClosed)
}
