package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drblury/socialbus/internal/runtime/config"
	"github.com/drblury/socialbus/internal/runtime/container"
	"github.com/drblury/socialbus/internal/runtime/envelope"
	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/internal/runtime/events"
	"github.com/drblury/socialbus/internal/runtime/logging"
	"github.com/drblury/socialbus/internal/runtime/metadata"
	"github.com/drblury/socialbus/transport"
)

func TestNewBusRequiresConfigAndLogger(t *testing.T) {
	_, err := NewBus(context.Background(), nil, logging.NopLogger{}, BusDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewBus(context.Background(), &config.Config{}, nil, BusDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestNewBusRejectsInvalidConfig(t *testing.T) {
	_, err := NewBus(context.Background(), &config.Config{AckMode: "sometimes"}, logging.NopLogger{}, BusDependencies{
		TransportFactory: fakeFactory(newFakeTransport(), false),
	})

	var validationErr errspkg.ConfigValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestNewBusFailsForUnknownTransport(t *testing.T) {
	_, err := NewBus(context.Background(), &config.Config{PubSubSystem: "carrier-pigeon"}, logging.NopLogger{}, BusDependencies{
		TransportFactory: fakeFactory(newFakeTransport(), false),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNewBusAppliesDefaults(t *testing.T) {
	b := newTestBus(t, withConfig(func(c *config.Config) { c.Destination = "" }))

	conf := b.Config()
	assert.Equal(t, config.DefaultDestination, conf.Destination)
	assert.Equal(t, config.AckModeAuto, conf.AckMode)
	assert.Equal(t, 1, conf.MaxConcurrentCalls)
	assert.Equal(t, "fake-broker", b.Capabilities().Name)
	assert.NotNil(t, b.Container())
}

func TestAckPolicyFollowsTransport(t *testing.T) {
	assert.Equal(t, transport.DeliveryBroker, newTestBus(t).policy.Delivery())
	assert.Equal(t, transport.DeliveryLog, newTestBus(t, withTransport("fake-log")).policy.Delivery())
	assert.Equal(t, transport.DeliveryLog, newTestBus(t, withConfig(func(c *config.Config) {
		c.AckMode = config.AckModeLog
	})).policy.Delivery())
}

func TestSubscribeFansOutToEveryBinding(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	container.ProvideValue(b.container, &indexHandler{rec: rec})
	container.ProvideValue(b.container, &auditHandler{rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	Register[profileCreated, *indexHandler](b.Bus)
	result := subscribe[profileCreated, *auditHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 1)

	msg := envelopeMessage(t, newProfileCreated("u1", "a@b.com"))
	require.NoError(t, b.transport.sub.Deliver(testDestination, msg))

	assert.Equal(t, settledAck, awaitSettlement(t, msg))
	assert.ElementsMatch(t, []string{"index:a@b.com", "audit:a@b.com"}, rec.Calls())

	cancel()
	require.NoError(t, <-result)
}

func TestSubscribeRoutesByTypeTag(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	container.ProvideValue(b.container, &indexHandler{rec: rec})
	container.ProvideValue(b.container, &renameHandler{rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	Register[profileRenamed, *renameHandler](b.Bus)
	subscribe[profileCreated, *indexHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 1)

	renamed := envelopeMessage(t, profileRenamed{Header: events.NewHeader("u1"), UserID: "u1", Name: "ada"})
	require.NoError(t, b.transport.sub.Deliver(testDestination, renamed))
	assert.Equal(t, settledAck, awaitSettlement(t, renamed))

	assert.Equal(t, []string{"rename:ada"}, rec.Calls())
}

func TestUnknownTypeTagIsAcknowledged(t *testing.T) {
	b := newTestBus(t)
	container.ProvideValue(b.container, &indexHandler{rec: &recorder{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscribe[profileCreated, *indexHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 1)

	unknown := message.NewMessage("1", []byte(`{"x":1}`))
	unknown.Metadata.Set(metadata.KeyTypeTag, "SomethingElse")
	untagged := message.NewMessage("2", []byte(`not json`))

	for _, msg := range []*message.Message{unknown, untagged} {
		require.NoError(t, b.transport.sub.Deliver(testDestination, msg))
		assert.Equal(t, settledAck, awaitSettlement(t, msg))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(b.metrics.decodeMisses.WithLabelValues(testDestination)))
}

func TestBrokerPolicyAbandonsFailedMessages(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	container.ProvideValue(b.container, &indexHandler{rec: rec})
	container.ProvideValue(b.container, &auditHandler{rec: rec, err: errHandler})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Register[profileCreated, *indexHandler](b.Bus)
	subscribe[profileCreated, *auditHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 1)

	msg := envelopeMessage(t, newProfileCreated("u1", "a@b.com"))
	require.NoError(t, b.transport.sub.Deliver(testDestination, msg))

	assert.Equal(t, settledNack, awaitSettlement(t, msg))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.settled.WithLabelValues(testDestination, actionNack)))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.dispatched.WithLabelValues(testDestination, "ProfileCreated", outcomeFailure)))
}

func TestLogPolicyCommitsFailedMessages(t *testing.T) {
	b := newTestBus(t, withTransport("fake-log"))
	container.ProvideValue(b.container, &auditHandler{rec: &recorder{}, err: errHandler})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscribe[profileCreated, *auditHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 1)

	msg := envelopeMessage(t, newProfileCreated("u1", "a@b.com"))
	require.NoError(t, b.transport.sub.Deliver(testDestination, msg))

	assert.Equal(t, settledAck, awaitSettlement(t, msg))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.settled.WithLabelValues(testDestination, actionAck)))
}

func TestSubscribeWithCancelledContextReturnsImmediately(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	container.ProvideValue(b.container, &indexHandler{rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Subscribe[profileCreated, *indexHandler](ctx, b.Bus)
	assert.ErrorIs(t, err, errspkg.ErrSubscribeCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, b.transport.sub.Subscriptions(testDestination))
	assert.Empty(t, b.Consumers())
	assert.Empty(t, b.Handlers())
	assert.Empty(t, rec.Calls())
}

func TestProvisioningRunsOncePerSubscription(t *testing.T) {
	b := newTestBus(t)
	container.ProvideValue(b.container, &indexHandler{rec: &recorder{}})
	container.ProvideValue(b.container, &auditHandler{rec: &recorder{}})

	first, cancelFirst := context.WithCancel(context.Background())
	firstResult := subscribe[profileCreated, *indexHandler](first, b.Bus)
	waitReceiving(t, b.Bus, 1)

	second, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()
	secondResult := subscribe[profileCreated, *auditHandler](second, b.Bus)

	require.Eventually(t, func() bool {
		return consumerRefs(b.Bus, testDestination, "search-service") == 2
	}, time.Second, 5*time.Millisecond)

	cancelFirst()
	require.NoError(t, <-firstResult)

	assert.Equal(t, 1, b.transport.sub.Initializations(testDestination))
	assert.Equal(t, 1, b.transport.sub.Subscriptions(testDestination))

	cancelSecond()
	require.NoError(t, <-secondResult)

	require.Eventually(t, func() bool { return len(b.Consumers()) == 0 }, time.Second, 5*time.Millisecond)

	third, cancelThird := context.WithCancel(context.Background())
	defer cancelThird()
	subscribe[profileCreated, *indexHandler](third, b.Bus)
	waitReceiving(t, b.Bus, 1)

	assert.Equal(t, 1, b.transport.sub.Initializations(testDestination))
	assert.Equal(t, 2, b.transport.sub.Subscriptions(testDestination))
}

func TestProvisioningFailureDoesNotStopConsumption(t *testing.T) {
	ft := newFakeTransport()
	ft.sub.InitializeErr = errors.New("topic already exists with other settings")
	b := newTestBusWith(t, ft, false)
	rec := &recorder{}
	container.ProvideValue(b.container, &indexHandler{rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscribe[profileCreated, *indexHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 1)

	msg := envelopeMessage(t, newProfileCreated("u1", "a@b.com"))
	require.NoError(t, ft.sub.Deliver(testDestination, msg))
	assert.Equal(t, settledAck, awaitSettlement(t, msg))
	assert.Equal(t, []string{"index:a@b.com"}, rec.Calls())
}

func TestSubscribeReturnsReceiverErrors(t *testing.T) {
	ft := newFakeTransport()
	ft.sub.SubscribeErr = errors.New("connection refused")
	b := newTestBusWith(t, ft, false)
	container.ProvideValue(b.container, &indexHandler{rec: &recorder{}})

	err := Subscribe[profileCreated, *indexHandler](context.Background(), b.Bus)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, b.Consumers())
}

func TestSubscribeConsumesEverySubscription(t *testing.T) {
	ft := newFakeTransport()
	b := newTestBusWith(t, ft, true, withSubscriptions("search-index", "search-audit"))
	rec := &recorder{}
	container.ProvideValue(b.container, &indexHandler{rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	result := subscribe[profileCreated, *indexHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 2)

	consumers := b.Consumers()
	assert.Equal(t, "search-audit", consumers[0].Subscription)
	assert.Equal(t, "search-index", consumers[1].Subscription)
	assert.Equal(t, "broker", consumers[0].Delivery)

	for _, name := range []string{"search-index", "search-audit"} {
		sub := ft.ownedSubscriber(name)
		require.NotNil(t, sub, name)
		msg := envelopeMessage(t, newProfileCreated("u1", name))
		require.NoError(t, sub.Deliver(testDestination, msg))
		assert.Equal(t, settledAck, awaitSettlement(t, msg))
	}
	assert.ElementsMatch(t, []string{"index:search-index", "index:search-audit"}, rec.Calls())

	cancel()
	require.NoError(t, <-result)

	require.Eventually(t, func() bool {
		return ft.ownedSubscriber("search-index").Closed() && ft.ownedSubscriber("search-audit").Closed()
	}, time.Second, 5*time.Millisecond)
}

func TestOwnedReceiversOpenOneStreamPerConcurrentCall(t *testing.T) {
	ft := newFakeTransport()
	b := newTestBusWith(t, ft, true, withConfig(func(c *config.Config) { c.MaxConcurrentCalls = 3 }))
	container.ProvideValue(b.container, &indexHandler{rec: &recorder{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscribe[profileCreated, *indexHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 1)

	assert.Equal(t, 3, ft.ownedSubscriber("search-service").Subscriptions(testDestination))
}

func TestLogTransportsUseOneStream(t *testing.T) {
	ft := newFakeTransport()
	b := newTestBusWith(t, ft, true, withTransport("fake-log"), withConfig(func(c *config.Config) { c.MaxConcurrentCalls = 3 }))
	container.ProvideValue(b.container, &indexHandler{rec: &recorder{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscribe[profileCreated, *indexHandler](ctx, b.Bus)
	waitReceiving(t, b.Bus, 1)

	assert.Equal(t, 1, ft.ownedSubscriber("search-service").Subscriptions(testDestination))
}

func TestShutdownStopsSubscribersAndClosesTransport(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := newFakeTransport()
	b := newTestBusWith(t, ft, false)
	blocking := &blockingHandler{started: make(chan struct{})}
	container.ProvideValue(b.container, blocking)

	result := subscribe[profileCreated, *blockingHandler](context.Background(), b.Bus)
	waitReceiving(t, b.Bus, 1)

	msg := envelopeMessage(t, newProfileCreated("u1", "a@b.com"))
	require.NoError(t, ft.sub.Deliver(testDestination, msg))
	<-blocking.started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	require.NoError(t, <-result)
	assert.Equal(t, settledNack, awaitSettlement(t, msg))
	assert.True(t, ft.pub.Closed())
	assert.True(t, ft.sub.Closed())
	assert.Empty(t, b.Consumers())

	assert.NoError(t, b.Shutdown(ctx), "second shutdown returns the first result")
}

func TestShutdownRejectsNewWork(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Shutdown(context.Background()))

	err := Subscribe[profileCreated, *indexHandler](context.Background(), b.Bus)
	assert.ErrorIs(t, err, errspkg.ErrSubscribeCancelled)
	assert.ErrorIs(t, err, errspkg.ErrBusClosed)

	err = b.Publish(context.Background(), newProfileCreated("u1", "a@b.com"))
	assert.ErrorIs(t, err, errspkg.ErrPublishCancelled)
	assert.ErrorIs(t, err, errspkg.ErrBusClosed)
}

func TestShutdownAbandonsStuckPublish(t *testing.T) {
	ft := newFakeTransport()
	ft.pub.Block = make(chan struct{})
	defer close(ft.pub.Block)
	b := newTestBusWith(t, ft, false)

	published := make(chan error, 1)
	go func() { published <- b.Publish(context.Background(), newProfileCreated("u1", "a@b.com")) }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the transport call itself cannot be interrupted")
	assert.True(t, ft.pub.Closed())

	err = <-published
	assert.ErrorIs(t, err, errspkg.ErrPublishCancelled)
	assert.ErrorIs(t, err, errspkg.ErrBusClosed)
}

func TestDeadLetterCount(t *testing.T) {
	b := newTestBus(t)
	_, ok, err := b.DeadLetterCount(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandlersListsBindingsWithStats(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	container.ProvideValue(b.container, &indexHandler{rec: rec})
	container.ProvideValue(b.container, &renameHandler{rec: rec})

	Register[profileRenamed, *renameHandler](b.Bus)
	Register[profileCreated, *indexHandler](b.Bus)

	handlers := b.Handlers()
	require.Len(t, handlers, 2)
	assert.Equal(t, "ProfileCreated", handlers[0].TypeTag)
	assert.Equal(t, "*runtime.indexHandler", handlers[0].Name)
	assert.Equal(t, testDestination, handlers[0].Destination)
	assert.Equal(t, "ProfileRenamed", handlers[1].TypeTag)

	env, err := envelope.Encode(newProfileCreated("u1", "a@b.com"))
	require.NoError(t, err)
	require.NoError(t, b.dispatcher.Dispatch(context.Background(), testDestination, env))

	stats := handlers[0].Stats.Snapshot()
	assert.Equal(t, uint64(1), stats.MessagesProcessed)
	assert.Zero(t, stats.MessagesFailed)
	assert.Equal(t, 1, stats.Latency.SampleSize)
}
