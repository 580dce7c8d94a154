package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/socialbus/internal/runtime/config"
	"github.com/drblury/socialbus/internal/runtime/container"
	"github.com/drblury/socialbus/internal/runtime/envelope"
	"github.com/drblury/socialbus/internal/runtime/events"
	"github.com/drblury/socialbus/internal/runtime/logging"
	"github.com/drblury/socialbus/transport"
	"github.com/drblury/socialbus/transport/transporttest"
)

const testDestination = "user-events"

type profileCreated struct {
	events.Header
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (profileCreated) TypeTag() string { return "ProfileCreated" }

func newProfileCreated(userID, email string) profileCreated {
	return profileCreated{Header: events.NewHeader(userID), UserID: userID, Email: email}
}

type profileRenamed struct {
	events.Header
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (profileRenamed) TypeTag() string { return "ProfileRenamed" }

// recorder collects handler invocations across goroutines.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type indexHandler struct {
	rec *recorder
	err error
}

func (h *indexHandler) Handle(_ context.Context, e profileCreated) error {
	h.rec.add("index:" + e.Email)
	return h.err
}

type auditHandler struct {
	rec *recorder
	err error
}

func (h *auditHandler) Handle(_ context.Context, e profileCreated) error {
	h.rec.add("audit:" + e.Email)
	return h.err
}

type welcomeHandler struct {
	rec   *recorder
	err   error
	delay time.Duration
}

func (h *welcomeHandler) Handle(ctx context.Context, e profileCreated) error {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.rec.add("welcome:" + e.Email)
	return h.err
}

type panicHandler struct{}

func (panicHandler) Handle(context.Context, profileCreated) error {
	panic("boom")
}

type renameHandler struct {
	rec *recorder
}

func (h *renameHandler) Handle(_ context.Context, e profileRenamed) error {
	h.rec.add("rename:" + e.Name)
	return nil
}

// blockingHandler signals started and waits for ctx.
type blockingHandler struct {
	started chan struct{}
	once    sync.Once
}

func (h *blockingHandler) Handle(ctx context.Context, _ profileCreated) error {
	h.once.Do(func() { close(h.started) })
	<-ctx.Done()
	return ctx.Err()
}

var errHandler = errors.New("handler failed")

type fakeTransport struct {
	pub *transporttest.Publisher
	sub *transporttest.Subscriber

	mu    sync.Mutex
	owned map[string]*transporttest.Subscriber
}

// fakeFactory returns a registry building fake transports named
// "fake-broker" (nack capable) and "fake-log". With perSubscription set,
// every subscription gets its own subscriber.
func fakeFactory(ft *fakeTransport, perSubscription bool) *transport.Registry {
	registry := transport.NewRegistry()
	build := func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		tr := transport.Transport{Publisher: ft.pub, Subscriber: ft.sub}
		if perSubscription {
			tr.SubscriberFor = func(subscription string) (message.Subscriber, error) {
				ft.mu.Lock()
				defer ft.mu.Unlock()
				sub := transporttest.NewSubscriber()
				ft.owned[subscription] = sub
				return sub, nil
			}
		}
		return tr, nil
	}
	registry.Register(transport.Descriptor{
		Name:         "fake-broker",
		Build:        build,
		Capabilities: transport.Capabilities{SupportsAck: true, SupportsNack: true},
	})
	registry.Register(transport.Descriptor{
		Name:         "fake-log",
		Build:        build,
		Capabilities: transport.Capabilities{SupportsAck: true, SupportsOrdering: true},
	})
	return registry
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pub:   &transporttest.Publisher{},
		sub:   transporttest.NewSubscriber(),
		owned: make(map[string]*transporttest.Subscriber),
	}
}

func (ft *fakeTransport) ownedSubscriber(subscription string) *transporttest.Subscriber {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.owned[subscription]
}

type testBus struct {
	*Bus
	transport *fakeTransport
	container *container.Container
	registry  *prometheus.Registry
}

type testBusOption func(*config.Config, *BusDependencies)

func withSubscriptions(names ...string) testBusOption {
	return func(c *config.Config, _ *BusDependencies) { c.Subscriptions = names }
}

func withTransport(name string) testBusOption {
	return func(c *config.Config, _ *BusDependencies) { c.PubSubSystem = name }
}

func withHooks(hooks DispatchHooks) testBusOption {
	return func(_ *config.Config, d *BusDependencies) { d.Hooks = hooks }
}

func withConfig(mutate func(*config.Config)) testBusOption {
	return func(c *config.Config, _ *BusDependencies) { mutate(c) }
}

func newTestBus(t *testing.T, opts ...testBusOption) *testBus {
	t.Helper()
	return newTestBusWith(t, newFakeTransport(), false, opts...)
}

func newTestBusWith(t *testing.T, ft *fakeTransport, perSubscription bool, opts ...testBusOption) *testBus {
	t.Helper()

	conf := &config.Config{
		ServiceName:  "search-service",
		PubSubSystem: "fake-broker",
		Destination:  testDestination,
	}
	registry := prometheus.NewRegistry()
	deps := BusDependencies{
		Container:         container.New(),
		TransportFactory:  fakeFactory(ft, perSubscription),
		MetricsRegisterer: registry,
	}
	for _, opt := range opts {
		opt(conf, &deps)
	}

	bus, err := NewBus(context.Background(), conf, logging.NopLogger{}, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})

	return &testBus{Bus: bus, transport: ft, container: deps.Container, registry: registry}
}

// subscribe runs Subscribe in the background and returns its result channel.
func subscribe[E events.Event, H Handler[E]](ctx context.Context, b *Bus) <-chan error {
	result := make(chan error, 1)
	go func() { result <- Subscribe[E, H](ctx, b) }()
	return result
}

// waitReceiving blocks until n consumers are receiving.
func waitReceiving(t *testing.T, b *Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		receiving := 0
		for _, c := range b.Consumers() {
			if c.State == ConsumerReceiving.String() {
				receiving++
			}
		}
		return receiving == n
	}, 2*time.Second, 5*time.Millisecond)
}

// consumerRefs returns how many Subscribe calls share the consumer for the
// given destination and subscription.
func consumerRefs(b *Bus, destination, subscription string) int {
	b.consumersMu.Lock()
	defer b.consumersMu.Unlock()
	c, ok := b.consumers[consumerKey{destination: destination, subscription: subscription}]
	if !ok {
		return 0
	}
	return c.refs
}

func envelopeMessage(t *testing.T, event events.Event) *message.Message {
	t.Helper()
	env, err := envelope.Encode(event)
	require.NoError(t, err)
	return env.ToMessage()
}

type settlement string

const (
	settledAck  settlement = "ack"
	settledNack settlement = "nack"
)

func awaitSettlement(t *testing.T, msg *message.Message) settlement {
	t.Helper()
	select {
	case <-msg.Acked():
		return settledAck
	case <-msg.Nacked():
		return settledNack
	case <-time.After(2 * time.Second):
		t.Fatal("message was not settled")
		return ""
	}
}
