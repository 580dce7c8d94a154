package runtime

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/socialbus/internal/runtime/config"
	"github.com/drblury/socialbus/internal/runtime/container"
	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/internal/runtime/events"
	"github.com/drblury/socialbus/internal/runtime/logging"
	"github.com/drblury/socialbus/transport"
)

const tracerName = "github.com/drblury/socialbus"

// TransportFactory builds transports and reports their capabilities.
// *transport.Registry implements it.
type TransportFactory interface {
	Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error)
	CapabilitiesOf(name string) transport.Capabilities
}

// BusDependencies are the optional collaborators of a bus. Zero values get
// defaults: an empty container, the default transport registry, the default
// Prometheus registerer when metrics are enabled and the global tracer.
type BusDependencies struct {
	Container        *container.Container
	TransportFactory TransportFactory
	Hooks            DispatchHooks
	// Middlewares wrap every handler invocation, first entry outermost.
	Middlewares       []message.HandlerMiddleware
	MetricsRegisterer prometheus.Registerer
	Tracer            trace.Tracer
	// Propagator carries span context across the transport in envelope
	// metadata. Defaults to W3C trace context.
	Propagator propagation.TextMapPropagator
}

// Bus owns one transport connection and every consumer reading through it.
type Bus struct {
	conf      config.Config
	logger    logging.ServiceLogger
	container *container.Container
	transport transport.Transport
	caps      transport.Capabilities
	policy    AckPolicy

	registry   *typeRegistry
	dispatcher *dispatcher
	metrics    *busMetrics
	gatherer   prometheus.Gatherer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	consumersMu sync.Mutex
	consumers   map[consumerKey]*consumer
	provisioned map[consumerKey]bool

	publishMu sync.RWMutex
	publishes sync.WaitGroup

	httpMu      sync.Mutex
	httpMuxes   map[int]*http.ServeMux
	httpServers []*http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewBus validates conf, connects the transport and starts the metrics and
// introspection endpoints when enabled. ctx bounds construction only; the
// bus runs until Shutdown.
func NewBus(ctx context.Context, conf *config.Config, log logging.ServiceLogger, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	cfg := conf.WithDefaults()
	if err := config.ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	b := &Bus{
		conf:        cfg,
		container:   deps.Container,
		registry:    newTypeRegistry(),
		consumers:   make(map[consumerKey]*consumer),
		provisioned: make(map[consumerKey]bool),
		tracer:      deps.Tracer,
		propagator:  deps.Propagator,
	}
	b.logger = log.With(logging.LogFields{
		"bus":       cmp.Or(cfg.Key, cfg.ServiceName),
		"transport": cfg.PubSubSystem,
	})
	if b.container == nil {
		b.container = container.New()
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}
	if b.propagator == nil {
		b.propagator = propagation.TraceContext{}
	}

	registerer := deps.MetricsRegisterer
	switch {
	case registerer != nil:
	case cfg.MetricsEnabled:
		registerer = prometheus.DefaultRegisterer
	default:
		registerer = prometheus.NewRegistry()
	}
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		b.gatherer = gatherer
	} else {
		b.gatherer = prometheus.DefaultGatherer
	}
	metrics, err := newBusMetrics(registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	b.metrics = metrics

	factory := deps.TransportFactory
	if factory == nil {
		factory = transport.DefaultRegistry
	}
	tr, err := factory.Build(ctx, &cfg, logging.NewWatermillAdapter(b.logger))
	if err != nil {
		return nil, fmt.Errorf("build transport %s: %w", cfg.PubSubSystem, err)
	}
	b.transport = tr
	b.caps = factory.CapabilitiesOf(cfg.PubSubSystem)
	if provider, ok := tr.Publisher.(transport.CapabilitiesProvider); ok {
		b.caps = provider.Capabilities()
	}
	b.policy = AckPolicyFor(cfg.AckMode, b.caps)

	b.dispatcher = &dispatcher{
		registry:  b.registry,
		container: b.container,
		logger:    b.logger,
		metrics:   b.metrics,
		chain:     invocationChain(&cfg, deps.Hooks, deps.Middlewares, b.logger),
	}

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := b.startHTTPServers(); err != nil {
		b.cancel()
		_ = tr.Close()
		return nil, err
	}

	b.logger.Info("Bus started", logging.LogFields{
		"destination": cfg.Destination,
		"delivery":    b.policy.Delivery().String(),
	})
	return b, nil
}

// Config returns the effective configuration, defaults applied.
func (b *Bus) Config() config.Config { return b.conf }

// Capabilities reports what the transport supports.
func (b *Bus) Capabilities() transport.Capabilities { return b.caps }

// Container returns the container handlers are resolved from.
func (b *Bus) Container() *container.Container { return b.container }

// Handlers lists every registered binding sorted by type tag, then name.
func (b *Bus) Handlers() []*HandlerInfo {
	infos := b.registry.handlers()
	slices.SortStableFunc(infos, func(x, y *HandlerInfo) int {
		return cmp.Or(cmp.Compare(x.TypeTag, y.TypeTag), cmp.Compare(x.Name, y.Name))
	})
	return infos
}

// Consumers lists the running consumers.
func (b *Bus) Consumers() []ConsumerInfo {
	b.consumersMu.Lock()
	defer b.consumersMu.Unlock()

	infos := make([]ConsumerInfo, 0, len(b.consumers))
	for _, c := range b.consumers {
		infos = append(infos, c.info())
	}
	slices.SortFunc(infos, func(x, y ConsumerInfo) int {
		return cmp.Or(cmp.Compare(x.Destination, y.Destination), cmp.Compare(x.Subscription, y.Subscription))
	})
	return infos
}

// DeadLetterCount reports how many messages of destination the transport
// holds as dead letters. ok is false when the transport keeps none locally.
func (b *Bus) DeadLetterCount(ctx context.Context, destination string) (count int64, ok bool, err error) {
	inspector, ok := b.transport.Publisher.(transport.DeadLetterInspector)
	if !ok {
		return 0, false, nil
	}
	count, err = inspector.DeadLetterCount(ctx, cmp.Or(destination, b.conf.Destination))
	return count, true, err
}

// Register binds handler type H to event type E without consuming. Use it
// to prepare bindings before Subscribe starts receiving.
func Register[E events.Event, H Handler[E]](b *Bus) {
	register[E](b.registry, bindingFor[E, H](b.conf.Destination))
}

// Subscribe binds H to E and consumes the bus destination through every
// configured subscription until ctx is cancelled or the bus shuts down.
// Consumers are shared between Subscribe calls on the same bus.
//
// It returns nil once receiving has started and then stopped,
// ErrSubscribeCancelled when ctx ends before receiving starts, and the
// transport error when the receiver cannot be acquired.
func Subscribe[E events.Event, H Handler[E]](ctx context.Context, b *Bus) error {
	if b.closed.Load() {
		return fmt.Errorf("%w: %w", errspkg.ErrSubscribeCancelled, errspkg.ErrBusClosed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errspkg.ErrSubscribeCancelled, err)
	}

	Register[E, H](b)

	var attached []*consumer
	for _, subscription := range b.conf.SubscriptionNames() {
		c, err := b.acquire(consumerKey{destination: b.conf.Destination, subscription: subscription})
		if err != nil {
			b.detach(attached)
			return err
		}
		attached = append(attached, c)
	}

	b.logger.Debug("Subscribed", logging.LogFields{
		"type_tag": events.TagOf[E](),
		"handler":  container.NameOf[H](),
	})

	stop := make(chan struct{})
	select {
	case <-ctx.Done():
	case <-b.ctx.Done():
	case <-allDone(stop, attached):
	}
	close(stop)
	b.detach(attached)
	return nil
}

// allDone closes when every consumer has stopped, or gives up when stop
// closes.
func allDone(stop <-chan struct{}, consumers []*consumer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for _, c := range consumers {
			select {
			case <-c.done:
			case <-stop:
				return
			}
		}
		close(done)
	}()
	return done
}

// acquire attaches to the consumer for key, starting it when none runs.
func (b *Bus) acquire(key consumerKey) (*consumer, error) {
	b.consumersMu.Lock()
	defer b.consumersMu.Unlock()

	if b.closed.Load() {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrSubscribeCancelled, errspkg.ErrBusClosed)
	}
	if c, ok := b.consumers[key]; ok {
		c.refs++
		return c, nil
	}

	c := newConsumer(b, key)
	if err := c.start(); err != nil {
		return nil, fmt.Errorf("start consumer for %s/%s: %w", key.destination, key.subscription, err)
	}
	c.refs = 1
	b.consumers[key] = c
	return c, nil
}

// detach drops one reference from each consumer and stops those nobody
// uses any more.
func (b *Bus) detach(consumers []*consumer) {
	b.consumersMu.Lock()
	var idle []*consumer
	for _, c := range consumers {
		c.refs--
		if c.refs <= 0 && b.consumers[c.key] == c {
			delete(b.consumers, c.key)
			idle = append(idle, c)
		}
	}
	b.consumersMu.Unlock()

	for _, c := range idle {
		c.stop()
	}
}

// forget removes a consumer whose loops have ended.
func (b *Bus) forget(c *consumer) {
	b.consumersMu.Lock()
	defer b.consumersMu.Unlock()
	if b.consumers[c.key] == c {
		delete(b.consumers, c.key)
	}
}

// markProvisioned reports whether key still needs provisioning and marks
// it done. Callers hold consumersMu.
func (b *Bus) markProvisioned(key consumerKey) bool {
	if b.provisioned[key] {
		return false
	}
	b.provisioned[key] = true
	return true
}

// Shutdown stops publishing and consuming, waits for in-flight work, then
// closes the transport. Without a deadline on ctx, waiting is bounded by
// the configured shutdown timeout. Later calls return the first result.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bus) shutdown(ctx context.Context) error {
	b.logger.Info("Shutting down bus", nil)

	b.publishMu.Lock()
	b.consumersMu.Lock()
	b.closed.Store(true)
	b.publishMu.Unlock()
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.consumersMu.Unlock()

	b.cancel()
	for _, c := range consumers {
		c.stop()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.conf.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	for _, c := range consumers {
		if err := c.wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s/%s: %w", c.key.destination, c.key.subscription, err))
		}
	}
	if err := waitGroup(ctx, &b.publishes); err != nil {
		errs = append(errs, fmt.Errorf("drain publishes: %w", err))
	}

	if err := b.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := b.stopHTTPServers(ctx); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		b.logger.Error("Bus shut down with errors", err, nil)
	} else {
		b.logger.Info("Bus shut down", nil)
	}
	return err
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
