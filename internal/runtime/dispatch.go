package runtime

import (
	"cmp"
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/socialbus/internal/runtime/config"
	"github.com/drblury/socialbus/internal/runtime/container"
	"github.com/drblury/socialbus/internal/runtime/envelope"
	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/internal/runtime/logging"
	"github.com/drblury/socialbus/internal/runtime/metadata"
)

const (
	defaultRetryInitialInterval = 100 * time.Millisecond
	defaultRetryMaxInterval     = 10 * time.Second
)

// dispatcher fans one envelope out to every handler bound to its tag.
type dispatcher struct {
	registry  *typeRegistry
	container *container.Container
	logger    logging.ServiceLogger
	metrics   *busMetrics

	// chain wraps every handler invocation, outermost first.
	chain []message.HandlerMiddleware
}

// invocationChain builds the per-invocation middleware: hooks, the caller's
// middlewares, retries, then panic recovery closest to the handler.
func invocationChain(conf *config.Config, hooks DispatchHooks, extra []message.HandlerMiddleware, logger logging.ServiceLogger) []message.HandlerMiddleware {
	var chain []message.HandlerMiddleware
	if !hooks.empty() {
		chain = append(chain, hooksMiddleware(hooks))
	}
	chain = append(chain, extra...)
	if conf.RetryMaxRetries > 0 {
		initial := cmp.Or(conf.RetryInitialInterval, defaultRetryInitialInterval)
		chain = append(chain, middleware.Retry{
			MaxRetries:      conf.RetryMaxRetries,
			InitialInterval: initial,
			MaxInterval:     max(cmp.Or(conf.RetryMaxInterval, defaultRetryMaxInterval), initial),
			Multiplier:      2,
			Logger:          logging.NewWatermillAdapter(logger),
		}.Middleware)
	}
	return append(chain, middleware.Recoverer)
}

// Dispatch runs all handlers bound to env's tag and joins them. It returns
// nil when nothing is bound, and otherwise the first failure in registration
// order as a *errors.HandlerError.
func (d *dispatcher) Dispatch(ctx context.Context, destination string, env envelope.Envelope) error {
	rt, ok := d.registry.lookup(env.TypeTag)
	if !ok || len(rt.bindings) == 0 {
		return nil
	}

	scope := d.container.NewScope(ctx)
	defer func() {
		if err := scope.Close(); err != nil {
			d.logger.Warn("Failed to release handler scope", logging.LogFields{
				"type_tag":     env.TypeTag,
				"message_uuid": env.ID,
				"error":        err.Error(),
			})
		}
	}()

	event, err := rt.decode(env)
	if err != nil {
		return err
	}

	errs := make([]error, len(rt.bindings))
	var wg sync.WaitGroup
	for i, b := range rt.bindings {
		invoke, err := b.resolve(scope)
		if err != nil {
			d.logger.Warn("Handler could not be resolved, skipping", logging.LogFields{
				"handler":      b.handler,
				"type_tag":     env.TypeTag,
				"message_uuid": env.ID,
				"error":        err.Error(),
			})
			b.info.Stats.recordSkip(err)
			continue
		}
		wg.Go(func() {
			errs[i] = d.invoke(ctx, destination, env, b, invoke, event)
		})
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return &errspkg.HandlerError{Handler: rt.bindings[i].handler, TypeTag: env.TypeTag, Err: err}
		}
	}
	return nil
}

func (d *dispatcher) invoke(ctx context.Context, destination string, env envelope.Envelope, b binding, invoke invokeFunc, event any) error {
	md := env.Metadata.
		With(metadata.KeyHandler, b.handler).
		With(metadata.KeyDestination, destination)

	msg := message.NewMessage(env.ID, env.Body)
	msg.Metadata = metadata.ToWatermill(md)
	msg.SetContext(ctx)

	h := func(m *message.Message) ([]*message.Message, error) {
		return nil, invoke(m.Context(), event)
	}
	for i := len(d.chain) - 1; i >= 0; i-- {
		h = d.chain[i](h)
	}

	start := time.Now()
	_, err := h(msg)
	duration := time.Since(start)

	b.info.Stats.recordInvocation(duration, err)
	d.metrics.recordHandler(b.handler, env.TypeTag, duration)
	return err
}
