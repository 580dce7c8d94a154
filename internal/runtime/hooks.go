package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/socialbus/internal/runtime/logging"
	"github.com/drblury/socialbus/internal/runtime/metadata"
)

// HandlerContext describes one handler invocation to hooks.
type HandlerContext struct {
	// Handler is the name of the handler type.
	Handler string
	// TypeTag is the tag of the dispatched event.
	TypeTag string
	// Destination is the topic the message was received from.
	Destination string
	// MessageUUID is the envelope id.
	MessageUUID string
	// CorrelationID is copied from the envelope headers.
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnHandlerDone and OnHandlerError.
	Duration time.Duration
}

// DispatchHooks are callbacks around each handler invocation. Nil hooks are
// not called. Hooks run on the dispatch goroutine of the handler, so they
// may be called concurrently.
type DispatchHooks struct {
	OnHandlerStart func(ctx HandlerContext)
	OnHandlerDone  func(ctx HandlerContext)
	OnHandlerError func(ctx HandlerContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnHandlerStart: chainHooks(h.OnHandlerStart, other.OnHandlerStart),
		OnHandlerDone:  chainHooks(h.OnHandlerDone, other.OnHandlerDone),
		OnHandlerError: chainErrorHooks(h.OnHandlerError, other.OnHandlerError),
	}
}

func (h DispatchHooks) empty() bool {
	return h.OnHandlerStart == nil && h.OnHandlerDone == nil && h.OnHandlerError == nil
}

func chainHooks(a, b func(HandlerContext)) func(HandlerContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HandlerContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(HandlerContext, error)) func(HandlerContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HandlerContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// hooksMiddleware reads the handler attribution the dispatcher stamps on
// each invocation message.
func hooksMiddleware(hooks DispatchHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			hctx := HandlerContext{
				Handler:       msg.Metadata.Get(metadata.KeyHandler),
				TypeTag:       msg.Metadata.Get(metadata.KeyTypeTag),
				Destination:   msg.Metadata.Get(metadata.KeyDestination),
				MessageUUID:   msg.UUID,
				CorrelationID: msg.Metadata.Get(metadata.KeyCorrelationID),
				Metadata:      msg.Metadata,
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}

			if hooks.OnHandlerStart != nil {
				hooks.OnHandlerStart(hctx)
			}

			msgs, err := h(msg)
			hctx.Duration = time.Since(hctx.StartedAt)

			if err != nil {
				if hooks.OnHandlerError != nil {
					hooks.OnHandlerError(hctx, err)
				}
			} else if hooks.OnHandlerDone != nil {
				hooks.OnHandlerDone(hctx)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs every handler invocation.
func LoggingHooks(logger logging.ServiceLogger) DispatchHooks {
	fields := func(ctx HandlerContext) logging.LogFields {
		return logging.LogFields{
			"handler":        ctx.Handler,
			"type_tag":       ctx.TypeTag,
			"destination":    ctx.Destination,
			"message_uuid":   ctx.MessageUUID,
			"correlation_id": ctx.CorrelationID,
		}
	}
	return DispatchHooks{
		OnHandlerStart: func(ctx HandlerContext) {
			logger.Debug("Handler started", fields(ctx))
		},
		OnHandlerDone: func(ctx HandlerContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Handler completed", f)
		},
		OnHandlerError: func(ctx HandlerContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Handler failed", err, f)
		},
	}
}

// MetricsHooks forwards invocations to counters keyed by handler and tag.
func MetricsHooks(onStart, onDone, onError func(handler, typeTag string)) DispatchHooks {
	return DispatchHooks{
		OnHandlerStart: func(ctx HandlerContext) {
			if onStart != nil {
				onStart(ctx.Handler, ctx.TypeTag)
			}
		},
		OnHandlerDone: func(ctx HandlerContext) {
			if onDone != nil {
				onDone(ctx.Handler, ctx.TypeTag)
			}
		},
		OnHandlerError: func(ctx HandlerContext, _ error) {
			if onError != nil {
				onError(ctx.Handler, ctx.TypeTag)
			}
		},
	}
}

// AlertingHooks calls alert for every failed invocation.
func AlertingHooks(alert func(ctx HandlerContext, err error)) DispatchHooks {
	return DispatchHooks{OnHandlerError: alert}
}
