package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/drblury/socialbus/internal/runtime/container"
	"github.com/drblury/socialbus/internal/runtime/envelope"
	"github.com/drblury/socialbus/internal/runtime/events"
)

// Handler processes one event type. Implementations are resolved from the
// bus container once per message.
type Handler[E events.Event] interface {
	Handle(ctx context.Context, event E) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[E events.Event] func(ctx context.Context, event E) error

func (f HandlerFunc[E]) Handle(ctx context.Context, event E) error { return f(ctx, event) }

type invokeFunc func(ctx context.Context, event any) error

// binding is one (event type, handler type) pair.
type binding struct {
	handler string
	resolve func(*container.Scope) (invokeFunc, error)
	info    *HandlerInfo
}

// route holds everything registered for one type tag. Routes are never
// mutated after they are published in a snapshot.
type route struct {
	tag      string
	decode   func(envelope.Envelope) (any, error)
	bindings []binding
}

// typeRegistry maps type tags to routes. Writers copy the table and swap it
// in, so lookups on the dispatch path take no lock.
type typeRegistry struct {
	mu     sync.Mutex
	routes atomic.Pointer[map[string]*route]
}

func newTypeRegistry() *typeRegistry {
	r := &typeRegistry{}
	empty := make(map[string]*route)
	r.routes.Store(&empty)
	return r
}

func bindingFor[E events.Event, H Handler[E]](destination string) binding {
	name := container.NameOf[H]()
	return binding{
		handler: name,
		info: &HandlerInfo{
			Name:        name,
			TypeTag:     events.TagOf[E](),
			Destination: destination,
			Stats:       newHandlerStats(),
		},
		resolve: func(scope *container.Scope) (invokeFunc, error) {
			h, err := container.Resolve[H](scope)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, event any) error {
				typed, ok := event.(E)
				if !ok {
					return fmt.Errorf("handler %s cannot take %T", name, event)
				}
				return h.Handle(ctx, typed)
			}, nil
		},
	}
}

// register appends b to the route of E. Registering the same pair twice
// invokes the handler twice.
func register[E events.Event](r *typeRegistry, b binding) {
	tag := events.TagOf[E]()

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.routes.Load()
	next := make(map[string]*route, len(current)+1)
	for k, v := range current {
		next[k] = v
	}

	updated := &route{
		tag: tag,
		decode: func(env envelope.Envelope) (any, error) {
			return envelope.Decode[E](env)
		},
	}
	if existing, ok := current[tag]; ok {
		updated.bindings = append(updated.bindings, existing.bindings...)
	}
	updated.bindings = append(updated.bindings, b)
	next[tag] = updated

	r.routes.Store(&next)
}

func (r *typeRegistry) lookup(tag string) (*route, bool) {
	rt, ok := (*r.routes.Load())[tag]
	return rt, ok
}

func (r *typeRegistry) handlers() []*HandlerInfo {
	var infos []*HandlerInfo
	for _, rt := range *r.routes.Load() {
		for _, b := range rt.bindings {
			infos = append(infos, b.info)
		}
	}
	return infos
}
