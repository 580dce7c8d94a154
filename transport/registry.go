package transport

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
)

// Descriptor is one transport backend as the bus sees it: the PubSubSystem
// value selecting it, alternative spellings, its builder and how it settles
// messages.
type Descriptor struct {
	Name         string
	Aliases      []string
	Build        Builder
	Capabilities Capabilities
}

// Delivery is the acknowledgement model the bus applies to this backend.
func (d Descriptor) Delivery() DeliveryModel { return d.Capabilities.Delivery() }

// Registry resolves PubSubSystem values to transport descriptors. Names and
// aliases match case-insensitively.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor // by canonical name
	lookup      map[string]string     // folded name or alias -> canonical name
}

// DefaultRegistry is where the built-in transports register themselves.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		lookup:      make(map[string]string),
	}
}

func fold(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds d, replacing any descriptor registered under the same name.
// It panics on an empty name or nil builder, like database/sql.Register.
func (r *Registry) Register(d Descriptor) {
	if d.Name == "" {
		panic("transport: Register with empty name")
	}
	if d.Build == nil {
		panic("transport: Register " + d.Name + " with nil builder")
	}
	if d.Capabilities.Name == "" {
		d.Capabilities.Name = d.Name
	}
	d.Aliases = slices.Clone(d.Aliases)

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.descriptors[d.Name]; ok {
		for _, alias := range old.Aliases {
			delete(r.lookup, fold(alias))
		}
	}
	r.descriptors[d.Name] = d
	r.lookup[fold(d.Name)] = d.Name
	for _, alias := range d.Aliases {
		r.lookup[fold(alias)] = d.Name
	}
}

// Lookup returns the descriptor selected by name or one of its aliases.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.lookup[fold(name)]
	if !ok {
		return Descriptor{}, false
	}
	return r.descriptors[canonical], true
}

// Has reports whether name selects a registered transport.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// CapabilitiesOf returns the capabilities of the transport selected by name.
// Unknown names get a zero value, which classifies as log-style delivery.
func (r *Registry) CapabilitiesOf(name string) Capabilities {
	if d, ok := r.Lookup(name); ok {
		return d.Capabilities
	}
	return Capabilities{Name: name}
}

// Build creates the transport selected by cfg.GetPubSubSystem(). A builder
// must return a publisher and at least one way to subscribe; otherwise the
// partial transport is closed and an error returned.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}

	name := cfg.GetPubSubSystem()
	d, ok := r.Lookup(name)
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}

	tr, err := d.Build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("%s: %w", d.Name, err)
	}

	var missing error
	switch {
	case tr.Publisher == nil:
		missing = errspkg.ErrPublisherRequired
	case tr.Subscriber == nil && tr.SubscriberFor == nil:
		missing = errspkg.ErrSubscriberRequired
	}
	if missing != nil {
		_ = tr.Close()
		return Transport{}, fmt.Errorf("%s: %w", d.Name, missing)
	}
	return tr, nil
}

// Names returns the canonical transport names, sorted. Aliases are omitted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register adds d to the default registry.
func Register(d Descriptor) {
	DefaultRegistry.Register(d)
}

// Lookup resolves name in the default registry.
func Lookup(name string) (Descriptor, bool) {
	return DefaultRegistry.Lookup(name)
}

// CapabilitiesOf returns the capabilities registered in the default registry.
func CapabilitiesOf(name string) Capabilities {
	return DefaultRegistry.CapabilitiesOf(name)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
