// Package container resolves handler instances. Each dispatched message gets
// its own Scope, so handler dependencies never leak between messages.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
)

type typeKey[T any] struct{}

type constructor struct {
	build  func(*Scope) (any, error)
	shared bool
}

// Container holds constructors keyed by the type they produce.
type Container struct {
	mu    sync.RWMutex
	ctors map[any]constructor
}

// New returns an empty container.
func New() *Container {
	return &Container{ctors: make(map[any]constructor)}
}

// Provide registers ctor as the source of T. A later call for the same T
// replaces the earlier one.
func Provide[T any](c *Container, ctor func(*Scope) (T, error)) {
	c.set(typeKey[T]{}, constructor{build: func(s *Scope) (any, error) { return ctor(s) }})
}

// ProvideValue registers a fixed instance of T shared by every scope. Shared
// instances are never closed by a scope.
func ProvideValue[T any](c *Container, value T) {
	c.set(typeKey[T]{}, constructor{build: func(*Scope) (any, error) { return value, nil }, shared: true})
}

func (c *Container) set(key any, ctor constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctors[key] = ctor
}

// Has reports whether T can be resolved.
func Has[T any](c *Container) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ctors[typeKey[T]{}]
	return ok
}

func (c *Container) lookup(key any) (constructor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctor, ok := c.ctors[key]
	return ctor, ok
}

// NewScope opens a resolution scope bound to ctx.
func (c *Container) NewScope(ctx context.Context) *Scope {
	return &Scope{ctx: ctx, container: c, instances: make(map[any]any)}
}

// Scope caches resolved instances until Close.
type Scope struct {
	ctx       context.Context
	container *Container

	mu        sync.Mutex
	instances map[any]any
	closers   []io.Closer
}

// Context returns the context of the message the scope was opened for.
func (s *Scope) Context() context.Context { return s.ctx }

// Resolve returns the scope's instance of T, constructing it on first use.
// Instances implementing io.Closer are closed with the scope.
func Resolve[T any](s *Scope) (T, error) {
	var zero T
	if s == nil || s.container == nil {
		return zero, errspkg.ErrContainerRequired
	}
	key := typeKey[T]{}

	s.mu.Lock()
	if cached, ok := s.instances[key]; ok {
		s.mu.Unlock()
		instance, _ := cached.(T)
		return instance, nil
	}
	s.mu.Unlock()

	ctor, ok := s.container.lookup(key)
	if !ok {
		return zero, fmt.Errorf("%w: %s", errspkg.ErrHandlerNotProvided, NameOf[T]())
	}
	built, err := ctor.build(s)
	if err != nil {
		return zero, fmt.Errorf("resolve %s: %w", NameOf[T](), err)
	}
	instance, _ := built.(T)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.instances[key]; ok {
		instance, _ = cached.(T)
		return instance, nil
	}
	s.instances[key] = instance
	if closer, ok := any(instance).(io.Closer); ok && !ctor.shared {
		s.closers = append(s.closers, closer)
	}
	return instance, nil
}

// Close releases scoped instances in reverse resolution order.
func (s *Scope) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.instances = make(map[any]any)
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NameOf returns the package-qualified name of T, for logs and metrics.
func NameOf[T any]() string {
	return strings.TrimPrefix(fmt.Sprintf("%T", (*T)(nil)), "*")
}
