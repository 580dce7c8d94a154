package container

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
)

type searchIndex struct {
	closed *[]string
	name   string
}

func (s *searchIndex) Close() error {
	*s.closed = append(*s.closed, s.name)
	return nil
}

type indexer struct {
	index *searchIndex
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("close failed") }

func TestResolveBuildsOncePerScope(t *testing.T) {
	c := New()
	builds := 0
	var closed []string
	Provide(c, func(*Scope) (*searchIndex, error) {
		builds++
		return &searchIndex{closed: &closed, name: "index"}, nil
	})

	scope := c.NewScope(context.Background())
	first, err := Resolve[*searchIndex](scope)
	require.NoError(t, err)
	second, err := Resolve[*searchIndex](scope)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)

	other := c.NewScope(context.Background())
	third, err := Resolve[*searchIndex](other)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, builds)
}

func TestResolveDependencies(t *testing.T) {
	c := New()
	var closed []string
	Provide(c, func(*Scope) (*searchIndex, error) {
		return &searchIndex{closed: &closed, name: "index"}, nil
	})
	Provide(c, func(s *Scope) (*indexer, error) {
		idx, err := Resolve[*searchIndex](s)
		if err != nil {
			return nil, err
		}
		return &indexer{index: idx}, nil
	})

	scope := c.NewScope(context.Background())
	ix, err := Resolve[*indexer](scope)
	require.NoError(t, err)
	idx, err := Resolve[*searchIndex](scope)
	require.NoError(t, err)

	assert.Same(t, idx, ix.index)
	require.NoError(t, scope.Close())
	assert.Equal(t, []string{"index"}, closed)
}

func TestResolveMissingProvider(t *testing.T) {
	scope := New().NewScope(context.Background())

	_, err := Resolve[*indexer](scope)
	assert.ErrorIs(t, err, errspkg.ErrHandlerNotProvided)
	assert.Contains(t, err.Error(), "container.indexer")
}

func TestResolveWithoutContainer(t *testing.T) {
	_, err := Resolve[*indexer](nil)
	assert.ErrorIs(t, err, errspkg.ErrContainerRequired)

	var orphan *Container
	_, err = Resolve[*indexer](orphan.NewScope(context.Background()))
	assert.ErrorIs(t, err, errspkg.ErrContainerRequired)
}

func TestResolveConstructorError(t *testing.T) {
	c := New()
	boom := errors.New("db down")
	Provide(c, func(*Scope) (*indexer, error) { return nil, boom })

	_, err := Resolve[*indexer](c.NewScope(context.Background()))
	assert.ErrorIs(t, err, boom)
}

func TestProvideValueIsSharedAndNotClosed(t *testing.T) {
	c := New()
	var closed []string
	shared := &searchIndex{closed: &closed, name: "shared"}
	ProvideValue(c, shared)

	scope := c.NewScope(context.Background())
	got, err := Resolve[*searchIndex](scope)
	require.NoError(t, err)
	assert.Same(t, shared, got)

	require.NoError(t, scope.Close())
	assert.Empty(t, closed)
	assert.True(t, Has[*searchIndex](c))
	assert.False(t, Has[*indexer](c))
}

func TestScopeCloseJoinsErrors(t *testing.T) {
	c := New()
	Provide(c, func(*Scope) (failingCloser, error) { return failingCloser{}, nil })

	scope := c.NewScope(context.Background())
	_, err := Resolve[failingCloser](scope)
	require.NoError(t, err)

	assert.EqualError(t, scope.Close(), "close failed")
	assert.NoError(t, scope.Close())
}

func TestScopeContext(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "msg-1")
	scope := New().NewScope(ctx)
	assert.Equal(t, "msg-1", scope.Context().Value(ctxKey{}))
}

func TestNameOf(t *testing.T) {
	assert.Equal(t, "container.indexer", NameOf[indexer]())
	assert.Equal(t, "*container.indexer", NameOf[*indexer]())
	assert.Equal(t, "error", NameOf[error]())
}
