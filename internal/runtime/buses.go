package runtime

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/socialbus/internal/runtime/config"
	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/internal/runtime/logging"
)

// Buses is a set of buses built from one config file, addressed by key.
type Buses struct {
	keys  []string
	buses map[string]*Bus
}

// NewBuses builds one bus per file entry, sharing deps. When any bus fails
// to start, the ones already started are shut down.
func NewBuses(ctx context.Context, file *config.File, log logging.ServiceLogger, deps BusDependencies) (*Buses, error) {
	if file == nil {
		return nil, errspkg.ErrConfigRequired
	}

	set := &Buses{buses: make(map[string]*Bus, len(file.Buses))}
	for i := range file.Buses {
		conf := file.Buses[i]
		bus, err := NewBus(ctx, &conf, log, deps)
		if err != nil {
			_ = set.Shutdown(ctx)
			return nil, fmt.Errorf("bus %s: %w", conf.Key, err)
		}
		set.keys = append(set.keys, conf.Key)
		set.buses[conf.Key] = bus
	}
	return set, nil
}

// Get returns the bus configured under key.
func (s *Buses) Get(key string) (*Bus, bool) {
	bus, ok := s.buses[key]
	return bus, ok
}

// Keys lists the bus keys in file order.
func (s *Buses) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Shutdown shuts every bus down concurrently and returns the first error.
func (s *Buses) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, key := range s.keys {
		bus := s.buses[key]
		g.Go(func() error {
			if err := bus.Shutdown(ctx); err != nil {
				return fmt.Errorf("bus %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}
