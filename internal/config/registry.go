package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/audioproc/pkg/apm"
)

// ErrEngineNotRegistered is returned by [Registry.CreateEngine] when no
// factory has been registered under the requested engine name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// EngineConstructor builds an [apm.Engine] for the given session settings.
type EngineConstructor func(SessionConfig) (apm.Engine, error)

// Registry maps engine names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineConstructor
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]EngineConstructor),
	}
}

// RegisterEngine registers an engine constructor under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, ctor EngineConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = ctor
}

// CreateEngine instantiates the engine named by cfg.Engine.
// Returns [ErrEngineNotRegistered] if no constructor exists for that name.
func (r *Registry) CreateEngine(cfg SessionConfig) (apm.Engine, error) {
	ctor, err := r.lookup(cfg.Engine)
	if err != nil {
		return nil, err
	}
	return ctor(cfg)
}

// EngineFactory returns an [apm.EngineFactory] bound to cfg, suitable for
// [apm.WithEngineFactory]. The name is resolved eagerly so a typo fails
// before any session is built.
func (r *Registry) EngineFactory(cfg SessionConfig) (apm.EngineFactory, error) {
	ctor, err := r.lookup(cfg.Engine)
	if err != nil {
		return nil, err
	}
	return func() (apm.Engine, error) { return ctor(cfg) }, nil
}

// Names returns the registered engine names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) lookup(name string) (EngineConstructor, error) {
	r.mu.RLock()
	ctor, ok := r.engines[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrEngineNotRegistered, name)
	}
	return ctor, nil
}
