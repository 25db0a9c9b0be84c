package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxgate/voxgate/pkg/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.CreateAI] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps AI provider names to their constructor functions. It lets the
// server wire concrete provider implementations without the config package
// importing them. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	ai map[string]func(AIConfig) (realtime.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		ai: make(map[string]func(AIConfig) (realtime.Provider, error)),
	}
}

// RegisterAI registers an AI provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAI(name string, factory func(AIConfig) (realtime.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ai[name] = factory
}

// CreateAI instantiates an AI provider using the factory registered under
// cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateAI(cfg AIConfig) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.ai[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: ai/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
