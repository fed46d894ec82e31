package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sibilant-audio/sibilant/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested source name.
var ErrSourceNotRegistered = errors.New("config: audio source not registered")

// SourceFactory builds an [audio.Source] from its configuration entry.
type SourceFactory func(SourceConfig) (audio.Source, error)

// Registry maps audio source names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
	}
}

// RegisterSource registers a source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSource instantiates an audio source using the factory registered
// under entry.Name. Returns [ErrSourceNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSource(entry SourceConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrSourceNotRegistered, entry.Name, r.Names())
	}
	return factory(entry)
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
