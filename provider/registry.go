package provider

import (
	"fmt"
	"sync"
)

// Registry manages all payment provider implementations. Registering a
// provider instantiates it once with empty config to pre-compute its
// capability metadata, so capability lookups never construct an adapter and
// provider mis-configuration surfaces at startup rather than at request time.
type Registry struct {
	factories    map[string]ProviderFactory
	capabilities map[string]Capabilities
	mu           sync.RWMutex
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		factories:    make(map[string]ProviderFactory),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a payment provider factory to the registry
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.capabilities[name] = factory().Capabilities()
}

// Resolve creates a provider instance initialized with the given config
func (r *Registry) Resolve(name string, config map[string]string) (PaymentProvider, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	p := factory()
	if err := p.Initialize(config); err != nil {
		return nil, fmt.Errorf("failed to initialize provider '%s': %w", name, err)
	}

	return p, nil
}

// Capabilities returns the cached capability metadata for a provider
func (r *Registry) Capabilities(name string) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps, exists := r.capabilities[name]
	if !exists {
		return Capabilities{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	return caps, nil
}

// Names returns a list of all registered provider names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	return names
}

// AllCapabilities returns the cached capability metadata for every provider
func (r *Registry) AllCapabilities() map[string]Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Capabilities, len(r.capabilities))
	for name, caps := range r.capabilities {
		out[name] = caps
	}

	return out
}

// Clear removes all registered providers, for test isolation
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]ProviderFactory)
	r.capabilities = make(map[string]Capabilities)
}

// DefaultRegistry is the process-wide registry populated by the adapter
// packages' init functions. Components receive a *Registry explicitly; the
// default exists so blank imports can register at boot.
var DefaultRegistry = NewRegistry()

// Register registers a provider with the default registry
func Register(name string, factory ProviderFactory) {
	DefaultRegistry.Register(name, factory)
}

// Resolve creates an initialized provider instance from the default registry
func Resolve(name string, config map[string]string) (PaymentProvider, error) {
	return DefaultRegistry.Resolve(name, config)
}
