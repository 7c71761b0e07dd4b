package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/skiff-io/skiff/pkg/provider"
	"github.com/skiff-io/skiff/providers/aws"
	"github.com/skiff-io/skiff/providers/mem"
)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]provider.Provider),
	}
}

// LoadProvider initializes and registers a built-in provider. Loading an
// already-loaded provider is a no-op.
func (r *Registry) LoadProvider(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	var p provider.Provider
	switch name {
	case "mem":
		p = mem.New()
	case "aws":
		awsProvider, err := aws.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize aws provider: %w", err)
		}
		p = awsProvider
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}

	r.providers[name] = p
	return nil
}

// Register installs a pre-built provider instance, replacing any existing
// one with the same name. Tests use this to inject doubles.
func (r *Registry) Register(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}
