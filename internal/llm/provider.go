package llm

import (
	"context"
	"fmt"
	"sort"

	"dev.sprung.conductor/internal/models"
)

// Provider is a vendor-neutral adapter for one LLM backend. Adapters
// translate the request envelope into the vendor wire format and map
// vendor failures onto the transport error taxonomy.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic",
	// "ollama").
	Name() string

	// Complete performs one blocking completion call.
	Complete(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error)

	// CompleteStream performs a streaming completion. The returned
	// channel is closed after the final chunk; a mid-stream failure
	// arrives as a chunk with Err set.
	CompleteStream(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error)

	// HealthCheck probes provider reachability.
	HealthCheck(ctx context.Context) error
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]Provider
}

// NewProviderRegistry builds a registry over the given adapters.
func NewProviderRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotConfigured, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
