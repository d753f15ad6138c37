package services

import (
	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
	"github.com/tmnsystems/secondbrain-sub001/internal/contextstore"
	"github.com/tmnsystems/secondbrain-sub001/internal/embeddings"
	"github.com/tmnsystems/secondbrain-sub001/internal/guard"
	"github.com/tmnsystems/secondbrain-sub001/internal/review"
)

// Registry provides access to all secondbrain services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Bus() bus.Service
	Review() review.Service
	ContextStore() contextstore.Service
	Guard() guard.Service
	Embedder() embeddings.Embedder
}

// Options configures the registry with service instances.
type Options struct {
	Bus          bus.Service
	Review       review.Service
	ContextStore contextstore.Service
	Guard        guard.Service
	Embedder     embeddings.Embedder
}

// registry is the concrete implementation of Registry.
type registry struct {
	bus          bus.Service
	review       review.Service
	contextStore contextstore.Service
	guard        guard.Service
	embedder     embeddings.Embedder
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		bus:          opts.Bus,
		review:       opts.Review,
		contextStore: opts.ContextStore,
		guard:        opts.Guard,
		embedder:     opts.Embedder,
	}
}

func (r *registry) Bus() bus.Service                   { return r.bus }
func (r *registry) Review() review.Service             { return r.review }
func (r *registry) ContextStore() contextstore.Service { return r.contextStore }
func (r *registry) Guard() guard.Service               { return r.guard }
func (r *registry) Embedder() embeddings.Embedder      { return r.embedder }
