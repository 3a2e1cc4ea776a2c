package sending

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
)

// DefaultRegistrySize bounds how many providers stay constructed at once.
const DefaultRegistrySize = 256

// Entry is a cached provider with the configuration it was built from.
type Entry struct {
	Config   *domain.Provider
	Provider Provider
}

// Registry is a bounded LRU of constructed providers keyed by provider id.
// The provider update path must call Invalidate.
type Registry struct {
	store     ProviderStore
	factories map[domain.ProviderType]Factory
	cache     *lru.Cache[int64, *Entry]
}

// NewRegistry creates a registry. size <= 0 uses DefaultRegistrySize.
func NewRegistry(store ProviderStore, factories map[domain.ProviderType]Factory, size int) *Registry {
	if size <= 0 {
		size = DefaultRegistrySize
	}
	// lru only rejects non-positive sizes.
	cache, _ := lru.NewWithEvict(size, func(id int64, _ *Entry) {
		logger.Debug("provider evicted from cache", "provider_id", id)
	})
	return &Registry{store: store, factories: factories, cache: cache}
}

// Get returns the provider for id, loading and constructing it on a miss.
// Construction failures are Permanent.
func (r *Registry) Get(ctx context.Context, id int64) (*Entry, error) {
	if e, ok := r.cache.Get(id); ok {
		return e, nil
	}

	cfg, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, Permanent(fmt.Errorf("provider %d: unsupported type %q", id, cfg.Type))
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, Permanent(fmt.Errorf("provider %d: %w", id, err))
	}
	entry := &Entry{Config: cfg, Provider: p}

	// A concurrent miss may have built the same provider first; keep theirs.
	if prev, found, _ := r.cache.PeekOrAdd(id, entry); found {
		return prev, nil
	}
	return entry, nil
}

// Invalidate drops the cached provider so the next Get reloads it.
func (r *Registry) Invalidate(id int64) {
	if r.cache.Remove(id) {
		logger.Debug("provider cache invalidated", "provider_id", id)
	}
}

// Len returns the number of cached providers.
func (r *Registry) Len() int { return r.cache.Len() }
