// Package catalog resolves catalog references to the bounding extent of the
// item, caching lookups in memory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/manpreetbhatti/roomsync/internal/geom"
)

var ErrUnknownItem = errors.New("unknown catalog item")

// Source is the backing store of catalog items.
type Source interface {
	CatalogExtent(ctx context.Context, ref string) (geom.Vec3, bool, error)
}

type Resolver struct {
	source Source
	mu     sync.RWMutex
	cache  map[string]geom.Vec3
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source, cache: make(map[string]geom.Vec3)}
}

// Resolve returns the extent of ref. Misses are not cached so items added
// later become visible.
func (r *Resolver) Resolve(ctx context.Context, ref string) (geom.Vec3, error) {
	r.mu.RLock()
	extent, ok := r.cache[ref]
	r.mu.RUnlock()
	if ok {
		return extent, nil
	}

	extent, found, err := r.source.CatalogExtent(ctx, ref)
	if err != nil {
		return geom.Vec3{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	if !found {
		return geom.Vec3{}, fmt.Errorf("%w: %s", ErrUnknownItem, ref)
	}

	r.mu.Lock()
	r.cache[ref] = extent
	r.mu.Unlock()
	return extent, nil
}

// Invalidate drops a cached entry after the item changed.
func (r *Resolver) Invalidate(ref string) {
	r.mu.Lock()
	delete(r.cache, ref)
	r.mu.Unlock()
}
