package names

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type Resolver interface {
	Resolve(ctx context.Context, address string) (name string, found bool, err error)
}

// CachedResolver remembers successful resolutions until they expire or the cache is purged.
type CachedResolver struct {
	resolver Resolver
	cache    *ttlcache.Cache[string, string]
}

func NewCachedResolver(resolver Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		resolver: resolver,
		cache:    ttlcache.New[string, string](ttlcache.WithTTL[string, string](ttl)),
	}
}

func (r *CachedResolver) Resolve(ctx context.Context, address string) (string, bool, error) {
	key := strings.ToLower(address)
	if item := r.cache.Get(key); item != nil {
		return item.Value(), true, nil
	}
	name, found, err := r.resolver.Resolve(ctx, address)
	if err != nil || !found {
		return name, found, err
	}
	r.cache.Set(key, name, ttlcache.DefaultTTL)
	return name, true, nil
}

// Purge drops every cached resolution. Called on each epoch rollover.
func (r *CachedResolver) Purge() {
	r.cache.DeleteAll()
}

func (r *CachedResolver) Len() int {
	return r.cache.Len()
}

// Chain asks each resolver in turn and returns the first match.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, address string) (string, bool, error) {
	for _, resolver := range c {
		name, found, err := resolver.Resolve(ctx, address)
		if err != nil {
			return "", false, err
		}
		if found {
			return name, true, nil
		}
	}
	return "", false, nil
}
