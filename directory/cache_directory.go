package directory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_directory_cache_hits",
	Help: "Number of directory lookups served from cache",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_directory_cache_misses",
	Help: "Number of directory lookups requiring upstream resolution",
})

// Caching wrapper around any [Directory]. Hits and misses are cached
// separately: a failed resolution is remembered briefly so a hot loop over a
// bad actor ID doesn't hammer the upstream, while successful entries live for
// the longer hit TTL. Concurrent lookups for the same actor are coalesced.
type CacheDirectory struct {
	inner    Directory
	hitCache *expirable.LRU[string, ActorInfo]
	errCache *expirable.LRU[string, error]
	sf       singleflight.Group
}

var _ Directory = (*CacheDirectory)(nil)

func NewCacheDirectory(inner Directory, size int, hitTTL, errTTL time.Duration) *CacheDirectory {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if hitTTL <= 0 {
		hitTTL = DefaultHitTTL
	}
	if errTTL <= 0 {
		errTTL = DefaultErrTTL
	}
	return &CacheDirectory{
		inner:    inner,
		hitCache: expirable.NewLRU[string, ActorInfo](size, nil, hitTTL),
		errCache: expirable.NewLRU[string, error](size, nil, errTTL),
	}
}

func (d *CacheDirectory) ResolveActor(ctx context.Context, actorID string) (*ActorInfo, error) {
	if info, ok := d.hitCache.Get(actorID); ok {
		cacheHits.Inc()
		return &info, nil
	}
	if err, ok := d.errCache.Get(actorID); ok {
		cacheHits.Inc()
		return nil, err
	}
	cacheMisses.Inc()

	v, err, _ := d.sf.Do(actorID, func() (interface{}, error) {
		info, err := d.inner.ResolveActor(ctx, actorID)
		if err != nil {
			d.errCache.Add(actorID, err)
			return nil, err
		}
		d.hitCache.Add(actorID, *info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ActorInfo), nil
}

// Drops any cached entry for the actor, forcing the next lookup upstream.
func (d *CacheDirectory) Purge(actorID string) {
	d.hitCache.Remove(actorID)
	d.errCache.Remove(actorID)
}
