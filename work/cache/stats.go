package cache

import (
	"fmt"
	"time"

	"kptv-checker/work/types"

	"github.com/dgraph-io/ristretto/v2"
)

// StatsCache is a TTL cache in front of the external system's persisted
// stream-stats blobs. Re-checks of unchanged streams hit this cache instead of
// refetching the same blob from the API within the TTL window.
type StatsCache struct {
	cache    *ristretto.Cache[string, *types.ProbeResult]
	duration func() time.Duration
}

// NewStatsCache builds the cache. The TTL is read through the provider on
// every Set, so a config patch changes the lifetime of new entries
// immediately.
func NewStatsCache(duration func() time.Duration) *StatsCache {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *types.ProbeResult]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &StatsCache{
		cache:    cache,
		duration: duration,
	}
}

func (sc *StatsCache) Get(streamID int64) (*types.ProbeResult, bool) {
	return sc.cache.Get(key(streamID))
}

func (sc *StatsCache) Set(streamID int64, stats *types.ProbeResult) {
	sc.cache.SetWithTTL(key(streamID), stats, 1, sc.duration())
}

// Invalidate drops a stream's cached stats, used after a fresh probe so the
// next cycle sees the new blob.
func (sc *StatsCache) Invalidate(streamID int64) {
	sc.cache.Del(key(streamID))
}

func (sc *StatsCache) Close() {
	sc.cache.Close()
}

func key(streamID int64) string {
	return fmt.Sprintf("stats:%d", streamID)
}
