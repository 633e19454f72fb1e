// Package dedup holds the bounded in-memory set of recently seen identity
// keys. It only accelerates duplicate rejection; the queue store stays the
// source of truth.
package dedup

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	logx "tt2tg/pkg/logx"
)

const DefaultCapacity = 10000

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tt2tg_dedup_cache_hits_total",
		Help: "Ingest calls short-circuited by the dedup cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tt2tg_dedup_cache_misses_total",
		Help: "Ingest calls that fell through to the queue store check.",
	})
	cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tt2tg_dedup_cache_evictions_total",
		Help: "Keys evicted from the dedup cache (oldest first).",
	})
)

// Cache is a FIFO-bounded key set.
//
// Keys are only ever inserted once (ContainsOrAdd) and never read with Get,
// so the underlying LRU order is insertion order and eviction drops the
// oldest key. The LRU's internal lock makes each call atomic.
type Cache struct {
	keys     *lru.Cache[string, struct{}]
	capacity int
}

// New returns an empty cache holding at most capacity keys.
// capacity <= 0 means DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		cacheEvictionsTotal.Inc()
	})
	if err != nil {
		// Only returned for a non-positive size, excluded above.
		panic(err)
	}
	return &Cache{keys: c, capacity: capacity}
}

// Contains reports whether key was recorded and not yet evicted.
func (c *Cache) Contains(key string) bool {
	if c.keys.Contains(key) {
		cacheHitsTotal.Inc()
		return true
	}
	cacheMissesTotal.Inc()
	return false
}

// Record inserts key. Re-recording a present key does not refresh its age.
func (c *Cache) Record(key string) {
	if key == "" {
		return
	}
	c.keys.ContainsOrAdd(key, struct{}{})
}

func (c *Cache) Len() int      { return c.keys.Len() }
func (c *Cache) Capacity() int { return c.capacity }

// KeySource lists identity keys in queue order.
type KeySource interface {
	Keys(ctx context.Context) ([]string, error)
}

// Warm populates c from src once at startup. A failing source leaves the
// cache empty; the store check still rejects duplicates.
func (c *Cache) Warm(ctx context.Context, src KeySource, log logx.Logger) int {
	keys, err := src.Keys(ctx)
	if err != nil {
		log.Warn("dedup warm-up failed; starting with an empty cache", logx.Err(err))
		return 0
	}
	n := 0
	for _, k := range keys {
		if ok, _ := c.keys.ContainsOrAdd(k, struct{}{}); !ok {
			n++
		}
	}
	log.Info("dedup cache warmed", logx.Int("keys", n), logx.Int("capacity", c.capacity))
	return n
}
