package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// hotCache keeps recently served payloads in memory, keyed by infohash.
// A nil *hotCache is a disabled cache.
type hotCache struct {
	cache *bigcache.BigCache
}

func newHotCache(ctx context.Context, megabytes int) (*hotCache, error) {
	if megabytes <= 0 {
		return nil, nil
	}
	cfg := bigcache.Config{
		Shards:             16,
		LifeWindow:         10 * time.Minute,
		CleanWindow:        time.Minute,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       4 << 10,
		HardMaxCacheSize:   megabytes,
	}
	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init hot cache: %w", err)
	}
	return &hotCache{cache: c}, nil
}

func (h *hotCache) get(hash string) ([]byte, bool) {
	if h == nil {
		return nil, false
	}
	data, err := h.cache.Get(hash)
	if err != nil {
		return nil, false
	}
	return data, true
}

// set reports whether the payload was cached. Payloads larger than one
// shard are refused.
func (h *hotCache) set(hash string, data []byte) bool {
	if h == nil {
		return false
	}
	return h.cache.Set(hash, data) == nil
}

func (h *hotCache) delete(hash string) {
	if h == nil {
		return
	}
	// Missing entries are fine.
	_ = h.cache.Delete(hash)
}

func (h *hotCache) close() error {
	if h == nil {
		return nil
	}
	return h.cache.Close()
}
