// Package symbols caches per-venue trading rules (lot sizes, tick sizes,
// notional floors) so the order pipeline does not hit the venue's REST API
// on every order.
package symbols

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/pkg/types"
)

// DefaultTTL is how long a fetched SymbolInfo stays fresh.
const DefaultTTL = 30 * time.Minute

// InfoSource fetches the authoritative trading rules for one venue.
type InfoSource interface {
	GetSymbolInfo(ctx context.Context, symbol types.Symbol) (*types.SymbolInfo, error)
}

// SourceResolver maps a venue name to its info source.
type SourceResolver func(name string) (InfoSource, bool)

type entry struct {
	info      types.SymbolInfo
	fetchedAt time.Time
}

// Cache is a TTL cache of SymbolInfo keyed by (venue, symbol). When a
// refresh fails and a prior value exists, the stale value is served with a
// warning; with no prior value the error propagates.
type Cache struct {
	resolve SourceResolver
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache creates a cache with the default 30 minute TTL.
func NewCache(resolve SourceResolver, logger *slog.Logger) *Cache {
	return &Cache{
		resolve: resolve,
		logger:  logger.With("component", "symbols"),
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

func cacheKey(venue string, symbol types.Symbol) string {
	return venue + "\x00" + string(symbol)
}

// Get returns the trading rules for (venue, symbol), fetching from the
// venue when the cached value is missing or older than the TTL.
func (c *Cache) Get(ctx context.Context, venue string, symbol types.Symbol) (types.SymbolInfo, error) {
	key := cacheKey(venue, symbol)

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()

	if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.info, nil
	}

	source, found := c.resolve(venue)
	if !found {
		if ok {
			return cached.info, nil
		}
		return types.SymbolInfo{}, &types.NotFoundError{Kind: "exchange", Name: venue}
	}

	info, err := source.GetSymbolInfo(ctx, symbol)
	if err != nil {
		if ok {
			c.logger.Warn("symbol info refresh failed, serving stale value",
				"exchange", venue,
				"symbol", symbol,
				"age", c.now().Sub(cached.fetchedAt).Round(time.Second),
				"error", err,
			)
			return cached.info, nil
		}
		return types.SymbolInfo{}, fmt.Errorf("fetch symbol info %s/%s: %w", venue, symbol, err)
	}

	c.mu.Lock()
	c.entries[key] = &entry{info: *info, fetchedAt: c.now()}
	c.mu.Unlock()

	c.logger.Debug("symbol info cached", "exchange", venue, "symbol", symbol)
	return *info, nil
}

// Invalidate drops the cached value for (venue, symbol), forcing the next
// Get to re-fetch.
func (c *Cache) Invalidate(venue string, symbol types.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(venue, symbol))
}

// Len reports how many entries the cache currently holds.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
