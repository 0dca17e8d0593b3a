// Package subscription keeps exactly one upstream market-data subscription
// per unique (venue, symbol, data type, params) key, reference-counted
// across the strategies that requested it.
//
// Push subscriptions ride the venue's own stream; poll subscriptions run a
// local ticker goroutine that fetches snapshots and republishes them on the
// event bus, so downstream consumers never see the difference.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/events"
	"tradecore/pkg/types"
)

// Default polling cadences per data type. Params.PollEvery overrides.
const (
	tickerPollInterval    = 5 * time.Second
	orderBookPollInterval = 500 * time.Millisecond
	tradesPollInterval    = 5 * time.Second
	klinesPollInterval    = 60 * time.Second
)

const (
	defaultOrderBookDepth = 20
	defaultTradesLimit    = 50
	defaultKlineInterval  = "1m"
	defaultKlineLimit     = 100
)

// Method is how a subscription is serviced.
type Method string

const (
	MethodPush Method = "push"
	MethodPoll Method = "poll"
	// MethodAuto prefers push when the venue has a live push channel for
	// the data type, and falls back to polling.
	MethodAuto Method = "auto"
)

// Params is the normalized per-subscription configuration. Two requests
// with different params are two distinct upstreams. The zero value takes
// per-type defaults during Subscribe.
type Params struct {
	Interval  string        // kline bar interval
	Depth     int           // order book depth
	Limit     int           // trades / klines fetch size
	PollEvery time.Duration // explicit cadence override
}

// Key identifies one upstream subscription. Equality is structural.
type Key struct {
	Venue  string
	Symbol types.Symbol
	Type   types.DataType
	Params Params
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Venue, k.Symbol, k.Type)
}

// MarketSource is the venue surface the coordinator needs: push channel
// management plus snapshot getters for the polling path.
type MarketSource interface {
	SupportsPush(dataType types.DataType) bool
	SubscribePush(ctx context.Context, symbol types.Symbol, dataType types.DataType, params Params) error

	GetTicker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error)
	GetRecentTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error)
	GetKlines(ctx context.Context, symbol types.Symbol, interval string, limit int) ([]types.Kline, error)
}

// PushUnsubscriber is implemented by sources whose push channel supports
// tearing down a single stream. Sources without it keep streaming; the
// coordinator just stops tracking the key.
type PushUnsubscriber interface {
	UnsubscribePush(ctx context.Context, symbol types.Symbol, dataType types.DataType, params Params) error
}

// SourceResolver maps a venue name to its market source.
type SourceResolver func(name string) (MarketSource, bool)

// Stats is a point-in-time census of active subscriptions.
type Stats struct {
	Total    int
	ByType   map[types.DataType]int
	ByMethod map[Method]int
	ByVenue  map[string]int
}

type record struct {
	key        Key
	method     Method
	refCount   int
	strategies map[string]struct{}
	stopPoll   chan struct{} // nil for push records
}

// Coordinator owns the subscription table and the poller goroutines.
type Coordinator struct {
	resolve SourceResolver
	bus     *events.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	records map[Key]*record
	wg      sync.WaitGroup
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(resolve SourceResolver, bus *events.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		resolve: resolve,
		bus:     bus,
		logger:  logger.With("component", "subscription"),
		records: make(map[Key]*record),
	}
}

// normalize fills per-type defaults so that equivalent requests map to the
// same key regardless of how sparsely the caller filled Params.
func normalize(dataType types.DataType, p Params) Params {
	switch dataType {
	case types.DataTicker:
		return Params{PollEvery: p.PollEvery}
	case types.DataOrderBook:
		if p.Depth <= 0 {
			p.Depth = defaultOrderBookDepth
		}
		return Params{Depth: p.Depth, PollEvery: p.PollEvery}
	case types.DataTrades:
		if p.Limit <= 0 {
			p.Limit = defaultTradesLimit
		}
		return Params{Limit: p.Limit, PollEvery: p.PollEvery}
	case types.DataKlines:
		if p.Interval == "" {
			p.Interval = defaultKlineInterval
		}
		if p.Limit <= 0 {
			p.Limit = defaultKlineLimit
		}
		return Params{Interval: p.Interval, Limit: p.Limit, PollEvery: p.PollEvery}
	}
	return p
}

func pollInterval(dataType types.DataType, p Params) time.Duration {
	if p.PollEvery > 0 {
		return p.PollEvery
	}
	switch dataType {
	case types.DataOrderBook:
		return orderBookPollInterval
	case types.DataKlines:
		return klinesPollInterval
	case types.DataTrades:
		return tradesPollInterval
	default:
		return tickerPollInterval
	}
}

// Subscribe opens (or joins) the upstream for the given key and returns the
// normalized key for later Unsubscribe calls.
func (c *Coordinator) Subscribe(ctx context.Context, strategy, venue string, symbol types.Symbol, dataType types.DataType, params Params, hint Method) (Key, error) {
	key := Key{Venue: venue, Symbol: symbol, Type: dataType, Params: normalize(dataType, params)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[key]; ok {
		rec.strategies[strategy] = struct{}{}
		rec.refCount++
		c.logger.Debug("joined existing subscription",
			"key", key.String(), "strategy", strategy, "refcount", rec.refCount)
		return key, nil
	}

	source, ok := c.resolve(venue)
	if !ok {
		return Key{}, &types.NotFoundError{Kind: "exchange", Name: venue}
	}

	method := hint
	if method == "" || method == MethodAuto {
		if source.SupportsPush(dataType) {
			method = MethodPush
		} else {
			method = MethodPoll
		}
	}

	rec := &record{
		key:        key,
		method:     method,
		refCount:   1,
		strategies: map[string]struct{}{strategy: {}},
	}

	switch method {
	case MethodPush:
		if err := source.SubscribePush(ctx, symbol, dataType, key.Params); err != nil {
			return Key{}, fmt.Errorf("push subscribe %s: %w", key, err)
		}
	case MethodPoll:
		rec.stopPoll = make(chan struct{})
		c.wg.Add(1)
		go c.poll(source, key, rec.stopPoll)
	}

	c.records[key] = rec
	c.logger.Info("subscription opened",
		"key", key.String(), "method", method, "strategy", strategy)
	return key, nil
}

// Unsubscribe releases one strategy's reference. The upstream is torn down
// only when the last reference is released.
func (c *Coordinator) Unsubscribe(strategy string, key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		return
	}

	delete(rec.strategies, strategy)
	rec.refCount--
	if rec.refCount > 0 {
		c.logger.Debug("subscription released",
			"key", key.String(), "strategy", strategy, "refcount", rec.refCount)
		return
	}

	c.teardownLocked(rec)
	delete(c.records, key)
	c.logger.Info("subscription closed", "key", key.String())
}

// Clear tears down every subscription. Used on engine stop.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	for key, rec := range c.records {
		c.teardownLocked(rec)
		delete(c.records, key)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("all subscriptions cleared")
}

// teardownLocked stops the record's upstream. Push channels without an
// UnsubscribePush capability keep streaming; that is acceptable because the
// engine's dispatcher drops events nobody consumes.
func (c *Coordinator) teardownLocked(rec *record) {
	if rec.stopPoll != nil {
		close(rec.stopPoll)
		return
	}

	source, ok := c.resolve(rec.key.Venue)
	if !ok {
		return
	}
	if un, ok := source.(PushUnsubscriber); ok {
		if err := un.UnsubscribePush(context.Background(), rec.key.Symbol, rec.key.Type, rec.key.Params); err != nil {
			c.logger.Warn("push unsubscribe failed", "key", rec.key.String(), "error", err)
		}
	}
}

// Stats returns the current subscription census.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Total:    len(c.records),
		ByType:   make(map[types.DataType]int),
		ByMethod: make(map[Method]int),
		ByVenue:  make(map[string]int),
	}
	for key, rec := range c.records {
		s.ByType[key.Type]++
		s.ByMethod[rec.method]++
		s.ByVenue[key.Venue]++
	}
	return s
}

// poll fetches snapshots on the data type's cadence and republishes them on
// the bus. Fetch errors are logged and the loop continues.
func (c *Coordinator) poll(source MarketSource, key Key, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(pollInterval(key.Type, key.Params))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.pollOnce(source, key); err != nil {
				c.logger.Warn("poll failed", "key", key.String(), "error", err)
			}
		}
	}
}

func (c *Coordinator) pollOnce(source MarketSource, key Key) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch key.Type {
	case types.DataTicker:
		t, err := source.GetTicker(ctx, key.Symbol)
		if err != nil {
			return err
		}
		c.bus.EmitTickerUpdate(events.TickerUpdate{Venue: key.Venue, Symbol: key.Symbol, Ticker: *t})
	case types.DataOrderBook:
		ob, err := source.GetOrderBook(ctx, key.Symbol, key.Params.Depth)
		if err != nil {
			return err
		}
		c.bus.EmitOrderBookUpdate(events.OrderBookUpdate{Venue: key.Venue, Symbol: key.Symbol, Book: *ob})
	case types.DataTrades:
		trades, err := source.GetRecentTrades(ctx, key.Symbol, key.Params.Limit)
		if err != nil {
			return err
		}
		c.bus.EmitTradeUpdate(events.TradeUpdate{Venue: key.Venue, Symbol: key.Symbol, Trades: trades})
	case types.DataKlines:
		// Fetch the two most recent bars and publish the newest; the push
		// path also delivers one bar per event.
		klines, err := source.GetKlines(ctx, key.Symbol, key.Params.Interval, 2)
		if err != nil {
			return err
		}
		if len(klines) > 0 {
			c.bus.EmitKlineUpdate(events.KlineUpdate{Venue: key.Venue, Symbol: key.Symbol, Kline: klines[len(klines)-1]})
		}
	}
	return nil
}
