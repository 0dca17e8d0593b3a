// Package engine wires every service together: venue connectors, the
// subscription coordinator, the risk gate, the order manager, the symbol
// rules cache, the reconciliation service, and the attached strategies.
//
// The engine owns all shared state. Event dispatch is serialized through a
// single dispatch mutex, so strategies never observe half-applied updates;
// cross-venue parallelism exists only up to that gate. Lifecycle follows
// stopped -> initializing -> running -> stopping -> stopped, and every
// transition is serialized.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/events"
	"tradecore/internal/exchange"
	"tradecore/internal/orders"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"
	"tradecore/internal/subscription"
	"tradecore/internal/symbols"
	"tradecore/pkg/types"
)

// State is the engine lifecycle phase.
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
)

// DataManager is the external persistence surface the engine depends on.
// The file-backed store package satisfies it; tests substitute fakes.
type DataManager interface {
	UpdateOrder(ctx context.Context, order types.Order) error
	OpenOrders(ctx context.Context) ([]types.Order, error)
	UpdateStrategyPerformance(ctx context.Context, strategyID int64, perf strategy.Performance) error
	SyncPositions(ctx context.Context, venue string, positions []types.Position) error
}

// Config carries the engine-level tunables.
type Config struct {
	RiskLimits   types.RiskLimits
	SyncInterval time.Duration
}

// Engine is the orchestrator. One engine runs per process.
type Engine struct {
	bus    *events.Bus
	store  DataManager
	logger *slog.Logger

	risk        *risk.Gate
	manager     *orders.Manager
	coordinator *subscription.Coordinator
	rules       *symbols.Cache
	syncSvc     *orders.SyncService
	perf        *perfWriter
	book        *positionBook

	// lifecycle serializes Start/Stop transitions end to end.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	state      State
	venues     map[string]exchange.Venue
	strategies map[string]strategy.Strategy
	stratOrder []string
	subs       map[string][]subscription.Key

	balances  map[string][]types.Balance
	positions map[string][]types.Position

	created map[string]struct{} // OrderCreated gate keys
	pending []exchange.Event    // account updates queued while not running

	// dispatchMu serializes every event delivered to strategies.
	dispatchMu sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

// New builds an engine around the given bus, persistence layer, and limits.
func New(cfg Config, store DataManager, bus *events.Bus, logger *slog.Logger) *Engine {
	e := &Engine{
		bus:        bus,
		store:      store,
		logger:     logger.With("component", "engine"),
		manager:    orders.NewManager(),
		state:      StateStopped,
		venues:     make(map[string]exchange.Venue),
		strategies: make(map[string]strategy.Strategy),
		subs:       make(map[string][]subscription.Key),
		balances:   make(map[string][]types.Balance),
		positions:  make(map[string][]types.Position),
		created:    make(map[string]struct{}),
		book:       newPositionBook(),
		now:        time.Now,
	}

	e.risk = risk.NewGate(cfg.RiskLimits, bus, logger)
	e.perf = newPerfWriter(store, logger)
	e.coordinator = subscription.NewCoordinator(func(name string) (subscription.MarketSource, bool) {
		v, ok := e.venue(name)
		if !ok {
			return nil, false
		}
		return v, true
	}, bus, logger)
	e.rules = symbols.NewCache(func(name string) (symbols.InfoSource, bool) {
		v, ok := e.venue(name)
		if !ok {
			return nil, false
		}
		return v, true
	}, logger)
	e.syncSvc = orders.NewSyncService(store, func(name string) (orders.VenueQuerier, bool) {
		v, ok := e.venue(name)
		if !ok {
			return nil, false
		}
		return v, true
	}, bus, logger, cfg.SyncInterval)

	// Polled market data surfaces on the bus, not the venue channel, so the
	// strategy fan-out hangs off the bus topics and serves both paths.
	bus.OnTickerUpdate(func(ev events.TickerUpdate) {
		e.deliverMarket(strategy.Input{Venue: ev.Venue, Symbol: ev.Symbol, Ticker: &ev.Ticker})
	})
	bus.OnOrderBookUpdate(func(ev events.OrderBookUpdate) {
		e.deliverMarket(strategy.Input{Venue: ev.Venue, Symbol: ev.Symbol, OrderBook: &ev.Book})
	})
	bus.OnTradeUpdate(func(ev events.TradeUpdate) {
		e.deliverMarket(strategy.Input{Venue: ev.Venue, Symbol: ev.Symbol, Trades: ev.Trades})
	})
	bus.OnKlineUpdate(func(ev events.KlineUpdate) {
		e.deliverMarket(strategy.Input{Venue: ev.Venue, Symbol: ev.Symbol, Kline: &ev.Kline})
	})

	// Status events from the reconciliation path flow back into the
	// in-memory mirror, so it does not go stale on exactly the updates the
	// push channel missed.
	mirror := func(o types.Order) { e.manager.Upsert(o) }
	bus.OnOrderPartiallyFilled(mirror)
	bus.OnOrderFilled(mirror)
	bus.OnOrderCancelled(mirror)
	bus.OnOrderRejected(mirror)
	bus.OnOrderExpired(mirror)

	bus.OnRiskLimitExceeded(func(ev events.RiskLimitExceeded) {
		if ev.Severity != events.SeverityCritical {
			return
		}
		e.logger.Error("critical risk limit exceeded, stopping engine",
			"limit", ev.Limit, "reason", ev.Reason)
		go e.Stop()
	})
	bus.OnEmergencyStop(func(ev events.EmergencyStop) {
		e.logger.Error("emergency stop requested", "reason", ev.Reason)
		go e.Stop()
	})

	return e
}

// ————————————————————————————————————————————————————————————————————————
// Registration
// ————————————————————————————————————————————————————————————————————————

// AddVenue registers a venue adapter. When the engine is already running the
// venue is connected and dispatched immediately.
func (e *Engine) AddVenue(v exchange.Venue) error {
	name := v.Name()

	e.mu.Lock()
	if _, ok := e.venues[name]; ok {
		e.mu.Unlock()
		return &types.DuplicateNameError{Kind: "exchange", Name: name}
	}
	e.venues[name] = v
	running := e.state == StateRunning
	runCtx := e.runCtx
	e.mu.Unlock()

	e.logger.Info("venue registered", "exchange", name)
	if running {
		e.startVenue(runCtx, runCtx, v)
	}
	return nil
}

// AddStrategy registers a strategy under its name. When the engine is
// running the strategy is fully set up (rules prefetch, initial data,
// subscriptions) before any live event can reach it.
func (e *Engine) AddStrategy(s strategy.Strategy) error {
	name := s.Name()

	e.mu.Lock()
	if _, ok := e.strategies[name]; ok {
		e.mu.Unlock()
		return &types.DuplicateNameError{Kind: "strategy", Name: name}
	}
	e.strategies[name] = s
	e.stratOrder = append(e.stratOrder, name)
	running := e.state == StateRunning
	runCtx := e.runCtx
	e.mu.Unlock()

	e.logger.Info("strategy registered", "strategy", name, "type", s.Type())

	if running {
		e.dispatchMu.Lock()
		err := e.setupStrategy(runCtx, name, s)
		e.dispatchMu.Unlock()
		if err != nil {
			e.detachStrategy(name)
			return fmt.Errorf("setup strategy %s: %w", name, err)
		}
	}
	return nil
}

// RemoveStrategy releases the strategy's subscriptions, runs its cleanup,
// and detaches it.
func (e *Engine) RemoveStrategy(name string) error {
	e.mu.RLock()
	s, ok := e.strategies[name]
	e.mu.RUnlock()
	if !ok {
		return &types.NotFoundError{Kind: "strategy", Name: name}
	}

	if c, ok := s.(strategy.Cleaner); ok {
		if err := c.Cleanup(); err != nil {
			e.logger.Error("strategy cleanup failed", "strategy", name, "error", err)
			e.bus.EmitStrategyError(events.StrategyError{Strategy: name, Err: err})
		}
	}
	e.detachStrategy(name)
	e.logger.Info("strategy removed", "strategy", name)
	return nil
}

// detachStrategy drops the strategy from every registry and releases its
// subscription references.
func (e *Engine) detachStrategy(name string) {
	e.mu.Lock()
	keys := e.subs[name]
	delete(e.subs, name)
	delete(e.strategies, name)
	for i, n := range e.stratOrder {
		if n == name {
			e.stratOrder = append(e.stratOrder[:i], e.stratOrder[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	for _, key := range keys {
		e.coordinator.Unsubscribe(name, key)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// Start brings the engine up: connect venues best-effort, mark running,
// set up every strategy, then announce engine_started and replay account
// updates queued during initialization.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.state != StateStopped {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("start ignored", "state", state)
		return nil
	}
	e.state = StateInitializing
	runCtx, cancel := context.WithCancel(context.Background())
	e.runCtx, e.runCancel = runCtx, cancel
	venues := e.venueListLocked()
	names := append([]string(nil), e.stratOrder...)
	e.mu.Unlock()

	e.logger.Info("engine starting", "exchanges", len(venues), "strategies", len(names))

	for _, v := range venues {
		e.startVenue(ctx, runCtx, v)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.syncSvc.Run(runCtx)
	}()

	// Running is set before initial-data loading: strategies may place
	// orders from inside ProcessInitialData.
	e.dispatchMu.Lock()
	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	for _, name := range names {
		e.mu.RLock()
		s, ok := e.strategies[name]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		if err := e.setupStrategy(ctx, name, s); err != nil {
			e.dispatchMu.Unlock()
			e.logger.Error("strategy setup failed, aborting start", "strategy", name, "error", err)
			e.stopLocked()
			return fmt.Errorf("setup strategy %s: %w", name, err)
		}
	}

	e.bus.EmitEngineStarted(events.EngineLifecycle{Timestamp: e.now()})

	// Account updates that raced the startup replay in arrival order, still
	// ahead of any event waiting on the dispatch mutex.
	e.mu.Lock()
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, ev := range queued {
		e.processAccountEvent(ev)
	}
	e.dispatchMu.Unlock()

	e.logger.Info("engine started")
	return nil
}

// Stop winds the engine down: flush pending performance writes, run
// strategy cleanups, tear down subscriptions, stop the background loops,
// and disconnect venues.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("stop ignored", "state", state)
		return nil
	}
	e.state = StateStopping
	cancel := e.runCancel
	venues := e.venueListLocked()
	names := append([]string(nil), e.stratOrder...)
	e.mu.Unlock()

	e.logger.Info("engine stopping")

	e.perf.FlushAll()

	for _, name := range names {
		e.mu.RLock()
		s, ok := e.strategies[name]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		if c, ok := s.(strategy.Cleaner); ok {
			if err := c.Cleanup(); err != nil {
				e.logger.Error("strategy cleanup failed", "strategy", name, "error", err)
				e.bus.EmitStrategyError(events.StrategyError{Strategy: name, Err: err})
			}
		}
	}

	e.coordinator.Clear()
	cancel()
	e.wg.Wait()

	for _, v := range venues {
		if !v.IsConnected() {
			continue
		}
		if err := v.Disconnect(); err != nil {
			e.logger.Warn("venue disconnect failed", "exchange", v.Name(), "error", err)
		}
		e.bus.EmitExchangeDisconnected(events.ExchangeStatus{Venue: v.Name()})
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	e.bus.EmitEngineStopped(events.EngineLifecycle{Timestamp: e.now()})
	e.logger.Info("engine stopped")
	return nil
}

// startVenue connects best-effort, opens the user-data stream, and spawns
// the venue's dispatcher. A failed connect never aborts startup; the
// adapter's own reconnect logic recovers it.
func (e *Engine) startVenue(ctx, runCtx context.Context, v exchange.Venue) {
	if !v.IsConnected() {
		if err := v.Connect(ctx); err != nil {
			e.logger.Error("venue connect failed", "exchange", v.Name(), "error", err)
			e.bus.EmitExchangeError(events.ExchangeError{Venue: v.Name(), Err: err})
		} else {
			e.bus.EmitExchangeConnected(events.ExchangeStatus{Venue: v.Name()})
		}
	}

	if v.IsConnected() {
		if err := v.SubscribeUserData(ctx); err != nil {
			e.logger.Warn("user data subscribe failed", "exchange", v.Name(), "error", err)
		}
	}

	e.wg.Add(1)
	go e.dispatch(runCtx, v)
}

// dispatch consumes one venue's event stream. Market data is republished on
// the bus; account data goes through the serialized account path. Poll-only
// venues expose a nil channel and this loop just waits for cancellation.
func (e *Engine) dispatch(ctx context.Context, v exchange.Venue) {
	defer e.wg.Done()

	ch := v.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.routeEvent(ev)
		}
	}
}

func (e *Engine) routeEvent(ev exchange.Event) {
	switch {
	case ev.Ticker != nil:
		e.bus.EmitTickerUpdate(events.TickerUpdate{Venue: ev.Venue, Symbol: ev.Symbol, Ticker: *ev.Ticker})
	case ev.Book != nil:
		e.bus.EmitOrderBookUpdate(events.OrderBookUpdate{Venue: ev.Venue, Symbol: ev.Symbol, Book: *ev.Book})
	case ev.Trade != nil:
		e.bus.EmitTradeUpdate(events.TradeUpdate{Venue: ev.Venue, Symbol: ev.Symbol, Trades: []types.Trade{*ev.Trade}})
	case ev.Kline != nil:
		e.bus.EmitKlineUpdate(events.KlineUpdate{Venue: ev.Venue, Symbol: ev.Symbol, Kline: *ev.Kline})
	case ev.Order != nil, ev.Balances != nil, ev.Positions != nil:
		e.handleAccountEvent(ev)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Strategy setup and fan-out
// ————————————————————————————————————————————————————————————————————————

// subscribeOrder fixes the iteration order over a strategy's subscription
// map so startup is deterministic.
var subscribeOrder = []types.DataType{
	types.DataTicker, types.DataOrderBook, types.DataTrades, types.DataKlines,
}

// setupStrategy runs the attach sequence: symbol rules prefetch, initial
// data delivery, then subscriptions. A subscription failure is fatal for
// the attach; rules and initial-data failures are isolated.
func (e *Engine) setupStrategy(ctx context.Context, name string, s strategy.Strategy) error {
	cfg := s.Config()

	venueName := e.strategyVenue(cfg)
	if venueName == "" {
		e.logger.Warn("no venue available for strategy", "strategy", name)
		return nil
	}

	if cfg.Symbol != "" {
		if _, err := e.rules.Get(ctx, venueName, cfg.Symbol); err != nil {
			e.logger.Warn("symbol rules prefetch failed",
				"strategy", name, "exchange", venueName, "symbol", cfg.Symbol, "error", err)
		}
	}

	if p, ok := s.(strategy.InitialDataProcessor); ok {
		bundle := e.loadInitialData(ctx, venueName, cfg)
		if err := p.ProcessInitialData(ctx, bundle); err != nil {
			e.logger.Error("initial data processing failed", "strategy", name, "error", err)
			e.bus.EmitStrategyError(events.StrategyError{Strategy: name, Err: err})
		}
	}

	for _, dt := range subscribeOrder {
		spec, ok := cfg.Subscriptions[dt]
		if !ok || !spec.Enabled {
			continue
		}
		key, err := e.coordinator.Subscribe(ctx, name, venueName, cfg.Symbol, dt, spec.Params, cfg.Method)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.subs[name] = append(e.subs[name], key)
		e.mu.Unlock()
	}
	return nil
}

// deliverMarket fans one market-data event out to every strategy whose
// venue and symbol match, in registration order.
func (e *Engine) deliverMarket(in strategy.Input) {
	if !e.IsRunning() {
		return
	}

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.forEachStrategy(func(name string, s strategy.Strategy, cfg strategy.Config) {
		if !cfgHasVenue(cfg, in.Venue) {
			return
		}
		if cfg.Symbol != "" && in.Symbol != "" && cfg.Symbol != in.Symbol {
			return
		}
		e.analyze(name, s, in)
	})
}

// forEachStrategy visits strategies in registration order with their config.
func (e *Engine) forEachStrategy(fn func(name string, s strategy.Strategy, cfg strategy.Config)) {
	e.mu.RLock()
	names := append([]string(nil), e.stratOrder...)
	e.mu.RUnlock()

	for _, name := range names {
		e.mu.RLock()
		s, ok := e.strategies[name]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		fn(name, s, s.Config())
	}
}

// analyze runs one strategy against one input, executing whatever
// decisions come back. Errors are published and isolated; the strategy
// stays attached and sees the next event.
func (e *Engine) analyze(name string, s strategy.Strategy, in strategy.Input) {
	ctx := e.runContext()

	decisions, err := s.Analyze(ctx, in)
	if err != nil {
		e.logger.Error("strategy analyze failed", "strategy", name, "error", err)
		e.bus.EmitStrategyError(events.StrategyError{Strategy: name, Err: err})
		return
	}

	for _, d := range decisions {
		if d.Action == "" || d.Action == strategy.Hold {
			continue
		}
		e.bus.EmitStrategySignal(events.StrategySignal{
			Strategy: name,
			Symbol:   d.Symbol,
			Action:   string(d.Action),
			Reason:   d.Reason,
		})
		if err := e.executeDecision(ctx, name, s, d); err != nil {
			e.logger.Error("decision execution failed",
				"strategy", name, "action", d.Action, "error", err)
			e.bus.EmitStrategyError(events.StrategyError{Strategy: name, Err: err})
		}
	}
}

func cfgHasVenue(cfg strategy.Config, venue string) bool {
	if len(cfg.Exchanges) == 0 {
		return true
	}
	for _, v := range cfg.Exchanges {
		if v == venue {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Lookups and accessors
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) venue(name string) (exchange.Venue, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.venues[name]
	return v, ok
}

func (e *Engine) venueListLocked() []exchange.Venue {
	out := make([]exchange.Venue, 0, len(e.venues))
	for _, v := range e.venues {
		out = append(out, v)
	}
	return out
}

// strategyVenue picks the venue serving a strategy: the first configured
// venue that is registered, else any registered venue.
func (e *Engine) strategyVenue(cfg strategy.Config) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, name := range cfg.Exchanges {
		if _, ok := e.venues[name]; ok {
			return name
		}
	}
	if len(cfg.Exchanges) == 0 {
		for name := range e.venues {
			return name
		}
	}
	return ""
}

// strategyByID resolves a strategy by its configured numeric id.
func (e *Engine) strategyByID(id int64) (string, strategy.Strategy, bool) {
	if id == 0 {
		return "", nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, name := range e.stratOrder {
		s := e.strategies[name]
		if s.Config().StrategyID == id {
			return name, s, true
		}
	}
	return "", nil, false
}

func (e *Engine) runContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsRunning reports whether the engine accepts orders and dispatches events.
func (e *Engine) IsRunning() bool {
	return e.State() == StateRunning
}

// StrategyNames lists attached strategies in registration order.
func (e *Engine) StrategyNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.stratOrder...)
}

// VenueNames lists registered venues.
func (e *Engine) VenueNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.venues))
	for name := range e.venues {
		out = append(out, name)
	}
	return out
}

// Orders exposes the in-memory order store for read-side consumers.
func (e *Engine) Orders() *orders.Manager {
	return e.manager
}

// SubscriptionStats returns the coordinator's census.
func (e *Engine) SubscriptionStats() subscription.Stats {
	return e.coordinator.Stats()
}

// SyncStats returns the reconciliation service's counters.
func (e *Engine) SyncStats() orders.SyncStats {
	return e.syncSvc.Stats()
}

// SyncNow forces an off-schedule reconciliation pass.
func (e *Engine) SyncNow(ctx context.Context) {
	e.syncSvc.SyncNow(ctx)
}
