package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/internal/exchange"
	"tradecore/internal/strategy"
	"tradecore/internal/subscription"
	"tradecore/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type fakeVenue struct {
	name string

	mu          sync.Mutex
	connected   bool
	info        types.SymbolInfo
	createCalls int
	cancelCalls int
	lastCreate  exchange.CreateOrderRequest
	orderSeq    int
	getOrders   map[string]types.Order
	pushCalls   int
	userCalls   int

	events chan exchange.Event
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{
		name:   name,
		events: make(chan exchange.Event, 64),
		info: types.SymbolInfo{
			MinQuantity: dec("0.001"),
			StepSize:    dec("0.001"),
			TickSize:    dec("0.01"),
			MinNotional: dec("10"),
		},
		getOrders: make(map[string]types.Order),
	}
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

func (v *fakeVenue) Connect(ctx context.Context) error {
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	return nil
}

func (v *fakeVenue) Disconnect() error {
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	return nil
}

func (v *fakeVenue) Events() <-chan exchange.Event { return v.events }

func (v *fakeVenue) SubscribeUserData(ctx context.Context) error {
	v.mu.Lock()
	v.userCalls++
	v.mu.Unlock()
	return nil
}

func (v *fakeVenue) SupportsPush(types.DataType) bool { return true }

func (v *fakeVenue) SubscribePush(ctx context.Context, symbol types.Symbol, dataType types.DataType, params subscription.Params) error {
	v.mu.Lock()
	v.pushCalls++
	v.mu.Unlock()
	return nil
}

func (v *fakeVenue) GetTicker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error) {
	return &types.Ticker{Symbol: symbol, Price: dec("50000")}, nil
}

func (v *fakeVenue) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error) {
	return &types.OrderBook{Symbol: symbol}, nil
}

func (v *fakeVenue) GetRecentTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error) {
	return nil, nil
}

func (v *fakeVenue) GetKlines(ctx context.Context, symbol types.Symbol, interval string, limit int) ([]types.Kline, error) {
	out := make([]types.Kline, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, types.Kline{Symbol: symbol, Interval: interval, Close: dec("50000")})
	}
	return out, nil
}

func (v *fakeVenue) GetSymbolInfo(ctx context.Context, symbol types.Symbol) (*types.SymbolInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info := v.info
	info.Symbol = symbol
	return &info, nil
}

func (v *fakeVenue) GetPositions(ctx context.Context) ([]types.Position, error) { return nil, nil }
func (v *fakeVenue) GetBalances(ctx context.Context) ([]types.Balance, error)  { return nil, nil }

func (v *fakeVenue) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	return &types.AccountInfo{Venue: v.name}, nil
}

func (v *fakeVenue) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	return nil, nil
}

func (v *fakeVenue) GetOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, ok := v.getOrders[id]; ok {
		return &o, nil
	}
	return nil, &types.NotFoundError{Kind: "order", Name: id}
}

func (v *fakeVenue) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.createCalls++
	v.lastCreate = req
	v.orderSeq++
	return &types.Order{
		ID:            fmt.Sprintf("%s-o%d", v.name, v.orderSeq),
		ClientOrderID: req.ClientOrderID,
		Venue:         v.name,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		Status:        types.OrderStatusNew,
	}, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelCalls++
	return &types.Order{ID: id, ClientOrderID: clientOrderID, Venue: v.name, Symbol: symbol, Status: types.OrderStatusCanceled}, nil
}

func (v *fakeVenue) counts() (create, cancel, push, user int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.createCalls, v.cancelCalls, v.pushCalls, v.userCalls
}

type fakeStore struct {
	mu         sync.Mutex
	orders     map[string]types.Order
	fixedOpen  []types.Order
	perf       map[int64]strategy.Performance
	perfWrites int
	positions  map[string][]types.Position
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:    make(map[string]types.Order),
		perf:      make(map[int64]strategy.Performance),
		positions: make(map[string][]types.Position),
	}
}

func (f *fakeStore) UpdateOrder(ctx context.Context, order types.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[order.Venue+"/"+order.ID] = order
	return nil
}

func (f *fakeStore) OpenOrders(ctx context.Context) ([]types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fixedOpen != nil {
		return append([]types.Order(nil), f.fixedOpen...), nil
	}
	out := make([]types.Order, 0)
	for _, o := range f.orders {
		if o.Status.IsOpen() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStrategyPerformance(ctx context.Context, strategyID int64, perf strategy.Performance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perf[strategyID] = perf
	f.perfWrites++
	return nil
}

func (f *fakeStore) SyncPositions(ctx context.Context, venue string, positions []types.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[venue] = positions
	return nil
}

func (f *fakeStore) order(venue, id string) (types.Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[venue+"/"+id]
	return o, ok
}

type recorder struct {
	mu  sync.Mutex
	seq []string
}

func (r *recorder) add(label string) {
	r.mu.Lock()
	r.seq = append(r.seq, label)
	r.mu.Unlock()
}

func (r *recorder) labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seq...)
}

func (r *recorder) count(label string) int {
	n := 0
	for _, l := range r.labels() {
		if l == label {
			n++
		}
	}
	return n
}

func (r *recorder) index(label string) int {
	for i, l := range r.labels() {
		if l == label {
			return i
		}
	}
	return -1
}

// recordBus wires the recorder to the order and engine lifecycle topics.
func recordBus(bus *events.Bus, r *recorder) {
	bus.OnOrderCreated(func(o types.Order) { r.add("created:" + o.ID) })
	bus.OnOrderPartiallyFilled(func(o types.Order) { r.add("partial:" + o.ID) })
	bus.OnOrderFilled(func(o types.Order) { r.add("filled:" + o.ID) })
	bus.OnOrderCancelled(func(o types.Order) { r.add("cancelled:" + o.ID) })
	bus.OnOrderRejected(func(o types.Order) { r.add("rejected:" + o.ID) })
	bus.OnEngineStarted(func(events.EngineLifecycle) { r.add("engine_started") })
	bus.OnEngineStopped(func(events.EngineLifecycle) { r.add("engine_stopped") })
}

type fakeStrategy struct {
	name string
	typ  string
	cfg  strategy.Config
	rec  *recorder

	mu       sync.Mutex
	inputs   []strategy.Input
	next     []strategy.Decision
	bundles  []*strategy.Bundle
	cleanups int
	snapshot strategy.Performance
}

func (s *fakeStrategy) Name() string            { return s.name }
func (s *fakeStrategy) Type() string            { return s.typ }
func (s *fakeStrategy) Config() strategy.Config { return s.cfg }

func (s *fakeStrategy) Analyze(ctx context.Context, in strategy.Input) ([]strategy.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	out := s.next
	s.next = nil
	return out, nil
}

func (s *fakeStrategy) ProcessInitialData(ctx context.Context, bundle *strategy.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = append(s.bundles, bundle)
	return nil
}

func (s *fakeStrategy) OnTradeExecuted(trade types.Trade) {
	if s.rec != nil {
		s.rec.add("trade:" + trade.Quantity.String() + "@" + trade.Price.String())
	}
}

func (s *fakeStrategy) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	return nil
}

func (s *fakeStrategy) Performance() strategy.Performance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *fakeStrategy) inputCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func tickerConfig(id int64, venue string, symbol types.Symbol) strategy.Config {
	return strategy.Config{
		StrategyID: id,
		Exchanges:  []string{venue},
		Symbol:     symbol,
		Subscriptions: map[types.DataType]strategy.SubscriptionSpec{
			types.DataTicker: {Enabled: true},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *events.Bus, *fakeStore, *recorder) {
	return newTestEngineWithLimits(t, types.RiskLimits{})
}

func newTestEngineWithLimits(t *testing.T, limits types.RiskLimits) (*Engine, *events.Bus, *fakeStore, *recorder) {
	t.Helper()
	bus := events.New()
	store := newFakeStore()
	rec := &recorder{}
	recordBus(bus, rec)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(Config{RiskLimits: limits, SyncInterval: time.Hour}, store, bus, logger)
	t.Cleanup(func() { _ = e.Stop() })
	return e, bus, store, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	e, _, _, rec := newTestEngine(t)
	v := newFakeVenue("binance")
	if err := e.AddVenue(v); err != nil {
		t.Fatal(err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !e.IsRunning() {
		t.Fatal("engine should be running after Start")
	}
	if rec.count("engine_started") != 1 {
		t.Errorf("engine_started emitted %d times", rec.count("engine_started"))
	}
	if !v.IsConnected() {
		t.Error("venue should be connected")
	}
	_, _, _, user := v.counts()
	if user != 1 {
		t.Errorf("user data subscribed %d times, want 1", user)
	}

	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.IsRunning() {
		t.Fatal("engine should be stopped")
	}
	if rec.count("engine_stopped") != 1 {
		t.Errorf("engine_stopped emitted %d times", rec.count("engine_stopped"))
	}
	if v.IsConnected() {
		t.Error("venue should be disconnected after Stop")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	e, _, _, rec := newTestEngine(t)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	if rec.count("engine_started") != 1 {
		t.Errorf("engine_started emitted %d times, want 1", rec.count("engine_started"))
	}

	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
	if rec.count("engine_stopped") != 1 {
		t.Errorf("engine_stopped emitted %d times, want 1", rec.count("engine_stopped"))
	}
}

func TestDuplicateRegistrations(t *testing.T) {
	t.Parallel()
	e, _, _, _ := newTestEngine(t)

	if err := e.AddVenue(newFakeVenue("binance")); err != nil {
		t.Fatal(err)
	}
	err := e.AddVenue(newFakeVenue("binance"))
	if _, ok := err.(*types.DuplicateNameError); !ok {
		t.Errorf("duplicate venue error = %v, want DuplicateNameError", err)
	}

	s := &fakeStrategy{name: "mm", typ: "market_making", cfg: tickerConfig(1, "binance", "BTC/USDT")}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}
	err = e.AddStrategy(&fakeStrategy{name: "mm", typ: "market_making"})
	if _, ok := err.(*types.DuplicateNameError); !ok {
		t.Errorf("duplicate strategy error = %v, want DuplicateNameError", err)
	}
}

func TestCriticalRiskStopsEngine(t *testing.T) {
	t.Parallel()
	e, bus, _, rec := newTestEngine(t)
	if err := e.AddVenue(newFakeVenue("binance")); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus.EmitRiskLimitExceeded(events.RiskLimitExceeded{
		Severity: events.SeverityCritical,
		Limit:    "maxDailyLoss",
		Reason:   "daily loss budget exhausted",
	})

	waitFor(t, func() bool { return !e.IsRunning() && rec.count("engine_stopped") == 1 })
}

func TestWarningRiskKeepsEngineRunning(t *testing.T) {
	t.Parallel()
	e, bus, _, _ := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus.EmitRiskLimitExceeded(events.RiskLimitExceeded{
		Severity: events.SeverityWarning,
		Limit:    "maxPositionSize",
	})
	time.Sleep(50 * time.Millisecond)
	if !e.IsRunning() {
		t.Fatal("warning severity must not stop the engine")
	}
}

func TestEmergencyStopStopsEngine(t *testing.T) {
	t.Parallel()
	e, bus, _, rec := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus.EmitEmergencyStop(events.EmergencyStop{Reason: "operator"})
	waitFor(t, func() bool { return !e.IsRunning() && rec.count("engine_stopped") == 1 })
}

// ————————————————————————————————————————————————————————————————————————
// Subscriptions
// ————————————————————————————————————————————————————————————————————————

func TestSharedSubscriptionRefCounting(t *testing.T) {
	t.Parallel()
	e, _, _, _ := newTestEngine(t)
	v := newFakeVenue("binance")
	if err := e.AddVenue(v); err != nil {
		t.Fatal(err)
	}

	a := &fakeStrategy{name: "a", typ: "momentum", cfg: tickerConfig(1, "binance", "BTC/USDT")}
	b := &fakeStrategy{name: "b", typ: "momentum", cfg: tickerConfig(2, "binance", "BTC/USDT")}
	if err := e.AddStrategy(a); err != nil {
		t.Fatal(err)
	}
	if err := e.AddStrategy(b); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if stats := e.SubscriptionStats(); stats.Total != 1 {
		t.Fatalf("subscriptions = %d, want 1 shared upstream", stats.Total)
	}
	if _, _, push, _ := v.counts(); push != 1 {
		t.Fatalf("push subscribes = %d, want 1", push)
	}

	if err := e.RemoveStrategy("b"); err != nil {
		t.Fatal(err)
	}
	if stats := e.SubscriptionStats(); stats.Total != 1 {
		t.Errorf("subscriptions after first release = %d, want 1", stats.Total)
	}

	if err := e.RemoveStrategy("a"); err != nil {
		t.Fatal(err)
	}
	if stats := e.SubscriptionStats(); stats.Total != 0 {
		t.Errorf("subscriptions after last release = %d, want 0", stats.Total)
	}
}

func TestStrategyAttachedWhileRunningSeesInitialDataFirst(t *testing.T) {
	t.Parallel()
	e, bus, _, _ := newTestEngine(t)
	if err := e.AddVenue(newFakeVenue("binance")); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg := tickerConfig(7, "binance", "BTC/USDT")
	cfg.InitialData = &strategy.InitialDataSpec{
		Klines: []strategy.KlineRequest{{Interval: "1m", Limit: 5}},
	}
	s := &fakeStrategy{name: "late", typ: "momentum", cfg: cfg}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	bundles, inputs := len(s.bundles), len(s.inputs)
	klines := 0
	if bundles > 0 {
		klines = len(s.bundles[0].Klines["1m"])
	}
	s.mu.Unlock()
	if bundles != 1 || inputs != 0 {
		t.Fatalf("bundles = %d inputs = %d, initial data must precede live events", bundles, inputs)
	}
	if klines != 5 {
		t.Errorf("initial klines = %d, want 5", klines)
	}

	bus.EmitTickerUpdate(events.TickerUpdate{
		Venue: "binance", Symbol: "BTC/USDT",
		Ticker: types.Ticker{Symbol: "BTC/USDT", Price: dec("50000")},
	})
	waitFor(t, func() bool { return s.inputCount() == 1 })
}

// ————————————————————————————————————————————————————————————————————————
// Account update queueing
// ————————————————————————————————————————————————————————————————————————

func TestAccountUpdatesQueuedUntilRunningReplayFIFO(t *testing.T) {
	t.Parallel()
	e, _, _, rec := newTestEngine(t)

	for _, id := range []string{"o1", "o2"} {
		e.handleAccountEvent(exchange.Event{
			Venue: "binance",
			Order: &types.Order{
				ID: id, Venue: "binance", Symbol: "BTC/USDT",
				Side: types.BUY, Status: types.OrderStatusNew,
			},
		})
	}
	if got := rec.count("created:o1"); got != 0 {
		t.Fatalf("queued update leaked %d events before start", got)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	started := rec.index("engine_started")
	first := rec.index("created:o1")
	second := rec.index("created:o2")
	if started == -1 || first == -1 || second == -1 {
		t.Fatalf("missing events, got %v", rec.labels())
	}
	if !(started < first && first < second) {
		t.Errorf("replay order wrong: %v", rec.labels())
	}
}
