package engine

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

func startedEngineWithVenue(t *testing.T) (*Engine, *fakeVenue, *fakeStore, *recorder) {
	t.Helper()
	e, _, store, rec := newTestEngine(t)
	v := newFakeVenue("binance")
	if err := e.AddVenue(v); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e, v, store, rec
}

func TestExecuteOrderRequiresRunning(t *testing.T) {
	t.Parallel()
	e, _, _, _ := newTestEngine(t)

	_, err := e.ExecuteOrder(context.Background(), "", strategy.Decision{
		Action: strategy.Buy, Symbol: "BTC/USDT", Quantity: dec("1"),
	})
	if !errors.Is(err, types.ErrEngineNotReady) {
		t.Errorf("err = %v, want ErrEngineNotReady", err)
	}
}

func TestPrecisionRejectionMakesNoVenueCall(t *testing.T) {
	t.Parallel()
	e, v, _, _ := startedEngineWithVenue(t)
	s := &fakeStrategy{name: "mm", typ: "market_making", cfg: tickerConfig(1, "binance", "BTC/USDT")}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}

	// 0.00049 rounds down to zero on the 0.001 step, below minQuantity.
	_, err := e.ExecuteOrder(context.Background(), "mm", strategy.Decision{
		Action:   strategy.Buy,
		Quantity: dec("0.00049"),
		Price:    dec("50000"),
	})

	var invalid *types.InvalidOrderError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidOrderError", err)
	}
	if invalid.Field != "quantity" {
		t.Errorf("rejected field = %q, want quantity", invalid.Field)
	}
	if create, _, _, _ := v.counts(); create != 0 {
		t.Errorf("venue saw %d create calls, want 0", create)
	}
}

func TestExecuteOrderStampsProvenance(t *testing.T) {
	t.Parallel()
	e, v, store, rec := startedEngineWithVenue(t)
	s := &fakeStrategy{name: "momentum-btc", typ: "momentum", cfg: tickerConfig(42, "binance", "BTC/USDT")}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}

	order, err := e.ExecuteOrder(context.Background(), "momentum-btc", strategy.Decision{
		Action:   strategy.Buy,
		Quantity: dec("0.01"),
		Price:    dec("50000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := regexp.MatchString(`^s42\d{13}$`, order.ClientOrderID); !ok {
		t.Errorf("client order id = %q, want s42 + 13 digit timestamp", order.ClientOrderID)
	}
	if len(order.ClientOrderID) > types.MaxClientOrderIDLen {
		t.Errorf("client order id too long: %d", len(order.ClientOrderID))
	}
	if order.StrategyID != 42 || order.StrategyName != "momentum-btc" || order.StrategyType != "momentum" {
		t.Errorf("provenance = %d/%q/%q", order.StrategyID, order.StrategyName, order.StrategyType)
	}
	if create, _, _, _ := v.counts(); create != 1 {
		t.Errorf("venue create calls = %d, want 1", create)
	}
	if rec.count("created:"+order.ID) != 1 {
		t.Errorf("order_created emitted %d times", rec.count("created:"+order.ID))
	}
	if _, ok := store.order("binance", order.ID); !ok {
		t.Error("order not persisted")
	}
}

func TestMarketOrderOmitsPriceAndTimeInForce(t *testing.T) {
	t.Parallel()
	e, v, _, _ := startedEngineWithVenue(t)
	s := &fakeStrategy{name: "mm", typ: "market_making", cfg: tickerConfig(1, "binance", "BTC/USDT")}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}

	order, err := e.ExecuteOrder(context.Background(), "mm", strategy.Decision{
		Action:   strategy.Sell,
		Quantity: dec("0.01"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Type != types.OrderTypeMarket {
		t.Errorf("type = %s, want MARKET", order.Type)
	}

	v.mu.Lock()
	req := v.lastCreate
	v.mu.Unlock()
	if !req.Price.IsZero() || req.TimeInForce != "" {
		t.Errorf("market order carried price %s tif %q", req.Price, req.TimeInForce)
	}
}

func TestDecisionVenueOverridesStrategyVenue(t *testing.T) {
	t.Parallel()
	e, binance, _, _ := startedEngineWithVenue(t)
	bybit := newFakeVenue("bybit")
	if err := e.AddVenue(bybit); err != nil {
		t.Fatal(err)
	}
	s := &fakeStrategy{name: "mm", typ: "market_making", cfg: tickerConfig(1, "binance", "BTC/USDT")}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}

	order, err := e.ExecuteOrder(context.Background(), "mm", strategy.Decision{
		Action:   strategy.Buy,
		Venue:    "bybit",
		Quantity: dec("0.01"),
		Price:    dec("50000"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Venue != "bybit" {
		t.Errorf("venue = %s, want bybit", order.Venue)
	}
	if create, _, _, _ := binance.counts(); create != 0 {
		t.Errorf("default venue saw %d creates, want 0", create)
	}

	_, err = e.ExecuteOrder(context.Background(), "mm", strategy.Decision{
		Action: strategy.Buy, Venue: "kraken", Quantity: dec("0.01"), Price: dec("50000"),
	})
	var notFound *types.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("unknown venue err = %v, want NotFoundError", err)
	}
}

func TestCancelUnknownOrderIsSilent(t *testing.T) {
	t.Parallel()
	e, v, _, _ := startedEngineWithVenue(t)

	err := e.executeDecision(context.Background(), "", nil, strategy.Decision{
		Action:  strategy.Cancel,
		OrderID: "does-not-exist",
	})
	if err != nil {
		t.Fatalf("cancel of unknown order = %v, want nil", err)
	}
	if _, cancel, _, _ := v.counts(); cancel != 0 {
		t.Errorf("venue cancel calls = %d, want 0", cancel)
	}
}

func TestCancelByClientOrderIDScopedToSymbol(t *testing.T) {
	t.Parallel()
	e, v, _, _ := startedEngineWithVenue(t)
	s := &fakeStrategy{name: "mm", typ: "market_making", cfg: tickerConfig(1, "binance", "BTC/USDT")}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}

	order, err := e.ExecuteOrder(context.Background(), "mm", strategy.Decision{
		Action: strategy.Buy, Quantity: dec("0.01"), Price: dec("50000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Same client id, wrong symbol: no match, no venue call.
	err = e.executeDecision(context.Background(), "mm", s, strategy.Decision{
		Action:        strategy.Cancel,
		Symbol:        "ETH/USDT",
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, cancel, _, _ := v.counts(); cancel != 0 {
		t.Fatalf("mismatched symbol reached the venue, cancel calls = %d", cancel)
	}

	err = e.executeDecision(context.Background(), "mm", s, strategy.Decision{
		Action:        strategy.Cancel,
		Symbol:        "BTC/USDT",
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, cancel, _, _ := v.counts(); cancel != 1 {
		t.Errorf("matching symbol cancel calls = %d, want 1", cancel)
	}
}

func TestCancelDecisionCancelsOnVenue(t *testing.T) {
	t.Parallel()
	e, v, _, _ := startedEngineWithVenue(t)
	s := &fakeStrategy{name: "mm", typ: "market_making", cfg: tickerConfig(1, "binance", "BTC/USDT")}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}

	order, err := e.ExecuteOrder(context.Background(), "mm", strategy.Decision{
		Action: strategy.Buy, Quantity: dec("0.01"), Price: dec("50000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = e.executeDecision(context.Background(), "mm", s, strategy.Decision{
		Action:        strategy.Cancel,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, cancel, _, _ := v.counts(); cancel != 1 {
		t.Errorf("venue cancel calls = %d, want 1", cancel)
	}
	if got, _ := e.manager.Get(order.ID); got.Status != types.OrderStatusCanceled {
		t.Errorf("local status = %s, want CANCELED", got.Status)
	}
}

func TestUpdateDecisionReplacesInheritingSide(t *testing.T) {
	t.Parallel()
	e, v, _, _ := startedEngineWithVenue(t)
	s := &fakeStrategy{name: "mm", typ: "market_making", cfg: tickerConfig(1, "binance", "BTC/USDT")}
	if err := e.AddStrategy(s); err != nil {
		t.Fatal(err)
	}

	order, err := e.ExecuteOrder(context.Background(), "mm", strategy.Decision{
		Action: strategy.Sell, Quantity: dec("0.01"), Price: dec("50000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = e.executeDecision(context.Background(), "mm", s, strategy.Decision{
		Action:           strategy.Update,
		ClientOrderID:    order.ClientOrderID,
		NewClientOrderID: "replacement-1",
		Quantity:         dec("0.02"),
		Price:            dec("50100"),
	})
	if err != nil {
		t.Fatal(err)
	}

	v.mu.Lock()
	req := v.lastCreate
	cancels := v.cancelCalls
	v.mu.Unlock()
	if cancels != 1 {
		t.Errorf("cancel calls = %d, want 1", cancels)
	}
	if req.Side != types.SELL {
		t.Errorf("replacement side = %s, want inherited SELL", req.Side)
	}
	if req.ClientOrderID != "replacement-1" || !req.Quantity.Equal(dec("0.02")) {
		t.Errorf("replacement = %+v", req)
	}
}

func TestNewClientOrderID(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1700000000000)

	if got := newClientOrderID(42, now); got != "s421700000000000" {
		t.Errorf("id = %q", got)
	}
	if got := newClientOrderID(0, now); got != "sid1700000000000" {
		t.Errorf("anonymous id = %q", got)
	}
	long := newClientOrderID(999999999999999999, now)
	if len(long) > types.MaxClientOrderIDLen {
		t.Errorf("id length = %d, want <= %d", len(long), types.MaxClientOrderIDLen)
	}
}
