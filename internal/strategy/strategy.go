// Package strategy defines the plug-in surface between the engine and user
// trading logic.
//
// A strategy is attached to the engine, seeded with a one-shot initial-data
// bundle, and then fed every live event its subscriptions produce through
// Analyze. Whatever decisions Analyze returns are validated and executed by
// the engine; the strategy never talks to a venue directly.
//
// Beyond the required Strategy interface, optional capabilities are
// discovered by type assertion. A strategy implements only what it needs.
package strategy

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"tradecore/internal/subscription"
	"tradecore/pkg/types"
)

// Action tags a decision.
type Action string

const (
	Hold   Action = "hold"
	Buy    Action = "buy"
	Sell   Action = "sell"
	Cancel Action = "cancel"
	Update Action = "update"
)

// Decision is one instruction returned by Analyze. Which fields matter
// depends on the action:
//
//   - buy/sell: Quantity required; zero Price means market order.
//   - cancel:   OrderID and/or ClientOrderID identify the target.
//   - update:   ClientOrderID names the order to replace, NewClientOrderID
//     the replacement, Quantity/Price the new terms.
type Decision struct {
	Action           Action
	Symbol           types.Symbol
	Venue            string
	Quantity         decimal.Decimal
	Price            decimal.Decimal
	StopPrice        decimal.Decimal
	OrderID          string
	ClientOrderID    string
	NewClientOrderID string
	TradeMode        string
	Leverage         int
	Reason           string
	Confidence       float64
}

// Input is the tagged event delivered to Analyze. Exactly one data field is
// populated per call.
type Input struct {
	Venue  string
	Symbol types.Symbol

	Ticker    *types.Ticker
	OrderBook *types.OrderBook
	Trades    []types.Trade
	Kline     *types.Kline
	Orders    []types.Order
	Balances  []types.Balance
	Positions []types.Position
}

// KlineRequest asks the loader for one interval's history.
type KlineRequest struct {
	Interval string
	Limit    int
}

// KlinesFromMap converts the {interval: limit} spelling of a kline request
// into the canonical slice form, sorted by interval for determinism.
func KlinesFromMap(m map[string]int) []KlineRequest {
	out := make([]KlineRequest, 0, len(m))
	for interval, limit := range m {
		out = append(out, KlineRequest{Interval: interval, Limit: limit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval < out[j].Interval })
	return out
}

// InitialDataSpec configures the one-shot prefetch on attach. A nil spec
// means no prefetch; the strategy starts cold.
type InitialDataSpec struct {
	Klines         []KlineRequest
	OrderBookDepth int // 0 means the loader default of 20
}

// SubscriptionSpec enables one data-type stream with optional parameters.
type SubscriptionSpec struct {
	Enabled bool
	Params  subscription.Params
}

// Config describes a strategy's identity and data needs.
type Config struct {
	StrategyID    int64
	UserID        string
	Exchanges     []string // venue names, first entry is the default
	Symbol        types.Symbol
	Subscriptions map[types.DataType]SubscriptionSpec
	InitialData   *InitialDataSpec
	// Method is the push/poll hint applied to every subscription this
	// strategy opens. Empty means auto.
	Method subscription.Method
}

// Performance is an opaque snapshot persisted by the engine's debounced
// writer. Strategies decide what goes in it.
type Performance map[string]any

// Strategy is the minimum contract every plug-in fulfils.
type Strategy interface {
	Name() string
	Type() string
	Config() Config

	// Analyze consumes one event and returns zero or more decisions.
	// A nil slice (or only holds) means no action. An error is published
	// as a strategy_error event and isolated from other strategies.
	Analyze(ctx context.Context, in Input) ([]Decision, error)
}

// Bundle is the initial-data prefetch result delivered before live events.
type Bundle struct {
	Venue  string
	Symbol types.Symbol

	Klines     map[string][]types.Kline // keyed by interval
	Positions  []types.Position
	OpenOrders []types.Order
	Balances   []types.Balance
	Account    *types.AccountInfo
	Ticker     *types.Ticker
	OrderBook  *types.OrderBook
}

// Empty reports whether the bundle carries no data at all.
func (b *Bundle) Empty() bool {
	return len(b.Klines) == 0 && len(b.Positions) == 0 && len(b.OpenOrders) == 0 &&
		len(b.Balances) == 0 && b.Account == nil && b.Ticker == nil && b.OrderBook == nil
}

// Optional capabilities, discovered via type assertion.

// InitialDataProcessor receives the prefetch bundle before any live event.
// The strategy may place orders from inside ProcessInitialData.
type InitialDataProcessor interface {
	ProcessInitialData(ctx context.Context, bundle *Bundle) error
}

// OrderCreatedHandler is notified when an order this strategy originated is
// accepted by the venue.
type OrderCreatedHandler interface {
	OnOrderCreated(order types.Order)
}

// OrderFilledHandler is notified when an order this strategy originated is
// completely filled.
type OrderFilledHandler interface {
	OnOrderFilled(order types.Order)
}

// TradeHandler is notified of each fill increment (synthesized trade) on an
// order this strategy originated.
type TradeHandler interface {
	OnTradeExecuted(trade types.Trade)
}

// Cleaner runs once during engine stop or strategy detach.
type Cleaner interface {
	Cleanup() error
}

// PerformanceReporter exposes the snapshot the engine persists after fills.
type PerformanceReporter interface {
	Performance() Performance
}
