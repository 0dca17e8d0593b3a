// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — orders, trades,
// positions, balances, market-data payloads, and per-symbol trading rules.
// It has no dependencies on internal packages, so it can be imported by
// any layer, including external venue adapters and strategies.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// OrderStatus is the lifecycle state of an order as reported by a venue.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is final — the order will never
// transition again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order is still working on the venue.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// TimeInForce controls how long an order stays active.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // good til cancelled
	TimeInForceIOC TimeInForce = "IOC" // immediate or cancel
	TimeInForceFOK TimeInForce = "FOK" // fill or kill
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// ————————————————————————————————————————————————————————————————————————
// Symbols and trading rules
// ————————————————————————————————————————————————————————————————————————

// Symbol is a venue-local trading pair in base/quote[:settle] form,
// e.g. "BTC/USDT" (spot) or "BTC/USDT:USDT" (perpetual).
type Symbol string

// IsPerpetual reports whether the symbol names a perpetual contract,
// distinguished by the ":settle" suffix.
func (s Symbol) IsPerpetual() bool {
	return strings.Contains(string(s), ":")
}

// Base returns the base asset of the pair, e.g. "BTC" for "BTC/USDT".
func (s Symbol) Base() string {
	pair, _, _ := strings.Cut(string(s), ":")
	base, _, _ := strings.Cut(pair, "/")
	return base
}

// Quote returns the quote asset of the pair, e.g. "USDT" for "BTC/USDT".
func (s Symbol) Quote() string {
	pair, _, _ := strings.Cut(string(s), ":")
	_, quote, _ := strings.Cut(pair, "/")
	return quote
}

// MarketKind distinguishes spot pairs from perpetual contracts.
type MarketKind string

const (
	MarketSpot      MarketKind = "spot"
	MarketPerpetual MarketKind = "perpetual"
)

// SymbolInfo carries the per-symbol trading rules a venue enforces.
// Fetched from the venue and cached by the symbols package; consumed by
// the precision gate before every order.
type SymbolInfo struct {
	Symbol            Symbol          `json:"symbol"`
	MinQuantity       decimal.Decimal `json:"minQuantity"`
	MaxQuantity       decimal.Decimal `json:"maxQuantity"`
	StepSize          decimal.Decimal `json:"stepSize"` // quantity increment, zero = use QuantityPrecision
	TickSize          decimal.Decimal `json:"tickSize"` // price increment, zero = use PricePrecision
	MinNotional       decimal.Decimal `json:"minNotional"`
	PricePrecision    int32           `json:"pricePrecision"`
	QuantityPrecision int32           `json:"quantityPrecision"`
	Status            string          `json:"status"` // venue-reported, e.g. "TRADING"
	Market            MarketKind      `json:"market"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

// MaxClientOrderIDLen is the longest client order id venues accept.
const MaxClientOrderIDLen = 32

// Order is the engine's view of an order across its whole lifecycle.
// Identity is (ID, Venue); ClientOrderID round-trips through the venue and
// carries strategy provenance (see the engine's clientOrderId patterns).
type Order struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	Venue         string `json:"exchange"`

	Symbol      Symbol          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price,omitempty"`     // zero for market orders
	StopPrice   decimal.Decimal `json:"stopPrice,omitempty"` // stop trigger, zero if unused
	TimeInForce TimeInForce     `json:"timeInForce,omitempty"`

	Status                   OrderStatus     `json:"status"`
	ExecutedQuantity         decimal.Decimal `json:"executedQuantity"`
	CummulativeQuoteQuantity decimal.Decimal `json:"cummulativeQuoteQuantity"`
	AveragePrice             decimal.Decimal `json:"averagePrice,omitempty"`
	UpdateTime               time.Time       `json:"updateTime,omitempty"`

	StrategyID   int64  `json:"strategyId,omitempty"`
	StrategyName string `json:"strategyName,omitempty"`
	StrategyType string `json:"strategyType,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

// GateKey is the de-duplication key for OrderCreated events: the client
// order id when present, else the venue order id.
func (o *Order) GateKey() string {
	if o.ClientOrderID != "" {
		return o.ClientOrderID
	}
	return o.ID
}

// Trade is a single fill, synthesized from the quantity delta between two
// successive observations of the same order.
type Trade struct {
	ID        string          `json:"id,omitempty"`
	OrderID   string          `json:"orderId,omitempty"`
	Symbol    Symbol          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Venue     string          `json:"exchange"`
	Timestamp time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// Position is an open position on a venue.
type Position struct {
	Symbol        Symbol          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
	Percentage    decimal.Decimal `json:"percentage"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Balance is a single asset balance. Total is always Free + Locked.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// NewBalance builds a balance with Total derived from Free + Locked.
func NewBalance(asset string, free, locked decimal.Decimal) Balance {
	return Balance{Asset: asset, Free: free, Locked: locked, Total: free.Add(locked)}
}

// AccountInfo is the venue's account-level snapshot.
type AccountInfo struct {
	Venue      string    `json:"exchange"`
	CanTrade   bool      `json:"canTrade"`
	Balances   []Balance `json:"balances"`
	UpdateTime time.Time `json:"updateTime"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Ticker is a top-of-book / last-trade summary for one symbol.
type Ticker struct {
	Symbol    Symbol          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceLevel is one bid or ask level in an order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a point-in-time depth snapshot for one symbol.
// Bids are sorted descending by price, asks ascending.
type OrderBook struct {
	Symbol    Symbol       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Kline is an OHLCV aggregate over a fixed interval ("1m", "1h", ...).
type Kline struct {
	Symbol    Symbol          `json:"symbol"`
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
}

// DataType identifies a market-data stream family.
type DataType string

const (
	DataTicker    DataType = "ticker"
	DataOrderBook DataType = "orderbook"
	DataTrades    DataType = "trades"
	DataKlines    DataType = "klines"
)

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// RiskLimits are the hard limits the risk gate evaluates before every order.
type RiskLimits struct {
	MaxPositionSize  decimal.Decimal `json:"maxPositionSize"`  // max base quantity per symbol after fill
	MaxDailyLoss     decimal.Decimal `json:"maxDailyLoss"`     // realized-loss budget per day
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`      // fraction of peak equity, e.g. 0.2
	MaxOpenPositions int             `json:"maxOpenPositions"` // count of concurrently open positions
	MaxLeverage      decimal.Decimal `json:"maxLeverage"`      // notional / equity ceiling
}
