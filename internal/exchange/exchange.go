// Package exchange implements the venue connector surface the engine
// consumes, plus a generic REST + WebSocket connector for venues exposing a
// conventional spot/perpetual HTTP API.
//
// Every REST request is rate-limited via per-category token buckets,
// retried on 5xx, and HMAC-authenticated on private endpoints. Live data
// arrives on a single Events channel per venue so the engine can serialize
// dispatch per venue without extra locking.
package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/subscription"
	"tradecore/pkg/types"
)

// Event is the tagged union a venue pushes into the engine. Exactly one
// payload field is set per event.
type Event struct {
	Venue  string
	Symbol types.Symbol

	Ticker    *types.Ticker
	Book      *types.OrderBook
	Trade     *types.Trade
	Kline     *types.Kline
	Order     *types.Order
	Balances  []types.Balance
	Positions []types.Position
}

// CreateOrderRequest carries everything a venue needs to place one order.
// Quantity and Price arrive already precision-adjusted.
type CreateOrderRequest struct {
	Symbol        types.Symbol
	Side          types.Side
	Type          types.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   types.TimeInForce
	ClientOrderID string
	TradeMode     string
	Leverage      int
}

// VenueError wraps a failure raised by a venue adapter.
type VenueError struct {
	Venue   string
	Op      string
	Status  int
	Message string
}

func (e *VenueError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d: %s", e.Venue, e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Venue, e.Op, e.Message)
}

// Venue is the adapter contract the engine consumes. The market-data half
// (push management and snapshot getters) is the same surface the
// subscription coordinator polls through.
type Venue interface {
	subscription.MarketSource

	Name() string
	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect() error

	// Events is the venue's single outbound stream. The engine runs one
	// dispatcher per venue; events for one venue are never interleaved.
	Events() <-chan Event

	// SubscribeUserData opens the authenticated stream carrying order,
	// balance, and position updates.
	SubscribeUserData(ctx context.Context) error

	GetSymbolInfo(ctx context.Context, symbol types.Symbol) (*types.SymbolInfo, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetBalances(ctx context.Context) ([]types.Balance, error)
	GetAccountInfo(ctx context.Context) (*types.AccountInfo, error)
	GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error)
	GetOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error)
}
