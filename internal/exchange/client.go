// client.go is the REST half of the generic connector:
//   - market data:  GET /api/v1/ticker | /depth | /trades | /klines
//   - trading:      POST/GET/DELETE /api/v1/order, GET /api/v1/openOrders
//   - account:      GET /api/v1/account | /balances | /positions
//   - rules:        GET /api/v1/exchangeInfo/symbol
//
// Private endpoints carry HMAC headers; every request passes its category's
// token bucket first and is retried on 5xx.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradecore/pkg/types"
)

// Client is the venue REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	venue  string
	logger *slog.Logger
}

// NewClient creates a REST client for one venue.
func NewClient(venue, baseURL string, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		venue:  venue,
		logger: logger.With("component", "rest", "exchange", venue),
	}
}

func (c *Client) venueErr(op string, status int, message string) error {
	return &VenueError{Venue: c.venue, Op: op, Status: status, Message: message}
}

// GetTicker fetches the latest ticker for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.Ticker
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", string(symbol)).
		SetResult(&result).
		Get("/api/v1/ticker")
	if err != nil {
		return nil, fmt.Errorf("get ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.venueErr("get ticker", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOrderBook fetches a depth snapshot for a symbol.
func (c *Client) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OrderBook
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", string(symbol)).
		SetQueryParam("limit", strconv.Itoa(depth)).
		SetResult(&result).
		Get("/api/v1/depth")
	if err != nil {
		return nil, fmt.Errorf("get depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.venueErr("get depth", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetRecentTrades fetches the latest public trades for a symbol.
func (c *Client) GetRecentTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.Trade
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", string(symbol)).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&result).
		Get("/api/v1/trades")
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.venueErr("get trades", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetKlines fetches historical bars for a symbol and interval.
func (c *Client) GetKlines(ctx context.Context, symbol types.Symbol, interval string, limit int) ([]types.Kline, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.Kline
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", string(symbol)).
		SetQueryParam("interval", interval).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&result).
		Get("/api/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.venueErr("get klines", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetSymbolInfo fetches the trading rules for one symbol.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol types.Symbol) (*types.SymbolInfo, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.SymbolInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", string(symbol)).
		SetResult(&result).
		Get("/api/v1/exchangeInfo/symbol")
	if err != nil {
		return nil, fmt.Errorf("get symbol info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.venueErr("get symbol info", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// getPrivate runs an authenticated GET and decodes the response into out.
func (c *Client) getPrivate(ctx context.Context, op, path string, query map[string]string, out any) error {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, path, "")).
		SetQueryParams(query).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return c.venueErr(op, resp.StatusCode(), resp.String())
	}
	return nil
}

// GetPositions fetches all open positions for the account.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	var result []types.Position
	if err := c.getPrivate(ctx, "get positions", "/api/v1/positions", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetBalances fetches all asset balances for the account.
func (c *Client) GetBalances(ctx context.Context) ([]types.Balance, error) {
	var result []types.Balance
	if err := c.getPrivate(ctx, "get balances", "/api/v1/balances", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetAccountInfo fetches the account summary.
func (c *Client) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	var result types.AccountInfo
	if err := c.getPrivate(ctx, "get account", "/api/v1/account", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetOpenOrders fetches open orders, optionally scoped to one symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	query := map[string]string{}
	if symbol != "" {
		query["symbol"] = string(symbol)
	}

	var result []types.Order
	if err := c.getPrivate(ctx, "get open orders", "/api/v1/openOrders", query, &result); err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Venue = c.venue
	}
	return result, nil
}

// GetOrder fetches one order's authoritative state by id or client id.
func (c *Client) GetOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error) {
	query := map[string]string{"symbol": string(symbol)}
	if id != "" {
		query["orderId"] = id
	}
	if clientOrderID != "" {
		query["clientOrderId"] = clientOrderID
	}

	var result types.Order
	if err := c.getPrivate(ctx, "get order", "/api/v1/order", query, &result); err != nil {
		return nil, err
	}
	result.Venue = c.venue
	return &result, nil
}

// createOrderPayload is the wire form of an order placement.
type createOrderPayload struct {
	Symbol        types.Symbol      `json:"symbol"`
	Side          types.Side        `json:"side"`
	Type          types.OrderType   `json:"type"`
	Quantity      string            `json:"quantity"`
	Price         string            `json:"price,omitempty"`
	StopPrice     string            `json:"stopPrice,omitempty"`
	TimeInForce   types.TimeInForce `json:"timeInForce,omitempty"`
	ClientOrderID string            `json:"clientOrderId,omitempty"`
	TradeMode     string            `json:"tradeMode,omitempty"`
	Leverage      int               `json:"leverage,omitempty"`
}

// CreateOrder places one order and returns the venue's view of it.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*types.Order, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	// Venues echo the client id back on every update; a missing one would
	// make the order untraceable, so generate a fallback.
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()[:types.MaxClientOrderIDLen]
	}

	payload := createOrderPayload{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity.String(),
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
		TradeMode:     req.TradeMode,
		Leverage:      req.Leverage,
	}
	if !req.Price.IsZero() {
		payload.Price = req.Price.String()
	}
	if !req.StopPrice.IsZero() {
		payload.StopPrice = req.StopPrice.String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var result types.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodPost, "/api/v1/order", string(body))).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.venueErr("create order", resp.StatusCode(), resp.String())
	}

	result.Venue = c.venue
	c.logger.Info("order placed",
		"symbol", result.Symbol,
		"side", result.Side,
		"order_id", result.ID,
		"client_order_id", result.ClientOrderID,
	)
	return &result, nil
}

// CancelOrder cancels one order by id or client id and returns its final
// state as reported by the venue.
func (c *Client) CancelOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error) {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		Symbol        types.Symbol `json:"symbol"`
		OrderID       string       `json:"orderId,omitempty"`
		ClientOrderID string       `json:"clientOrderId,omitempty"`
	}{Symbol: symbol, OrderID: id, ClientOrderID: clientOrderID}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}

	var result types.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodDelete, "/api/v1/order", string(body))).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.venueErr("cancel order", resp.StatusCode(), resp.String())
	}

	result.Venue = c.venue
	c.logger.Info("order cancelled", "symbol", symbol, "order_id", result.ID)
	return &result, nil
}
