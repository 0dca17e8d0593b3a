// pipeline.go is the order execution path: venue selection, symbol rules,
// precision adjustment, risk check, client order id stamping, venue call,
// and provenance recording. Every error surfaces to the caller; nothing is
// retried silently.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/precision"
	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

// ExecuteOrder places one buy or sell decision on behalf of a strategy.
// The engine must be running. Returns the venue-acknowledged order with
// strategy provenance stamped.
func (e *Engine) ExecuteOrder(ctx context.Context, strategyName string, d strategy.Decision) (*types.Order, error) {
	if !e.IsRunning() {
		return nil, types.ErrEngineNotReady
	}

	e.mu.RLock()
	s, ok := e.strategies[strategyName]
	e.mu.RUnlock()
	if strategyName != "" && !ok {
		return nil, &types.NotFoundError{Kind: "strategy", Name: strategyName}
	}

	return e.placeOrder(ctx, strategyName, s, d)
}

// executeDecision routes one non-hold decision from Analyze.
func (e *Engine) executeDecision(ctx context.Context, name string, s strategy.Strategy, d strategy.Decision) error {
	switch d.Action {
	case strategy.Buy, strategy.Sell:
		_, err := e.placeOrder(ctx, name, s, d)
		return err
	case strategy.Cancel:
		return e.cancelOrder(ctx, s, d)
	case strategy.Update:
		return e.replaceOrder(ctx, name, s, d)
	default:
		return fmt.Errorf("unknown decision action %q", d.Action)
	}
}

// placeOrder runs the full pipeline. The precision gate runs before any
// venue call: an order that rounds below the venue's minimums is rejected
// locally and the venue never sees it.
func (e *Engine) placeOrder(ctx context.Context, name string, s strategy.Strategy, d strategy.Decision) (*types.Order, error) {
	var cfg strategy.Config
	if s != nil {
		cfg = s.Config()
	}

	venueName, v, err := e.decisionVenue(cfg, d)
	if err != nil {
		return nil, err
	}

	symbol := d.Symbol
	if symbol == "" {
		symbol = cfg.Symbol
	}
	if symbol == "" {
		return nil, &types.InvalidOrderError{Field: "symbol", Reason: "missing"}
	}

	info, err := e.rules.Get(ctx, venueName, symbol)
	if err != nil {
		return nil, err
	}

	order := types.Order{
		Venue:     venueName,
		Symbol:    symbol,
		Quantity:  d.Quantity,
		Price:     d.Price,
		StopPrice: d.StopPrice,
	}
	if d.Action == strategy.Buy {
		order.Side = types.BUY
	} else {
		order.Side = types.SELL
	}
	if d.Price.IsZero() {
		order.Type = types.OrderTypeMarket
	} else {
		order.Type = types.OrderTypeLimit
		order.TimeInForce = types.TimeInForceGTC
	}

	if err := precision.Adjust(&order, info); err != nil {
		return nil, err
	}

	if err := e.risk.CheckOrder(&order, e.positionsFor(venueName), e.balancesFor(venueName)); err != nil {
		return nil, err
	}

	clientOrderID := d.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = newClientOrderID(cfg.StrategyID, e.now())
	}

	created, err := v.CreateOrder(ctx, exchange.CreateOrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
		ClientOrderID: clientOrderID,
		TradeMode:     d.TradeMode,
		Leverage:      d.Leverage,
	})
	if err != nil {
		return nil, err
	}

	if created.Venue == "" {
		created.Venue = venueName
	}
	if created.ClientOrderID == "" {
		created.ClientOrderID = clientOrderID
	}
	created.StrategyID = cfg.StrategyID
	if name != "" {
		created.StrategyName = name
	}
	if s != nil {
		created.StrategyType = s.Type()
	}
	created.UserID = cfg.UserID

	e.recordCreated(*created)

	if h, ok := s.(strategy.OrderCreatedHandler); ok {
		h.OnOrderCreated(*created)
	}

	e.logger.Info("order placed",
		"exchange", venueName,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type,
		"quantity", order.Quantity,
		"price", order.Price,
		"client_order_id", created.ClientOrderID,
		"strategy", name,
	)
	return created, nil
}

// recordCreated registers a venue-acknowledged order: order_created is
// published once per gate key, the local and external stores are updated,
// and the sync service is told the current status so it will not re-emit it.
func (e *Engine) recordCreated(order types.Order) {
	key := order.GateKey()

	e.mu.Lock()
	_, seen := e.created[key]
	if !seen {
		e.created[key] = struct{}{}
	}
	e.mu.Unlock()

	e.manager.Upsert(order)
	if err := e.store.UpdateOrder(e.runContext(), order); err != nil {
		e.logger.Error("order persist failed", "order_id", order.ID, "error", err)
	}
	e.syncSvc.NoteStatus(order.ID, order.Status)

	if !seen {
		e.bus.EmitOrderCreated(order)
	}
}

// cancelOrder resolves the target in the local order store and cancels it
// on the venue. Cancelling an unknown order is logged but not an error: the
// order may already be gone from a race with a fill.
func (e *Engine) cancelOrder(ctx context.Context, s strategy.Strategy, d strategy.Decision) error {
	var cfg strategy.Config
	if s != nil {
		cfg = s.Config()
	}

	venueName, v, err := e.decisionVenue(cfg, d)
	if err != nil {
		return err
	}

	order, ok := e.resolveOrder(venueName, d.Symbol, d.OrderID, d.ClientOrderID)
	if !ok {
		e.logger.Error("cancel target not found",
			"exchange", venueName, "order_id", d.OrderID, "client_order_id", d.ClientOrderID)
		return nil
	}

	cancelled, err := v.CancelOrder(ctx, order.Symbol, order.ID, order.ClientOrderID)
	if err != nil {
		return err
	}

	// The status event for the cancellation arrives on the push path or the
	// next sync tick; here we only refresh local state.
	if cancelled != nil {
		merged := order
		merged.Status = cancelled.Status
		merged.UpdateTime = e.now()
		e.manager.Upsert(merged)
		if err := e.store.UpdateOrder(ctx, merged); err != nil {
			e.logger.Error("order persist failed", "order_id", merged.ID, "error", err)
		}
	}
	return nil
}

// replaceOrder is cancel-and-replace: the existing order names the side and
// symbol, the decision supplies the new terms and the replacement id.
func (e *Engine) replaceOrder(ctx context.Context, name string, s strategy.Strategy, d strategy.Decision) error {
	var cfg strategy.Config
	if s != nil {
		cfg = s.Config()
	}

	venueName, v, err := e.decisionVenue(cfg, d)
	if err != nil {
		return err
	}

	existing, ok := e.resolveOrder(venueName, d.Symbol, d.OrderID, d.ClientOrderID)
	if !ok {
		return &types.NotFoundError{Kind: "order", Name: d.ClientOrderID}
	}

	if _, err := v.CancelOrder(ctx, existing.Symbol, existing.ID, existing.ClientOrderID); err != nil {
		return fmt.Errorf("cancel before replace: %w", err)
	}

	action := strategy.Buy
	if existing.Side == types.SELL {
		action = strategy.Sell
	}
	_, err = e.placeOrder(ctx, name, s, strategy.Decision{
		Action:        action,
		Symbol:        existing.Symbol,
		Venue:         venueName,
		Quantity:      d.Quantity,
		Price:         d.Price,
		ClientOrderID: d.NewClientOrderID,
		Reason:        d.Reason,
	})
	return err
}

// resolveOrder finds an order by venue order id, or by client order id
// scoped to the venue and, when given, the symbol.
func (e *Engine) resolveOrder(venue string, symbol types.Symbol, id, clientOrderID string) (types.Order, bool) {
	if id != "" {
		if o, ok := e.manager.Get(id); ok {
			return o, true
		}
	}
	if clientOrderID != "" {
		if o, ok := e.manager.GetByClientOrderID(venue, clientOrderID); ok {
			if symbol == "" || o.Symbol == symbol {
				return o, true
			}
		}
	}
	return types.Order{}, false
}

// decisionVenue selects the venue for a decision: an explicit venue wins,
// then the strategy's configured venue, then any connected venue.
func (e *Engine) decisionVenue(cfg strategy.Config, d strategy.Decision) (string, exchange.Venue, error) {
	if d.Venue != "" {
		v, ok := e.venue(d.Venue)
		if !ok {
			return "", nil, &types.NotFoundError{Kind: "exchange", Name: d.Venue}
		}
		return d.Venue, v, nil
	}

	if name := e.strategyVenue(cfg); name != "" {
		v, _ := e.venue(name)
		return name, v, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for name, v := range e.venues {
		if v.IsConnected() {
			return name, v, nil
		}
	}
	return "", nil, types.ErrNotConnected
}

func (e *Engine) balancesFor(venue string) []types.Balance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balances[venue]
}

func (e *Engine) positionsFor(venue string) []types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions[venue]
}

// newClientOrderID builds the provenance-carrying client order id:
// "s" + strategy id + millisecond timestamp, truncated to the venue limit.
// Strategies without a numeric id get the neutral "id" tag, which decodes
// to no provenance.
func newClientOrderID(strategyID int64, now time.Time) string {
	tag := "id"
	if strategyID > 0 {
		tag = strconv.FormatInt(strategyID, 10)
	}
	id := "s" + tag + strconv.FormatInt(now.UnixMilli(), 10)
	if len(id) > types.MaxClientOrderIDLen {
		id = id[:types.MaxClientOrderIDLen]
	}
	return id
}
