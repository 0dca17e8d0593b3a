// account.go processes the authenticated stream: order updates, balance
// snapshots, and position snapshots. Order updates are enriched with
// strategy provenance, merged monotonically with the last known state, and
// turned into synthesized trades plus at-most-one status event per
// transition. Updates arriving before the engine is running queue FIFO.
package engine

import (
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/internal/exchange"
	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

// handleAccountEvent serializes account processing behind the dispatch
// mutex and queues anything that arrives while the engine is not running.
func (e *Engine) handleAccountEvent(ev exchange.Event) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	if e.state != StateRunning {
		e.pending = append(e.pending, ev)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.processAccountEvent(ev)
}

// processAccountEvent runs with the dispatch mutex held.
func (e *Engine) processAccountEvent(ev exchange.Event) {
	switch {
	case ev.Order != nil:
		e.processOrderUpdate(ev.Venue, *ev.Order)
	case ev.Balances != nil:
		e.processBalances(ev.Venue, ev.Balances)
	case ev.Positions != nil:
		e.processPositions(ev.Venue, ev.Positions)
	}
}

func (e *Engine) processBalances(venue string, balances []types.Balance) {
	e.mu.Lock()
	e.balances[venue] = balances
	e.mu.Unlock()

	e.bus.EmitBalanceUpdate(events.BalanceUpdate{Venue: venue, Balances: balances})

	e.forEachStrategy(func(name string, s strategy.Strategy, cfg strategy.Config) {
		if !cfgHasVenue(cfg, venue) {
			return
		}
		e.analyze(name, s, strategy.Input{Venue: venue, Balances: balances})
	})
}

func (e *Engine) processPositions(venue string, positions []types.Position) {
	e.mu.Lock()
	e.positions[venue] = positions
	e.mu.Unlock()

	if err := e.store.SyncPositions(e.runContext(), venue, positions); err != nil {
		e.logger.Error("position sync failed", "exchange", venue, "error", err)
	}

	e.bus.EmitPositionUpdate(events.PositionUpdate{Venue: venue, Positions: positions})

	e.forEachStrategy(func(name string, s strategy.Strategy, cfg strategy.Config) {
		if !cfgHasVenue(cfg, venue) {
			return
		}
		e.analyze(name, s, strategy.Input{Venue: venue, Positions: positions})
	})
}

// processOrderUpdate is the push-path order pipeline: enrich provenance,
// merge with the prior observation, synthesize fill trades from the
// executed-quantity delta, gate order_created, emit the status transition,
// persist, and deliver to strategies on the venue.
func (e *Engine) processOrderUpdate(venue string, order types.Order) {
	if order.Venue == "" {
		order.Venue = venue
	}

	prev, hasPrev := e.manager.Get(order.ID)
	if !hasPrev && order.ClientOrderID != "" {
		prev, hasPrev = e.manager.GetByClientOrderID(order.Venue, order.ClientOrderID)
		if hasPrev && order.ID == "" {
			order.ID = prev.ID
		}
	}

	if hasPrev {
		mergeOrder(&order, prev)
	}
	e.enrichProvenance(&order)

	prevExec := decimalZeroIfNew(hasPrev, prev.ExecutedQuantity)
	prevQuote := decimalZeroIfNew(hasPrev, prev.CummulativeQuoteQuantity)

	// Fills never regress: a stale update keeps the higher observed totals.
	if order.ExecutedQuantity.LessThan(prevExec) {
		order.ExecutedQuantity = prevExec
	}
	if order.CummulativeQuoteQuantity.LessThan(prevQuote) {
		order.CummulativeQuoteQuantity = prevQuote
	}
	if order.UpdateTime.IsZero() {
		order.UpdateTime = e.now()
	}

	e.emitCreatedGated(order)

	deltaQ := order.ExecutedQuantity.Sub(prevExec)
	if deltaQ.IsPositive() {
		deltaQuote := order.CummulativeQuoteQuantity.Sub(prevQuote)
		price := order.Price
		if deltaQuote.IsPositive() {
			price = deltaQuote.Div(deltaQ)
		}
		trade := types.Trade{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Price:     price,
			Quantity:  deltaQ,
			Venue:     order.Venue,
			Timestamp: order.UpdateTime,
		}
		if realized := e.book.apply(trade); !realized.IsZero() {
			e.risk.RecordRealizedPnL(realized, e.now())
		}
		e.notifyTrade(order, trade)
	}

	if !hasPrev || prev.Status != order.Status {
		e.emitStatusTransition(order)
	}

	e.manager.Upsert(order)
	if err := e.store.UpdateOrder(e.runContext(), order); err != nil {
		e.logger.Error("order persist failed", "order_id", order.ID, "error", err)
	}

	e.forEachStrategy(func(name string, s strategy.Strategy, cfg strategy.Config) {
		if !cfgHasVenue(cfg, order.Venue) {
			return
		}
		e.analyze(name, s, strategy.Input{Venue: order.Venue, Symbol: order.Symbol, Orders: []types.Order{order}})
	})
}

// emitCreatedGated publishes order_created exactly once per gate key. An
// order first seen in a terminal-without-fill state was never accepted, so
// no created event is published for it.
func (e *Engine) emitCreatedGated(order types.Order) {
	switch order.Status {
	case types.OrderStatusCanceled, types.OrderStatusRejected, types.OrderStatusExpired:
		return
	}

	key := order.GateKey()
	e.mu.Lock()
	if _, seen := e.created[key]; seen {
		e.mu.Unlock()
		return
	}
	e.created[key] = struct{}{}
	e.mu.Unlock()

	e.bus.EmitOrderCreated(order)
	if _, s, ok := e.orderStrategy(order); ok {
		if h, ok := s.(strategy.OrderCreatedHandler); ok {
			h.OnOrderCreated(order)
		}
	}
}

// emitStatusTransition publishes the one status event for a transition the
// push path observed, recording it with the sync service first so the next
// reconciliation tick stays quiet. Expirations are left to the sync path.
func (e *Engine) emitStatusTransition(order types.Order) {
	e.syncSvc.NoteStatus(order.ID, order.Status)

	switch order.Status {
	case types.OrderStatusPartiallyFilled:
		e.bus.EmitOrderPartiallyFilled(order)
	case types.OrderStatusFilled:
		e.bus.EmitOrderFilled(order)
		if _, s, ok := e.orderStrategy(order); ok {
			if h, ok := s.(strategy.OrderFilledHandler); ok {
				h.OnOrderFilled(order)
			}
			e.schedulePerformance(s, order.StrategyID)
		}
	case types.OrderStatusCanceled:
		e.bus.EmitOrderCancelled(order)
	case types.OrderStatusRejected:
		e.bus.EmitOrderRejected(order)
	}
}

// notifyTrade delivers a synthesized fill to the owning strategy and
// schedules its performance snapshot.
func (e *Engine) notifyTrade(order types.Order, trade types.Trade) {
	_, s, ok := e.orderStrategy(order)
	if !ok {
		return
	}
	if h, ok := s.(strategy.TradeHandler); ok {
		h.OnTradeExecuted(trade)
	}
	e.schedulePerformance(s, order.StrategyID)
}

func (e *Engine) schedulePerformance(s strategy.Strategy, strategyID int64) {
	if strategyID == 0 {
		return
	}
	r, ok := s.(strategy.PerformanceReporter)
	if !ok {
		return
	}
	e.perf.Schedule(strategyID, r.Performance)
}

// orderStrategy resolves the strategy an order belongs to, by name first,
// then by numeric id.
func (e *Engine) orderStrategy(order types.Order) (string, strategy.Strategy, bool) {
	if order.StrategyName != "" {
		e.mu.RLock()
		s, ok := e.strategies[order.StrategyName]
		e.mu.RUnlock()
		if ok {
			return order.StrategyName, s, true
		}
	}
	return e.strategyByID(order.StrategyID)
}

// mergeOrder fills gaps in an incoming update from the prior observation.
func mergeOrder(order *types.Order, prev types.Order) {
	if order.ClientOrderID == "" {
		order.ClientOrderID = prev.ClientOrderID
	}
	if order.Symbol == "" {
		order.Symbol = prev.Symbol
	}
	if order.Side == "" {
		order.Side = prev.Side
	}
	if order.Type == "" {
		order.Type = prev.Type
	}
	if order.Quantity.IsZero() {
		order.Quantity = prev.Quantity
	}
	if order.Price.IsZero() {
		order.Price = prev.Price
	}
	if order.TimeInForce == "" {
		order.TimeInForce = prev.TimeInForce
	}
	if order.StrategyID == 0 {
		order.StrategyID = prev.StrategyID
	}
	if order.StrategyName == "" {
		order.StrategyName = prev.StrategyName
	}
	if order.StrategyType == "" {
		order.StrategyType = prev.StrategyType
	}
	if order.UserID == "" {
		order.UserID = prev.UserID
	}
}

// Three client order id conventions carry strategy provenance. The stamp
// form ends in a 13 digit millisecond timestamp; everything before it is
// the strategy id.
var (
	reTaggedID   = regexp.MustCompile(`^[ET](\d+)D`)
	reStampID    = regexp.MustCompile(`^s(\d+)$`)
	rePrefixedID = regexp.MustCompile(`^strategy_(\d+)_`)
)

const millisDigits = 13

// enrichProvenance recovers strategy identity from the client order id when
// the update carries none, then fills in name and type from the registered
// strategy. Unknown id shapes are not an error.
func (e *Engine) enrichProvenance(order *types.Order) {
	if order.StrategyID == 0 {
		order.StrategyID = strategyIDFromClientOrderID(order.ClientOrderID)
	}
	if order.StrategyID == 0 {
		return
	}

	if name, s, ok := e.strategyByID(order.StrategyID); ok {
		if order.StrategyName == "" {
			order.StrategyName = name
		}
		if order.StrategyType == "" {
			order.StrategyType = s.Type()
		}
		if order.UserID == "" {
			order.UserID = s.Config().UserID
		}
	}
}

// strategyIDFromClientOrderID decodes the strategy id out of the three
// historical client order id patterns. Returns 0 when nothing matches.
func strategyIDFromClientOrderID(clientOrderID string) int64 {
	if m := reTaggedID.FindStringSubmatch(clientOrderID); m != nil {
		return parseID(m[1])
	}
	if m := rePrefixedID.FindStringSubmatch(clientOrderID); m != nil {
		return parseID(m[1])
	}
	if m := reStampID.FindStringSubmatch(clientOrderID); m != nil {
		digits := m[1]
		if len(digits) > millisDigits {
			return parseID(digits[:len(digits)-millisDigits])
		}
	}
	return 0
}

func parseID(digits string) int64 {
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func decimalZeroIfNew(hasPrev bool, v decimal.Decimal) decimal.Decimal {
	if !hasPrev {
		return decimal.Zero
	}
	return v
}
