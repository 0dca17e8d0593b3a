// Package events implements the process-wide typed publish/subscribe hub.
//
// Every engine-visible event family has an Emit/On pair on Bus. Delivery is
// synchronous: Emit runs every subscribed handler inline on the publisher's
// goroutine, so a publisher observes all side effects of its own event
// before continuing. Consumers that need asynchronous handoff wrap their
// handler in a goroutine or channel send themselves.
//
// The bus holds an unbounded handler list per topic; engines routinely
// attach well over a hundred listeners across strategies and services.
package events

import (
	"sync"
	"time"

	"tradecore/pkg/types"
)

// Severity classifies risk events. Critical severity stops the engine.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ————————————————————————————————————————————————————————————————————————
// Event payloads
// ————————————————————————————————————————————————————————————————————————

// TickerUpdate is published for every inbound ticker.
type TickerUpdate struct {
	Venue  string
	Symbol types.Symbol
	Ticker types.Ticker
}

// OrderBookUpdate is published for every inbound depth snapshot.
type OrderBookUpdate struct {
	Venue  string
	Symbol types.Symbol
	Book   types.OrderBook
}

// TradeUpdate is published for every inbound batch of public trades.
type TradeUpdate struct {
	Venue  string
	Symbol types.Symbol
	Trades []types.Trade
}

// KlineUpdate is published for every inbound closed or updating bar.
type KlineUpdate struct {
	Venue  string
	Symbol types.Symbol
	Kline  types.Kline
}

// BalanceUpdate carries the latest account balances for one venue.
type BalanceUpdate struct {
	Venue    string
	Balances []types.Balance
}

// PositionUpdate carries the latest open positions for one venue.
type PositionUpdate struct {
	Venue     string
	Positions []types.Position
}

// StrategySignal is an informational record of a non-hold decision.
type StrategySignal struct {
	Strategy string
	Symbol   types.Symbol
	Action   string
	Reason   string
}

// StrategyError reports an error caught from a strategy callback. The
// strategy stays attached; the next event will reach it again.
type StrategyError struct {
	Strategy string
	Err      error
}

// RiskLimitExceeded reports a breached (or nearly breached) risk limit.
// Critical severity triggers an asynchronous engine stop.
type RiskLimitExceeded struct {
	Severity Severity
	Limit    string
	Reason   string
	Order    *types.Order
}

// EmergencyStop is an external request to halt the engine.
type EmergencyStop struct {
	Reason string
}

// EngineLifecycle marks engine start/stop transitions.
type EngineLifecycle struct {
	Timestamp time.Time
}

// EngineError reports a non-fatal engine-level failure.
type EngineError struct {
	Err error
}

// ExchangeStatus marks venue connect/disconnect transitions.
type ExchangeStatus struct {
	Venue string
}

// ExchangeError reports a venue adapter failure.
type ExchangeError struct {
	Venue string
	Err   error
}

// ————————————————————————————————————————————————————————————————————————
// Bus
// ————————————————————————————————————————————————————————————————————————

// topic is one handler list. Emission snapshots the list under the read
// lock and invokes handlers outside it, so a handler may subscribe without
// deadlocking.
type topic[T any] struct {
	mu       sync.RWMutex
	handlers []func(T)
}

func (t *topic[T]) subscribe(fn func(T)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, fn)
	t.mu.Unlock()
}

func (t *topic[T]) emit(v T) {
	t.mu.RLock()
	hs := make([]func(T), len(t.handlers))
	copy(hs, t.handlers)
	t.mu.RUnlock()

	for _, fn := range hs {
		fn(v)
	}
}

// Bus is the typed event hub. One instance is shared by the whole engine;
// tests create their own to stay isolated.
type Bus struct {
	tickerUpdate    topic[TickerUpdate]
	orderBookUpdate topic[OrderBookUpdate]
	tradeUpdate     topic[TradeUpdate]
	klineUpdate     topic[KlineUpdate]

	orderCreated         topic[types.Order]
	orderFilled          topic[types.Order]
	orderPartiallyFilled topic[types.Order]
	orderCancelled       topic[types.Order]
	orderRejected        topic[types.Order]
	orderExpired         topic[types.Order]

	balanceUpdate  topic[BalanceUpdate]
	positionUpdate topic[PositionUpdate]

	strategySignal topic[StrategySignal]
	strategyError  topic[StrategyError]

	riskLimitExceeded topic[RiskLimitExceeded]
	emergencyStop     topic[EmergencyStop]

	engineStarted topic[EngineLifecycle]
	engineStopped topic[EngineLifecycle]
	engineError   topic[EngineError]

	exchangeConnected    topic[ExchangeStatus]
	exchangeDisconnected topic[ExchangeStatus]
	exchangeError        topic[ExchangeError]
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Market data.

func (b *Bus) OnTickerUpdate(fn func(TickerUpdate))       { b.tickerUpdate.subscribe(fn) }
func (b *Bus) EmitTickerUpdate(e TickerUpdate)            { b.tickerUpdate.emit(e) }
func (b *Bus) OnOrderBookUpdate(fn func(OrderBookUpdate)) { b.orderBookUpdate.subscribe(fn) }
func (b *Bus) EmitOrderBookUpdate(e OrderBookUpdate)      { b.orderBookUpdate.emit(e) }
func (b *Bus) OnTradeUpdate(fn func(TradeUpdate))         { b.tradeUpdate.subscribe(fn) }
func (b *Bus) EmitTradeUpdate(e TradeUpdate)              { b.tradeUpdate.emit(e) }
func (b *Bus) OnKlineUpdate(fn func(KlineUpdate))         { b.klineUpdate.subscribe(fn) }
func (b *Bus) EmitKlineUpdate(e KlineUpdate)              { b.klineUpdate.emit(e) }

// Order lifecycle.

func (b *Bus) OnOrderCreated(fn func(types.Order))         { b.orderCreated.subscribe(fn) }
func (b *Bus) EmitOrderCreated(o types.Order)              { b.orderCreated.emit(o) }
func (b *Bus) OnOrderFilled(fn func(types.Order))          { b.orderFilled.subscribe(fn) }
func (b *Bus) EmitOrderFilled(o types.Order)               { b.orderFilled.emit(o) }
func (b *Bus) OnOrderPartiallyFilled(fn func(types.Order)) { b.orderPartiallyFilled.subscribe(fn) }
func (b *Bus) EmitOrderPartiallyFilled(o types.Order)      { b.orderPartiallyFilled.emit(o) }
func (b *Bus) OnOrderCancelled(fn func(types.Order))       { b.orderCancelled.subscribe(fn) }
func (b *Bus) EmitOrderCancelled(o types.Order)            { b.orderCancelled.emit(o) }
func (b *Bus) OnOrderRejected(fn func(types.Order))        { b.orderRejected.subscribe(fn) }
func (b *Bus) EmitOrderRejected(o types.Order)             { b.orderRejected.emit(o) }
func (b *Bus) OnOrderExpired(fn func(types.Order))         { b.orderExpired.subscribe(fn) }
func (b *Bus) EmitOrderExpired(o types.Order)              { b.orderExpired.emit(o) }

// Account.

func (b *Bus) OnBalanceUpdate(fn func(BalanceUpdate))   { b.balanceUpdate.subscribe(fn) }
func (b *Bus) EmitBalanceUpdate(e BalanceUpdate)        { b.balanceUpdate.emit(e) }
func (b *Bus) OnPositionUpdate(fn func(PositionUpdate)) { b.positionUpdate.subscribe(fn) }
func (b *Bus) EmitPositionUpdate(e PositionUpdate)      { b.positionUpdate.emit(e) }

// Strategy.

func (b *Bus) OnStrategySignal(fn func(StrategySignal)) { b.strategySignal.subscribe(fn) }
func (b *Bus) EmitStrategySignal(e StrategySignal)      { b.strategySignal.emit(e) }
func (b *Bus) OnStrategyError(fn func(StrategyError))   { b.strategyError.subscribe(fn) }
func (b *Bus) EmitStrategyError(e StrategyError)        { b.strategyError.emit(e) }

// Risk.

func (b *Bus) OnRiskLimitExceeded(fn func(RiskLimitExceeded)) { b.riskLimitExceeded.subscribe(fn) }
func (b *Bus) EmitRiskLimitExceeded(e RiskLimitExceeded)      { b.riskLimitExceeded.emit(e) }
func (b *Bus) OnEmergencyStop(fn func(EmergencyStop))         { b.emergencyStop.subscribe(fn) }
func (b *Bus) EmitEmergencyStop(e EmergencyStop)              { b.emergencyStop.emit(e) }

// Engine lifecycle.

func (b *Bus) OnEngineStarted(fn func(EngineLifecycle)) { b.engineStarted.subscribe(fn) }
func (b *Bus) EmitEngineStarted(e EngineLifecycle)      { b.engineStarted.emit(e) }
func (b *Bus) OnEngineStopped(fn func(EngineLifecycle)) { b.engineStopped.subscribe(fn) }
func (b *Bus) EmitEngineStopped(e EngineLifecycle)      { b.engineStopped.emit(e) }
func (b *Bus) OnEngineError(fn func(EngineError))       { b.engineError.subscribe(fn) }
func (b *Bus) EmitEngineError(e EngineError)            { b.engineError.emit(e) }

// Venue connectivity.

func (b *Bus) OnExchangeConnected(fn func(ExchangeStatus))    { b.exchangeConnected.subscribe(fn) }
func (b *Bus) EmitExchangeConnected(e ExchangeStatus)         { b.exchangeConnected.emit(e) }
func (b *Bus) OnExchangeDisconnected(fn func(ExchangeStatus)) { b.exchangeDisconnected.subscribe(fn) }
func (b *Bus) EmitExchangeDisconnected(e ExchangeStatus)      { b.exchangeDisconnected.emit(e) }
func (b *Bus) OnExchangeError(fn func(ExchangeError))         { b.exchangeError.subscribe(fn) }
func (b *Bus) EmitExchangeError(e ExchangeError)              { b.exchangeError.emit(e) }
