// Package risk enforces pre-trade limits on every order the engine sends.
//
// The gate evaluates five limits against a pending order together with the
// account's current positions and balances:
//
//   - Position size:       projected base quantity after a hypothetical fill
//   - Daily realized loss: losses locked in since midnight UTC
//   - Drawdown:            equity decline from the session peak
//   - Open positions:      count of concurrently open positions
//   - Leverage:            total notional over account equity
//
// A rejection is fatal for that order only — the caller raises the error
// and never sends it. Account-level breaches (daily loss, drawdown)
// additionally publish risk_limit_exceeded with critical severity, which
// the engine answers with an asynchronous stop. Per-order breaches publish
// with warning severity. A zero limit disables its check.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/pkg/types"
)

// Gate evaluates risk limits. One gate serves the whole engine; its only
// mutable state is the daily-loss accumulator and the equity peak.
type Gate struct {
	limits types.RiskLimits
	bus    *events.Bus
	logger *slog.Logger

	mu            sync.Mutex
	dailyRealized decimal.Decimal // realized PnL since dailyAnchor (negative = loss)
	dailyAnchor   time.Time       // midnight UTC of the current accounting day
	peakEquity    decimal.Decimal // high-water mark for drawdown
}

// NewGate creates a risk gate with the given limits.
func NewGate(limits types.RiskLimits, bus *events.Bus, logger *slog.Logger) *Gate {
	return &Gate{
		limits: limits,
		bus:    bus,
		logger: logger.With("component", "risk"),
	}
}

// RecordRealizedPnL adds a realized profit or loss to the daily accumulator.
// The accumulator resets at midnight UTC.
func (g *Gate) RecordRealizedPnL(pnl decimal.Decimal, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.dailyAnchor) {
		g.dailyAnchor = day
		g.dailyRealized = decimal.Zero
	}
	g.dailyRealized = g.dailyRealized.Add(pnl)
}

// CheckOrder accepts or rejects a pending order. On rejection it returns a
// *types.RiskRejectedError; the order must not be sent.
func (g *Gate) CheckOrder(order *types.Order, positions []types.Position, balances []types.Balance) error {
	if err := g.checkPositionSize(order, positions); err != nil {
		return err
	}
	if err := g.checkDailyLoss(order); err != nil {
		return err
	}

	equity := accountEquity(positions, balances)
	if err := g.checkDrawdown(order, equity); err != nil {
		return err
	}
	if err := g.checkOpenPositions(order, positions); err != nil {
		return err
	}
	if err := g.checkLeverage(order, positions, equity); err != nil {
		return err
	}
	return nil
}

func (g *Gate) checkPositionSize(order *types.Order, positions []types.Position) error {
	if g.limits.MaxPositionSize.IsZero() {
		return nil
	}

	current := decimal.Zero
	for _, p := range positions {
		if p.Symbol != order.Symbol {
			continue
		}
		if p.Side == types.PositionShort {
			current = current.Sub(p.Size)
		} else {
			current = current.Add(p.Size)
		}
	}

	projected := current
	if order.Side == types.BUY {
		projected = projected.Add(order.Quantity)
	} else {
		projected = projected.Sub(order.Quantity)
	}

	if projected.Abs().GreaterThan(g.limits.MaxPositionSize) {
		return g.reject(order, events.SeverityWarning, "maxPositionSize", fmt.Sprintf(
			"projected position %s exceeds limit %s for %s",
			projected.Abs(), g.limits.MaxPositionSize, order.Symbol))
	}
	return nil
}

func (g *Gate) checkDailyLoss(order *types.Order) error {
	if g.limits.MaxDailyLoss.IsZero() {
		return nil
	}

	g.mu.Lock()
	realized := g.dailyRealized
	g.mu.Unlock()

	if realized.IsNegative() && realized.Abs().GreaterThanOrEqual(g.limits.MaxDailyLoss) {
		return g.reject(order, events.SeverityCritical, "maxDailyLoss", fmt.Sprintf(
			"daily realized loss %s reached budget %s", realized.Abs(), g.limits.MaxDailyLoss))
	}
	return nil
}

func (g *Gate) checkDrawdown(order *types.Order, equity decimal.Decimal) error {
	if g.limits.MaxDrawdown.IsZero() || equity.IsZero() {
		return nil
	}

	g.mu.Lock()
	if equity.GreaterThan(g.peakEquity) {
		g.peakEquity = equity
	}
	peak := g.peakEquity
	g.mu.Unlock()

	if peak.IsZero() {
		return nil
	}
	drawdown := peak.Sub(equity).Div(peak)
	if drawdown.GreaterThan(g.limits.MaxDrawdown) {
		return g.reject(order, events.SeverityCritical, "maxDrawdown", fmt.Sprintf(
			"drawdown %s exceeds limit %s", drawdown.StringFixed(4), g.limits.MaxDrawdown))
	}
	return nil
}

func (g *Gate) checkOpenPositions(order *types.Order, positions []types.Position) error {
	if g.limits.MaxOpenPositions <= 0 {
		return nil
	}

	open := 0
	hasSymbol := false
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		open++
		if p.Symbol == order.Symbol {
			hasSymbol = true
		}
	}

	// Adding to an existing position never raises the count.
	if !hasSymbol && open >= g.limits.MaxOpenPositions {
		return g.reject(order, events.SeverityWarning, "maxOpenPositions", fmt.Sprintf(
			"%d positions open, limit %d", open, g.limits.MaxOpenPositions))
	}
	return nil
}

func (g *Gate) checkLeverage(order *types.Order, positions []types.Position, equity decimal.Decimal) error {
	if g.limits.MaxLeverage.IsZero() || equity.IsZero() || order.Price.IsZero() {
		return nil
	}

	notional := order.Quantity.Mul(order.Price)
	for _, p := range positions {
		notional = notional.Add(p.Size.Mul(p.MarkPrice).Abs())
	}

	leverage := notional.Div(equity)
	if leverage.GreaterThan(g.limits.MaxLeverage) {
		return g.reject(order, events.SeverityWarning, "maxLeverage", fmt.Sprintf(
			"projected leverage %s exceeds limit %s", leverage.StringFixed(2), g.limits.MaxLeverage))
	}
	return nil
}

// reject logs, publishes risk_limit_exceeded, and returns the typed error.
func (g *Gate) reject(order *types.Order, severity events.Severity, limit, reason string) error {
	g.logger.Warn("order rejected by risk gate",
		"limit", limit,
		"reason", reason,
		"symbol", order.Symbol,
		"side", order.Side,
	)

	if g.bus != nil {
		g.bus.EmitRiskLimitExceeded(events.RiskLimitExceeded{
			Severity: severity,
			Limit:    limit,
			Reason:   reason,
			Order:    order,
		})
	}
	return &types.RiskRejectedError{Limit: limit, Reason: reason}
}

// accountEquity approximates equity as the sum of balance totals plus
// unrealized PnL. Cross-asset valuation is the venue's problem; balances
// are assumed quote-denominated.
func accountEquity(positions []types.Position, balances []types.Balance) decimal.Decimal {
	equity := decimal.Zero
	for _, b := range balances {
		equity = equity.Add(b.Total)
	}
	for _, p := range positions {
		equity = equity.Add(p.UnrealizedPnl)
	}
	return equity
}
