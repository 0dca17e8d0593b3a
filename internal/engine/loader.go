// loader.go assembles the one-shot initial-data bundle delivered to a
// strategy on attach, before any live event reaches it.
package engine

import (
	"context"

	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

const defaultBookDepth = 20

// loadInitialData fetches the prefetch bundle a strategy configured. Every
// fetch is best-effort: a failed item is logged and left empty rather than
// failing the attach. No configured prefetch, or no symbol, yields an
// empty bundle.
func (e *Engine) loadInitialData(ctx context.Context, venueName string, cfg strategy.Config) *strategy.Bundle {
	bundle := &strategy.Bundle{
		Venue:  venueName,
		Symbol: cfg.Symbol,
		Klines: make(map[string][]types.Kline),
	}
	if cfg.InitialData == nil || cfg.Symbol == "" {
		return bundle
	}

	v, ok := e.venue(venueName)
	if !ok {
		return bundle
	}

	for _, req := range cfg.InitialData.Klines {
		klines, err := v.GetKlines(ctx, cfg.Symbol, req.Interval, req.Limit)
		if err != nil {
			e.logger.Warn("initial klines fetch failed",
				"exchange", venueName, "symbol", cfg.Symbol, "interval", req.Interval, "error", err)
			continue
		}
		bundle.Klines[req.Interval] = klines
	}

	if positions, err := v.GetPositions(ctx); err != nil {
		e.logger.Warn("initial positions fetch failed", "exchange", venueName, "error", err)
	} else {
		for _, p := range positions {
			if p.Symbol == cfg.Symbol {
				bundle.Positions = append(bundle.Positions, p)
			}
		}
	}

	if open, err := v.GetOpenOrders(ctx, cfg.Symbol); err != nil {
		e.logger.Warn("initial open orders fetch failed", "exchange", venueName, "error", err)
	} else {
		bundle.OpenOrders = open
	}

	if balances, err := v.GetBalances(ctx); err != nil {
		e.logger.Warn("initial balances fetch failed", "exchange", venueName, "error", err)
	} else {
		bundle.Balances = balances
	}

	if account, err := v.GetAccountInfo(ctx); err != nil {
		e.logger.Warn("initial account fetch failed", "exchange", venueName, "error", err)
	} else {
		bundle.Account = account
	}

	if ticker, err := v.GetTicker(ctx, cfg.Symbol); err != nil {
		e.logger.Warn("initial ticker fetch failed", "exchange", venueName, "error", err)
	} else {
		bundle.Ticker = ticker
	}

	depth := cfg.InitialData.OrderBookDepth
	if depth <= 0 {
		depth = defaultBookDepth
	}
	if book, err := v.GetOrderBook(ctx, cfg.Symbol, depth); err != nil {
		e.logger.Warn("initial order book fetch failed", "exchange", venueName, "error", err)
	} else {
		bundle.OrderBook = book
	}

	return bundle
}
