// compat.go keeps the legacy untyped market-data entry point alive for
// adapters that predate the typed event union.
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/pkg/types"
)

// OnMarketData classifies an untyped payload by shape and feeds it through
// the typed path: price+volume+timestamp is a ticker, bids+asks an order
// book, OHLC+interval a kline, and an array of id/price/quantity/side maps
// a trade batch.
//
// Deprecated: push typed events through the venue adapter instead.
func (e *Engine) OnMarketData(venue string, symbol types.Symbol, payload any) error {
	switch data := payload.(type) {
	case map[string]any:
		if hasKeys(data, "price", "volume", "timestamp") {
			e.bus.EmitTickerUpdate(events.TickerUpdate{
				Venue:  venue,
				Symbol: symbol,
				Ticker: types.Ticker{
					Symbol:    symbol,
					Price:     toDecimal(data["price"]),
					Volume:    toDecimal(data["volume"]),
					Timestamp: toTime(data["timestamp"]),
				},
			})
			return nil
		}
		if hasKeys(data, "bids", "asks") {
			e.bus.EmitOrderBookUpdate(events.OrderBookUpdate{
				Venue:  venue,
				Symbol: symbol,
				Book: types.OrderBook{
					Symbol:    symbol,
					Bids:      toLevels(data["bids"]),
					Asks:      toLevels(data["asks"]),
					Timestamp: toTime(data["timestamp"]),
				},
			})
			return nil
		}
		if hasKeys(data, "open", "high", "low", "close", "interval") {
			e.bus.EmitKlineUpdate(events.KlineUpdate{
				Venue:  venue,
				Symbol: symbol,
				Kline: types.Kline{
					Symbol:   symbol,
					Interval: toString(data["interval"]),
					Open:     toDecimal(data["open"]),
					High:     toDecimal(data["high"]),
					Low:      toDecimal(data["low"]),
					Close:    toDecimal(data["close"]),
					Volume:   toDecimal(data["volume"]),
				},
			})
			return nil
		}
	case []any:
		trades := make([]types.Trade, 0, len(data))
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || !hasKeys(m, "id", "price", "quantity", "side") {
				return fmt.Errorf("unrecognized market data payload for %s", symbol)
			}
			trades = append(trades, types.Trade{
				ID:        toString(m["id"]),
				Symbol:    symbol,
				Side:      types.Side(toString(m["side"])),
				Price:     toDecimal(m["price"]),
				Quantity:  toDecimal(m["quantity"]),
				Venue:     venue,
				Timestamp: toTime(m["timestamp"]),
			})
		}
		e.bus.EmitTradeUpdate(events.TradeUpdate{Venue: venue, Symbol: symbol, Trades: trades})
		return nil
	}
	return fmt.Errorf("unrecognized market data payload for %s", symbol)
}

func hasKeys(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func toDecimal(v any) decimal.Decimal {
	switch n := v.(type) {
	case decimal.Decimal:
		return n
	case float64:
		return decimal.NewFromFloat(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case int64:
		return decimal.NewFromInt(n)
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return decimal.Zero
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64:
		return decimal.NewFromFloat(s).String()
	}
	return ""
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case float64:
		return time.UnixMilli(int64(t))
	case int64:
		return time.UnixMilli(t)
	}
	return time.Time{}
}

func toLevels(v any) []types.PriceLevel {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	levels := make([]types.PriceLevel, 0, len(items))
	for _, item := range items {
		switch l := item.(type) {
		case map[string]any:
			levels = append(levels, types.PriceLevel{
				Price:    toDecimal(l["price"]),
				Quantity: toDecimal(l["quantity"]),
			})
		case []any:
			if len(l) >= 2 {
				levels = append(levels, types.PriceLevel{
					Price:    toDecimal(l[0]),
					Quantity: toDecimal(l[1]),
				})
			}
		}
	}
	return levels
}
