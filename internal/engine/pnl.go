// pnl.go keeps a per-venue, per-symbol cost basis over the fills the engine
// observes, so position-reducing fills feed realized PnL into the risk
// gate's daily-loss accumulator.
package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// positionBook is a signed-quantity average-cost book. Buys add, sells
// subtract; a fill against the open quantity realizes the difference
// between the fill price and the average entry on the closed amount.
type positionBook struct {
	mu      sync.Mutex
	entries map[string]bookEntry
}

type bookEntry struct {
	net decimal.Decimal // signed base quantity, buys positive
	avg decimal.Decimal // average entry price of the open quantity
}

func newPositionBook() *positionBook {
	return &positionBook{entries: make(map[string]bookEntry)}
}

// apply records one fill and returns the PnL it realized. A fill that only
// opens or extends the position realizes zero.
func (b *positionBook) apply(t types.Trade) decimal.Decimal {
	qty := t.Quantity
	if t.Side == types.SELL {
		qty = qty.Neg()
	}
	if qty.IsZero() {
		return decimal.Zero
	}

	key := t.Venue + "/" + string(t.Symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entries[key]
	realized := decimal.Zero

	if entry.net.Sign() != 0 && entry.net.Sign() != qty.Sign() {
		closed := decimal.Min(entry.net.Abs(), qty.Abs())
		diff := t.Price.Sub(entry.avg)
		if entry.net.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(closed)
	}

	next := entry.net.Add(qty)
	switch {
	case next.IsZero():
		entry.avg = decimal.Zero
	case entry.net.IsZero() || entry.net.Sign() == qty.Sign():
		cost := entry.avg.Mul(entry.net.Abs()).Add(t.Price.Mul(qty.Abs()))
		entry.avg = cost.Div(next.Abs())
	case next.Sign() != entry.net.Sign():
		// Flipped through flat; the remainder opens at the fill price.
		entry.avg = t.Price
	}
	entry.net = next
	b.entries[key] = entry

	return realized
}
