// Package orders provides the engine's in-memory order book mirror and the
// background service that reconciles it against venues.
//
// Manager is a process-local store of every order the engine has seen,
// indexed by id, client order id, symbol, status, and venue. All indices
// are maintained in the same critical section as the primary map, so a
// reader can never observe an order in a stale index bucket.
package orders

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Filter narrows queries and statistics. Zero fields match everything.
type Filter struct {
	Symbol types.Symbol
	Venue  string
	Status types.OrderStatus
}

func (f Filter) matches(o *types.Order) bool {
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Venue != "" && o.Venue != f.Venue {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return true
}

// Stats are derived order statistics for a filter.
type Stats struct {
	Total          int
	Open           int
	Filled         int
	Cancelled      int
	Rejected       int
	ExecutedVolume decimal.Decimal // cumulative base quantity filled
	QuoteVolume    decimal.Decimal // cumulative quote value filled
}

// Manager is the indexed in-memory order store.
type Manager struct {
	mu sync.RWMutex

	byID     map[string]*types.Order
	byClient map[string]string              // venue + "\x00" + clientOrderID -> order id
	bySymbol map[types.Symbol]idSet
	byStatus map[types.OrderStatus]idSet
	byVenue  map[string]idSet
	seq      map[string]int64 // insertion order, for stable listings
	nextSeq  int64
}

type idSet map[string]struct{}

// NewManager creates an empty order store.
func NewManager() *Manager {
	return &Manager{
		byID:     make(map[string]*types.Order),
		byClient: make(map[string]string),
		bySymbol: make(map[types.Symbol]idSet),
		byStatus: make(map[types.OrderStatus]idSet),
		byVenue:  make(map[string]idSet),
		seq:      make(map[string]int64),
	}
}

func clientKey(venue, clientOrderID string) string {
	return venue + "\x00" + clientOrderID
}

// Upsert inserts a new order or replaces an existing one, moving it between
// index buckets when symbol, status, or venue changed.
func (m *Manager) Upsert(order types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byID[order.ID]; ok {
		m.removeFromIndexesLocked(prev)
	} else {
		m.nextSeq++
		m.seq[order.ID] = m.nextSeq
	}

	o := order
	m.byID[o.ID] = &o
	m.addToIndexesLocked(&o)
}

func (m *Manager) addToIndexesLocked(o *types.Order) {
	addTo(m.bySymbol, o.Symbol, o.ID)
	addTo(m.byStatus, o.Status, o.ID)
	addTo(m.byVenue, o.Venue, o.ID)
	if o.ClientOrderID != "" {
		m.byClient[clientKey(o.Venue, o.ClientOrderID)] = o.ID
	}
}

func (m *Manager) removeFromIndexesLocked(o *types.Order) {
	removeFrom(m.bySymbol, o.Symbol, o.ID)
	removeFrom(m.byStatus, o.Status, o.ID)
	removeFrom(m.byVenue, o.Venue, o.ID)
	if o.ClientOrderID != "" {
		delete(m.byClient, clientKey(o.Venue, o.ClientOrderID))
	}
}

func addTo[K comparable](idx map[K]idSet, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(idSet)
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](idx map[K]idSet, key K, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Get returns the order with the given id.
func (m *Manager) Get(id string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.byID[id]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// GetByClientOrderID resolves an order by its venue-scoped client order id.
func (m *Manager) GetByClientOrderID(venue, clientOrderID string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byClient[clientKey(venue, clientOrderID)]
	if !ok {
		return types.Order{}, false
	}
	return *m.byID[id], true
}

// List returns every order matching the filter in insertion order.
func (m *Manager) List(f Filter) []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Order, 0)
	for _, o := range m.byID {
		if f.matches(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

// Open returns orders with status NEW or PARTIALLY_FILLED, optionally
// narrowed by filter symbol/venue.
func (m *Manager) Open(f Filter) []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Order, 0)
	for _, status := range []types.OrderStatus{types.OrderStatusNew, types.OrderStatusPartiallyFilled} {
		for id := range m.byStatus[status] {
			o := m.byID[id]
			if f.matches(o) {
				out = append(out, *o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

// AverageFillPrice returns the volume-weighted average fill price across
// all orders for (symbol, side). The second return is false when nothing
// has filled.
func (m *Manager) AverageFillPrice(symbol types.Symbol, side types.Side) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	volume := decimal.Zero
	quote := decimal.Zero
	for id := range m.bySymbol[symbol] {
		o := m.byID[id]
		if o.Side != side || o.ExecutedQuantity.IsZero() {
			continue
		}
		volume = volume.Add(o.ExecutedQuantity)
		quote = quote.Add(o.CummulativeQuoteQuantity)
	}

	if volume.IsZero() {
		return decimal.Zero, false
	}
	return quote.Div(volume), true
}

// Stats computes derived statistics over the filtered set.
func (m *Manager) Stats(f Filter) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{ExecutedVolume: decimal.Zero, QuoteVolume: decimal.Zero}
	for _, o := range m.byID {
		if !f.matches(o) {
			continue
		}
		s.Total++
		switch {
		case o.Status.IsOpen():
			s.Open++
		case o.Status == types.OrderStatusFilled:
			s.Filled++
		case o.Status == types.OrderStatusCanceled:
			s.Cancelled++
		case o.Status == types.OrderStatusRejected:
			s.Rejected++
		}
		s.ExecutedVolume = s.ExecutedVolume.Add(o.ExecutedQuantity)
		s.QuoteVolume = s.QuoteVolume.Add(o.CummulativeQuoteQuantity)
	}
	return s
}

// CancelAll transitions every open order (optionally scoped to one symbol)
// to CANCELED in the local store and returns the affected ids. Venue-side
// cancellation is the caller's job.
func (m *Manager) CancelAll(symbol types.Symbol) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := make([]string, 0)
	for _, status := range []types.OrderStatus{types.OrderStatusNew, types.OrderStatusPartiallyFilled} {
		for id := range m.byStatus[status] {
			o := m.byID[id]
			if symbol != "" && o.Symbol != symbol {
				continue
			}
			m.removeFromIndexesLocked(o)
			o.Status = types.OrderStatusCanceled
			o.UpdateTime = time.Now()
			m.addToIndexesLocked(o)
			cancelled = append(cancelled, id)
		}
	}
	sort.Strings(cancelled)
	return cancelled
}
