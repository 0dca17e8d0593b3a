// sync.go implements the background reconciliation service.
//
// Push channels can miss order updates (reconnects, venue hiccups), so the
// service periodically re-reads every open order from the external store,
// asks the owning venue for the authoritative state, and persists + emits
// change events for anything that moved. A last-known-status map suppresses
// duplicate status events when the push channel already delivered the same
// transition.
package orders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/events"
	"tradecore/pkg/types"
)

const (
	defaultSyncInterval = 5 * time.Second
	minSyncInterval     = time.Second
	defaultBatchSize    = 5
	maxErrorRecords     = 10
)

// Store is the slice of the external order store the sync service needs.
type Store interface {
	OpenOrders(ctx context.Context) ([]types.Order, error)
	UpdateOrder(ctx context.Context, order types.Order) error
}

// VenueQuerier answers authoritative order lookups for one venue.
type VenueQuerier interface {
	GetOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error)
}

// VenueResolver maps a venue name to its querier. Unknown venues return
// false and their orders are skipped for that tick.
type VenueResolver func(name string) (VenueQuerier, bool)

// SyncError is one failed per-order reconciliation, kept in a bounded ring.
type SyncError struct {
	OrderID string
	Venue   string
	Err     error
	Time    time.Time
}

// SyncStats is the read-only view of the service's counters.
type SyncStats struct {
	TotalSyncs      int64
	SuccessfulSyncs int64
	FailedSyncs     int64
	OrdersUpdated   int64
	LastSyncTime    time.Time
	RecentErrors    []SyncError
}

// SyncService reconciles open orders against venues on a fixed cadence.
type SyncService struct {
	store    Store
	resolve  VenueResolver
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration
	batch    int

	mu         sync.Mutex
	stats      SyncStats
	errorRing  []SyncError
	lastStatus map[string]types.OrderStatus // order id -> last status an event was emitted for
	syncNowCh  chan chan struct{}
}

// NewSyncService creates the service. A non-positive interval uses the
// 5 s default; anything below 1 s is clamped up to 1 s.
func NewSyncService(store Store, resolve VenueResolver, bus *events.Bus, logger *slog.Logger, interval time.Duration) *SyncService {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	if interval < minSyncInterval {
		interval = minSyncInterval
	}
	return &SyncService{
		store:      store,
		resolve:    resolve,
		bus:        bus,
		logger:     logger.With("component", "order_sync"),
		interval:   interval,
		batch:      defaultBatchSize,
		lastStatus: make(map[string]types.OrderStatus),
		syncNowCh:  make(chan chan struct{}, 1),
	}
}

// Run executes the reconciliation loop until ctx is cancelled.
func (s *SyncService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		case done := <-s.syncNowCh:
			s.syncOnce(ctx)
			close(done)
		}
	}
}

// SyncNow triggers an off-schedule pass and waits for it to finish. When
// the loop is not running, the pass executes inline.
func (s *SyncService) SyncNow(ctx context.Context) {
	done := make(chan struct{})
	select {
	case s.syncNowCh <- done:
		select {
		case <-done:
		case <-ctx.Done():
		}
	default:
		s.syncOnce(ctx)
	}
}

// Stats returns a copy of the counters and the recent-error ring.
func (s *SyncService) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.RecentErrors = make([]SyncError, len(s.errorRing))
	copy(out.RecentErrors, s.errorRing)
	return out
}

// syncOnce runs one full reconciliation pass.
func (s *SyncService) syncOnce(ctx context.Context) {
	s.mu.Lock()
	s.stats.TotalSyncs++
	s.mu.Unlock()

	open, err := s.store.OpenOrders(ctx)
	if err != nil {
		s.logger.Error("failed to read open orders", "error", err)
		s.recordFailure(SyncError{Err: err, Time: time.Now()})
		return
	}

	byVenue := make(map[string][]types.Order)
	for _, o := range open {
		byVenue[o.Venue] = append(byVenue[o.Venue], o)
	}

	updated := 0
	failed := false
	for venue, orders := range byVenue {
		querier, ok := s.resolve(venue)
		if !ok {
			s.logger.Warn("skipping orders for unknown venue", "exchange", venue, "count", len(orders))
			continue
		}
		for i := 0; i < len(orders); i += s.batch {
			end := i + s.batch
			if end > len(orders) {
				end = len(orders)
			}
			for _, order := range orders[i:end] {
				n, err := s.syncOrder(ctx, querier, order)
				if err != nil {
					failed = true
					s.recordFailure(SyncError{OrderID: order.ID, Venue: venue, Err: err, Time: time.Now()})
					continue
				}
				updated += n
			}
		}
	}

	s.mu.Lock()
	if failed {
		s.stats.FailedSyncs++
	} else {
		s.stats.SuccessfulSyncs++
	}
	s.stats.OrdersUpdated += int64(updated)
	s.stats.LastSyncTime = time.Now()
	s.mu.Unlock()
}

// syncOrder reconciles one order. Returns 1 if the order changed.
func (s *SyncService) syncOrder(ctx context.Context, querier VenueQuerier, prev types.Order) (int, error) {
	latest, err := querier.GetOrder(ctx, prev.Symbol, prev.ID, prev.ClientOrderID)
	if err != nil {
		return 0, err
	}

	changed := latest.Status != prev.Status ||
		!latest.ExecutedQuantity.Equal(prev.ExecutedQuantity) ||
		!latest.CummulativeQuoteQuantity.Equal(prev.CummulativeQuoteQuantity)
	if !changed {
		return 0, nil
	}

	merged := prev
	merged.Status = latest.Status
	if latest.ExecutedQuantity.GreaterThan(prev.ExecutedQuantity) {
		merged.ExecutedQuantity = latest.ExecutedQuantity
	}
	if latest.CummulativeQuoteQuantity.GreaterThan(prev.CummulativeQuoteQuantity) {
		merged.CummulativeQuoteQuantity = latest.CummulativeQuoteQuantity
	}
	if !latest.AveragePrice.IsZero() {
		merged.AveragePrice = latest.AveragePrice
	}
	merged.UpdateTime = time.Now()

	if err := s.store.UpdateOrder(ctx, merged); err != nil {
		return 0, err
	}

	s.emitStatusEvent(merged)

	s.logger.Debug("order reconciled",
		"order_id", merged.ID,
		"status", merged.Status,
		"executed", merged.ExecutedQuantity,
	)
	return 1, nil
}

// emitStatusEvent publishes at most one status event per (order, status)
// pair. The push path may already have announced the same transition; the
// last-known-status map makes this pipeline at-most-once downstream.
func (s *SyncService) emitStatusEvent(order types.Order) {
	s.mu.Lock()
	last, seen := s.lastStatus[order.ID]
	if seen && last == order.Status {
		s.mu.Unlock()
		return
	}
	s.lastStatus[order.ID] = order.Status
	s.mu.Unlock()

	switch order.Status {
	case types.OrderStatusFilled:
		s.bus.EmitOrderFilled(order)
	case types.OrderStatusPartiallyFilled:
		s.bus.EmitOrderPartiallyFilled(order)
	case types.OrderStatusCanceled:
		s.bus.EmitOrderCancelled(order)
	case types.OrderStatusRejected:
		s.bus.EmitOrderRejected(order)
	case types.OrderStatusExpired:
		s.bus.EmitOrderExpired(order)
	}
}

// NoteStatus records a status observed on the push path so a later sync
// tick will not re-emit the same transition.
func (s *SyncService) NoteStatus(orderID string, status types.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus[orderID] = status
}

func (s *SyncService) recordFailure(e SyncError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorRing = append(s.errorRing, e)
	if len(s.errorRing) > maxErrorRecords {
		s.errorRing = s.errorRing[len(s.errorRing)-maxErrorRecords:]
	}
}
