// Package store is the engine's crash-safe external data manager, backed by
// JSON files.
//
// Three record families are kept, one file per record:
//
//   - orders:      order_<venue>_<id>.json — every order the engine placed
//   - performance: perf_<strategyID>.json  — debounced strategy snapshots
//   - positions:   pos_<venue>.json        — last synced position set
//
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save. The engine
// persists orders as they change; the sync service reads the open set back
// on its cadence.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

// Store persists engine state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// writeAtomic writes to a .tmp file first, then renames over the target so
// the file is never left in a partial state.
func (s *Store) writeAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// sanitize keeps file names venue-safe: slashes in symbols or ids would
// otherwise escape the store directory.
func sanitize(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
}

func (s *Store) orderPath(venue, id string) string {
	return filepath.Join(s.dir, "order_"+sanitize(venue)+"_"+sanitize(id)+".json")
}

// UpdateOrder persists one order's latest state.
func (s *Store) UpdateOrder(ctx context.Context, order types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.orderPath(order.Venue, order.ID), order)
}

// GetOrder reads one persisted order. Returns nil, nil when absent.
func (s *Store) GetOrder(ctx context.Context, venue, id string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.orderPath(venue, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read order: %w", err)
	}

	var order types.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &order, nil
}

// OpenOrders returns every persisted order whose status is still open.
// Corrupt files are skipped; one bad record must not stall reconciliation.
func (s *Store) OpenOrders(ctx context.Context) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "order_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	open := make([]types.Order, 0)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var order types.Order
		if err := json.Unmarshal(data, &order); err != nil {
			continue
		}
		if order.Status.IsOpen() {
			open = append(open, order)
		}
	}
	return open, nil
}

// UpdateStrategyPerformance persists one strategy's performance snapshot.
func (s *Store) UpdateStrategyPerformance(ctx context.Context, strategyID int64, perf strategy.Performance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("perf_%d.json", strategyID))
	return s.writeAtomic(path, perf)
}

// GetStrategyPerformance reads a persisted snapshot. Returns nil, nil when
// the strategy has never been saved.
func (s *Store) GetStrategyPerformance(ctx context.Context, strategyID int64) (strategy.Performance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("perf_%d.json", strategyID))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read performance: %w", err)
	}

	var perf strategy.Performance
	if err := json.Unmarshal(data, &perf); err != nil {
		return nil, fmt.Errorf("unmarshal performance: %w", err)
	}
	return perf, nil
}

// SyncPositions replaces the persisted position set for one venue.
func (s *Store) SyncPositions(ctx context.Context, venue string, positions []types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "pos_"+sanitize(venue)+".json")
	return s.writeAtomic(path, positions)
}

// GetPositions reads the last synced position set for one venue. Returns
// nil, nil when the venue has never been synced.
func (s *Store) GetPositions(ctx context.Context, venue string) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "pos_"+sanitize(venue)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read positions: %w", err)
	}

	var positions []types.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("unmarshal positions: %w", err)
	}
	return positions, nil
}
