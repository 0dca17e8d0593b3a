// perf.go debounces strategy performance persistence: a burst of fills
// collapses into one write per strategy id, and engine stop force-flushes
// whatever is still pending.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradecore/internal/strategy"
)

const perfFlushDelay = 2 * time.Second

type pendingPerf struct {
	timer *time.Timer
	fetch func() strategy.Performance
}

type perfWriter struct {
	store  DataManager
	logger *slog.Logger
	delay  time.Duration

	mu      sync.Mutex
	pending map[int64]*pendingPerf
}

func newPerfWriter(store DataManager, logger *slog.Logger) *perfWriter {
	return &perfWriter{
		store:   store,
		logger:  logger.With("component", "performance"),
		delay:   perfFlushDelay,
		pending: make(map[int64]*pendingPerf),
	}
}

// Schedule arms (or re-arms) the debounced write for one strategy id. A
// later Schedule cancels the earlier pending write.
func (w *perfWriter) Schedule(strategyID int64, fetch func() strategy.Performance) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[strategyID]; ok {
		p.timer.Stop()
	}
	p := &pendingPerf{fetch: fetch}
	p.timer = time.AfterFunc(w.delay, func() { w.flush(strategyID) })
	w.pending[strategyID] = p
}

// FlushAll writes every pending snapshot immediately. Called on stop.
func (w *perfWriter) FlushAll() {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.pending))
	for id, p := range w.pending {
		p.timer.Stop()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		w.flush(id)
	}
}

// flush performs one write. Removing the entry under the lock makes the
// timer callback and FlushAll idempotent against each other.
func (w *perfWriter) flush(strategyID int64) {
	w.mu.Lock()
	p, ok := w.pending[strategyID]
	delete(w.pending, strategyID)
	w.mu.Unlock()
	if !ok {
		return
	}

	perf := p.fetch()
	if perf == nil {
		return
	}
	if err := w.store.UpdateStrategyPerformance(context.Background(), strategyID, perf); err != nil {
		w.logger.Error("performance persist failed", "strategy_id", strategyID, "error", err)
		return
	}
	w.logger.Debug("performance persisted", "strategy_id", strategyID)
}
