package symbols

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

type fakeInfoSource struct {
	calls int
	err   error
	info  types.SymbolInfo
}

func (s *fakeInfoSource) GetSymbolInfo(ctx context.Context, symbol types.Symbol) (*types.SymbolInfo, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	info := s.info
	info.Symbol = symbol
	return &info, nil
}

func testCache(src *fakeInfoSource) *Cache {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	resolve := func(name string) (InfoSource, bool) {
		if name == "binance" {
			return src, true
		}
		return nil, false
	}
	return NewCache(resolve, logger)
}

func btcInfo() types.SymbolInfo {
	return types.SymbolInfo{
		StepSize:    decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		Status:      "TRADING",
	}
}

func TestGetFetchesOnceWithinTTL(t *testing.T) {
	t.Parallel()
	src := &fakeInfoSource{info: btcInfo()}
	c := testCache(src)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		info, err := c.Get(ctx, "binance", "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		if info.Symbol != "BTC/USDT" {
			t.Errorf("symbol = %s", info.Symbol)
		}
	}

	if src.calls != 1 {
		t.Errorf("source fetched %d times within TTL, want 1", src.calls)
	}
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	t.Parallel()
	src := &fakeInfoSource{info: btcInfo()}
	c := testCache(src)

	base := time.Now()
	c.now = func() time.Time { return base }

	ctx := context.Background()
	if _, err := c.Get(ctx, "binance", "BTC/USDT"); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return base.Add(DefaultTTL + time.Minute) }
	if _, err := c.Get(ctx, "binance", "BTC/USDT"); err != nil {
		t.Fatal(err)
	}

	if src.calls != 2 {
		t.Errorf("source fetched %d times across TTL expiry, want 2", src.calls)
	}
}

func TestGetServesStaleOnRefreshFailure(t *testing.T) {
	t.Parallel()
	src := &fakeInfoSource{info: btcInfo()}
	c := testCache(src)

	base := time.Now()
	c.now = func() time.Time { return base }

	ctx := context.Background()
	if _, err := c.Get(ctx, "binance", "BTC/USDT"); err != nil {
		t.Fatal(err)
	}

	src.err = errors.New("venue down")
	c.now = func() time.Time { return base.Add(DefaultTTL + time.Minute) }

	info, err := c.Get(ctx, "binance", "BTC/USDT")
	if err != nil {
		t.Fatalf("stale value should be served, got error %v", err)
	}
	if !info.StepSize.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("stale info = %+v", info)
	}
}

func TestGetPropagatesErrorWithoutPriorValue(t *testing.T) {
	t.Parallel()
	src := &fakeInfoSource{err: errors.New("venue down")}
	c := testCache(src)

	if _, err := c.Get(context.Background(), "binance", "BTC/USDT"); err == nil {
		t.Fatal("first fetch failure must propagate")
	}
}

func TestGetUnknownVenue(t *testing.T) {
	t.Parallel()
	c := testCache(&fakeInfoSource{})

	_, err := c.Get(context.Background(), "kraken", "BTC/USDT")
	var notFound *types.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("unknown venue should return NotFoundError, got %v", err)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	t.Parallel()
	src := &fakeInfoSource{info: btcInfo()}
	c := testCache(src)

	ctx := context.Background()
	if _, err := c.Get(ctx, "binance", "BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("binance", "BTC/USDT")
	if _, err := c.Get(ctx, "binance", "BTC/USDT"); err != nil {
		t.Fatal(err)
	}

	if src.calls != 2 {
		t.Errorf("source fetched %d times after Invalidate, want 2", src.calls)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
