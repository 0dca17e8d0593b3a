package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSymbolPerpetual(t *testing.T) {
	t.Parallel()

	if Symbol("BTC/USDT").IsPerpetual() {
		t.Error("spot symbol reported as perpetual")
	}
	if !Symbol("BTC/USDT:USDT").IsPerpetual() {
		t.Error("perpetual symbol not detected")
	}
}

func TestSymbolParts(t *testing.T) {
	t.Parallel()

	s := Symbol("ETH/USDC:USDC")
	if got := s.Base(); got != "ETH" {
		t.Errorf("Base() = %q, want ETH", got)
	}
	if got := s.Quote(); got != "USDC" {
		t.Errorf("Quote() = %q, want USDC", got)
	}
}

func TestOrderStatusClasses(t *testing.T) {
	t.Parallel()

	for _, s := range []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled} {
		if !s.IsOpen() || s.IsTerminal() {
			t.Errorf("%s should be open and non-terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired} {
		if s.IsOpen() || !s.IsTerminal() {
			t.Errorf("%s should be terminal and not open", s)
		}
	}
}

func TestOrderGateKeyPrefersClientOrderID(t *testing.T) {
	t.Parallel()

	o := Order{ID: "venue-1", ClientOrderID: "s421700000000000"}
	if got := o.GateKey(); got != "s421700000000000" {
		t.Errorf("GateKey() = %q, want clientOrderId", got)
	}
	o.ClientOrderID = ""
	if got := o.GateKey(); got != "venue-1" {
		t.Errorf("GateKey() = %q, want venue id", got)
	}
}

func TestNewBalanceTotal(t *testing.T) {
	t.Parallel()

	b := NewBalance("USDT", decimal.NewFromInt(70), decimal.NewFromInt(30))
	if !b.Total.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Total = %s, want 100", b.Total)
	}
}
