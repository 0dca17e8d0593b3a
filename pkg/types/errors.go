package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for engine preconditions.
var (
	// ErrEngineNotReady is returned when an operation requires the engine
	// to be in the running state.
	ErrEngineNotReady = errors.New("engine is not running")

	// ErrNotConnected is returned by venue adapters when an operation
	// needs a live connection.
	ErrNotConnected = errors.New("venue not connected")
)

// InvalidOrderError reports a precision or bounds violation found before an
// order is sent. Field names the offending value; Offered and Required carry
// both sides of the comparison for diagnostics.
type InvalidOrderError struct {
	Field    string
	Offered  decimal.Decimal
	Required decimal.Decimal
	Reason   string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid order: %s %s (offered %s, required %s)",
		e.Field, e.Reason, e.Offered, e.Required)
}

// RiskRejectedError reports a risk-gate rejection. The order was not sent.
type RiskRejectedError struct {
	Limit  string // which limit rejected, e.g. "maxPositionSize"
	Reason string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("risk rejected: %s: %s", e.Limit, e.Reason)
}

// NotFoundError reports an unknown strategy, venue, or order.
type NotFoundError struct {
	Kind string // "strategy", "exchange", "order"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// DuplicateNameError reports an attempt to register a strategy or venue
// under a name that is already taken.
type DuplicateNameError struct {
	Kind string
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s already registered: %s", e.Kind, e.Name)
}
