package valueobject

import (
	"errors"
)

var (
	ErrInvalidPurchaseState = errors.New("invalid purchase state")
)

type PurchaseState string

const (
	PurchaseStatePurchased PurchaseState = "purchased"
	PurchaseStatePending   PurchaseState = "pending"
	PurchaseStateCancelled PurchaseState = "cancelled"
	PurchaseStateUnknown   PurchaseState = "unknown"
)

// NewPurchaseState creates a new PurchaseState value object
func NewPurchaseState(state string) (PurchaseState, error) {
	s := PurchaseState(state)
	switch s {
	case PurchaseStatePurchased, PurchaseStatePending, PurchaseStateCancelled, PurchaseStateUnknown:
		return s, nil
	default:
		return "", ErrInvalidPurchaseState
	}
}

// String returns the string representation of the state
func (s PurchaseState) String() string {
	return string(s)
}

// IsTerminal returns true if no further platform event is expected for this purchase
func (s PurchaseState) IsTerminal() bool {
	return s == PurchaseStatePurchased || s == PurchaseStateCancelled
}
