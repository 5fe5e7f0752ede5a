package entity

import (
	"time"
)

type EntitlementReason string

const (
	ReasonNone            EntitlementReason = "none"
	ReasonActive          EntitlementReason = "active"
	ReasonGrace           EntitlementReason = "grace"
	ReasonAwaitingRenewal EntitlementReason = "awaiting_renewal"
	ReasonExpired         EntitlementReason = "expired"
	ReasonRevoked         EntitlementReason = "revoked"
)

// Entitlement is the derived answer to "is this user allowed Pro features
// right now". It is a pure function of the receipt set and a point in time.
type Entitlement struct {
	IsPro           bool              `json:"is_pro"`
	Reason          EntitlementReason `json:"reason"`
	Until           *time.Time        `json:"until,omitempty"`
	ActiveProductID string            `json:"active_product_id,omitempty"`
}

// NoEntitlement is the zero decision: no acknowledged Pro receipt exists
func NoEntitlement() Entitlement {
	return Entitlement{IsPro: false, Reason: ReasonNone}
}

// Equal compares the full decision tuple. Notifications are only emitted when
// this returns false for the previous decision.
func (e Entitlement) Equal(other Entitlement) bool {
	if e.IsPro != other.IsPro || e.Reason != other.Reason || e.ActiveProductID != other.ActiveProductID {
		return false
	}
	if (e.Until == nil) != (other.Until == nil) {
		return false
	}
	if e.Until != nil && !e.Until.Equal(*other.Until) {
		return false
	}
	return true
}
