package entity

import (
	"time"

	"github.com/bivex/entitlements/internal/domain/valueobject"
)

// Receipt is one normalized purchase record from the billing platform. It is
// treated as immutable: updates arrive as whole replacement values sharing the
// same purchase token, never as partial mutations.
type Receipt struct {
	PurchaseToken     string                    `json:"purchase_token"`
	ProductID         string                    `json:"product_id"`
	PurchaseState     valueobject.PurchaseState `json:"purchase_state"`
	PurchaseTime      time.Time                 `json:"purchase_time"`
	Acknowledged      bool                      `json:"acknowledged"`
	ExpiryTime        *time.Time                `json:"expiry_time,omitempty"`
	AutoRenewing      *bool                     `json:"auto_renewing,omitempty"`
	AccountState      *valueobject.AccountState `json:"account_state,omitempty"`
	AccountStateUntil *time.Time                `json:"account_state_until,omitempty"`
	Source            valueobject.Source        `json:"source"`
}

// NewReceipt creates a purchased receipt with the mandatory fields set
func NewReceipt(token, productID string, purchaseTime time.Time, acknowledged bool, source valueobject.Source) Receipt {
	return Receipt{
		PurchaseToken: token,
		ProductID:     productID,
		PurchaseState: valueobject.PurchaseStatePurchased,
		PurchaseTime:  purchaseTime,
		Acknowledged:  acknowledged,
		Source:        source,
	}
}

// IsPurchased returns true if the receipt is in the purchased state
func (r Receipt) IsPurchased() bool {
	return r.PurchaseState == valueobject.PurchaseStatePurchased
}

// HasKeys returns true if both identifying fields are present
func (r Receipt) HasKeys() bool {
	return r.PurchaseToken != "" && r.ProductID != ""
}

// WithAcknowledged returns a copy of the receipt with the acknowledged flag set
func (r Receipt) WithAcknowledged(acked bool) Receipt {
	r.Acknowledged = acked
	return r
}

// IsAutoRenewing reports the auto-renew flag, false when the platform did not send it
func (r Receipt) IsAutoRenewing() bool {
	return r.AutoRenewing != nil && *r.AutoRenewing
}

// AccountStateIs returns true if the receipt carries the given account state
func (r Receipt) AccountStateIs(state valueobject.AccountState) bool {
	return r.AccountState != nil && *r.AccountState == state
}

// Supersedes returns true if this receipt should replace other during
// per-product pruning: same product, strictly newer purchase time.
func (r Receipt) Supersedes(other Receipt) bool {
	return r.ProductID == other.ProductID && r.PurchaseTime.After(other.PurchaseTime)
}
