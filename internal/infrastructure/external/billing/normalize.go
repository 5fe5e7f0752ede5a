// Package billing is the platform boundary: raw, arbitrary-shaped purchase
// events are parsed into typed receipts here and nowhere else.
package billing

import (
	"encoding/json"
	"time"

	"github.com/bivex/entitlements/internal/domain/entity"
	domainErrors "github.com/bivex/entitlements/internal/domain/errors"
	"github.com/bivex/entitlements/internal/domain/valueobject"
)

// Event is one raw purchase event as delivered by the platform integration
type Event map[string]any

// Normalize turns a raw platform event into a typed Receipt. Malformed or
// missing optional fields degrade to their absent value; only a missing
// purchase token or product id is an error, since the receipt could not be
// keyed. Normalize never panics on any input shape.
func Normalize(raw Event) (entity.Receipt, error) {
	token := stringField(raw, "purchase_token")
	productID := stringField(raw, "product_id")
	if token == "" || productID == "" {
		return entity.Receipt{}, &domainErrors.InvalidReceiptError{Reason: "event missing purchase_token or product_id"}
	}

	receipt := entity.Receipt{
		PurchaseToken: token,
		ProductID:     productID,
		PurchaseState: purchaseStateField(raw),
		Acknowledged:  boolField(raw, "acknowledged"),
		Source:        valueobject.NewSource(stringField(raw, "source")),
	}

	if millis, ok := millisField(raw, "purchase_time_millis"); ok {
		receipt.PurchaseTime = millis
	}
	if millis, ok := millisField(raw, "expiry_time_millis"); ok {
		receipt.ExpiryTime = &millis
	}
	if v, ok := raw["auto_renewing"]; ok {
		if b, ok := v.(bool); ok {
			receipt.AutoRenewing = &b
		}
	}
	if state, err := valueobject.NewAccountState(stringField(raw, "account_state")); err == nil {
		receipt.AccountState = &state
		if millis, ok := millisField(raw, "account_state_until_millis"); ok {
			receipt.AccountStateUntil = &millis
		}
	}

	return receipt, nil
}

func stringField(raw Event, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolField(raw Event, key string) bool {
	if v, ok := raw[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// millisField reads an epoch-milliseconds value, tolerating the numeric types
// JSON decoding can produce
func millisField(raw Event, key string) (time.Time, bool) {
	v, ok := raw[key]
	if !ok {
		return time.Time{}, false
	}

	var millis int64
	switch n := v.(type) {
	case int64:
		millis = n
	case int:
		millis = int64(n)
	case float64:
		millis = int64(n)
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return time.Time{}, false
		}
		millis = parsed
	default:
		return time.Time{}, false
	}

	if millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}

// purchaseStateField accepts both the enum names and the platform's numeric
// codes (0 purchased, 1 cancelled, 2 pending); anything else is unknown.
func purchaseStateField(raw Event) valueobject.PurchaseState {
	v, ok := raw["purchase_state"]
	if !ok {
		return valueobject.PurchaseStateUnknown
	}

	switch s := v.(type) {
	case string:
		if state, err := valueobject.NewPurchaseState(s); err == nil {
			return state
		}
	case float64:
		return numericPurchaseState(int64(s))
	case int:
		return numericPurchaseState(int64(s))
	case int64:
		return numericPurchaseState(s)
	}
	return valueobject.PurchaseStateUnknown
}

func numericPurchaseState(code int64) valueobject.PurchaseState {
	switch code {
	case 0:
		return valueobject.PurchaseStatePurchased
	case 1:
		return valueobject.PurchaseStateCancelled
	case 2:
		return valueobject.PurchaseStatePending
	default:
		return valueobject.PurchaseStateUnknown
	}
}
