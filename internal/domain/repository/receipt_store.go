package repository

import (
	"github.com/bivex/entitlements/internal/domain/entity"
)

// ReceiptStore owns the durable mapping (product_id, purchase_token) → Receipt.
// It is the single writer of the on-disk representation; all other components
// read receipts only through this interface.
type ReceiptStore interface {
	// Save persists a purchased receipt. Same-token saves replace the existing
	// entry; after insertion only the newest receipt per product is retained.
	Save(receipt entity.Receipt) error

	// Get returns the receipt for the given keys, or false if absent
	Get(productID, token string) (entity.Receipt, bool)

	// All returns a snapshot of every stored receipt
	All() []entity.Receipt

	// Remove deletes one receipt; unknown keys are a no-op
	Remove(productID, token string)

	// Clear deletes every receipt (account reset, test teardown)
	Clear() error

	// Count returns the number of stored receipts
	Count() int
}
