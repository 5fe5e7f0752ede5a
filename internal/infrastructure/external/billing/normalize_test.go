package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/bivex/entitlements/internal/domain/errors"
	"github.com/bivex/entitlements/internal/domain/valueobject"
	"github.com/bivex/entitlements/internal/infrastructure/external/billing"
)

func TestNormalize(t *testing.T) {
	t.Run("full event maps every field", func(t *testing.T) {
		raw := billing.Event{
			"purchase_token":             "tok-1",
			"product_id":                 "pro_yearly",
			"purchase_state":             "purchased",
			"purchase_time_millis":       int64(1767225600000),
			"acknowledged":               true,
			"auto_renewing":              true,
			"expiry_time_millis":         int64(1798761600000),
			"account_state":              "in_grace",
			"account_state_until_millis": int64(1799000000000),
			"source":                     "restore",
		}

		receipt, err := billing.Normalize(raw)
		require.NoError(t, err)

		assert.Equal(t, "tok-1", receipt.PurchaseToken)
		assert.Equal(t, "pro_yearly", receipt.ProductID)
		assert.Equal(t, valueobject.PurchaseStatePurchased, receipt.PurchaseState)
		assert.True(t, receipt.PurchaseTime.Equal(time.UnixMilli(1767225600000).UTC()))
		assert.True(t, receipt.Acknowledged)
		require.NotNil(t, receipt.AutoRenewing)
		assert.True(t, *receipt.AutoRenewing)
		require.NotNil(t, receipt.ExpiryTime)
		require.NotNil(t, receipt.AccountState)
		assert.Equal(t, valueobject.AccountStateInGrace, *receipt.AccountState)
		require.NotNil(t, receipt.AccountStateUntil)
		assert.Equal(t, valueobject.SourceRestore, receipt.Source)
	})

	t.Run("missing keys are an error", func(t *testing.T) {
		_, err := billing.Normalize(billing.Event{"product_id": "pro_yearly"})
		assert.ErrorIs(t, err, domainErrors.ErrInvalidReceipt)

		_, err = billing.Normalize(billing.Event{"purchase_token": "tok-1"})
		assert.ErrorIs(t, err, domainErrors.ErrInvalidReceipt)
	})

	t.Run("malformed optional fields degrade to absent", func(t *testing.T) {
		raw := billing.Event{
			"purchase_token":       "tok-1",
			"product_id":           "pro_yearly",
			"purchase_state":       "purchased",
			"purchase_time_millis": "not-a-number",
			"auto_renewing":        "yes",
			"expiry_time_millis":   []string{"nope"},
			"account_state":        "vacationing",
			"acknowledged":         1,
		}

		receipt, err := billing.Normalize(raw)
		require.NoError(t, err)

		assert.True(t, receipt.PurchaseTime.IsZero())
		assert.Nil(t, receipt.AutoRenewing)
		assert.Nil(t, receipt.ExpiryTime)
		assert.Nil(t, receipt.AccountState)
		assert.False(t, receipt.Acknowledged)
		assert.Equal(t, valueobject.SourceUnknown, receipt.Source)
	})

	t.Run("numeric purchase state codes are accepted", func(t *testing.T) {
		for code, want := range map[float64]valueobject.PurchaseState{
			0: valueobject.PurchaseStatePurchased,
			1: valueobject.PurchaseStateCancelled,
			2: valueobject.PurchaseStatePending,
			9: valueobject.PurchaseStateUnknown,
		} {
			receipt, err := billing.Normalize(billing.Event{
				"purchase_token": "tok-1",
				"product_id":     "pro_yearly",
				"purchase_state": code,
			})
			require.NoError(t, err)
			assert.Equal(t, want, receipt.PurchaseState)
		}
	})

	t.Run("json decoded floats parse as millis", func(t *testing.T) {
		receipt, err := billing.Normalize(billing.Event{
			"purchase_token":       "tok-1",
			"product_id":           "pro_yearly",
			"purchase_state":       "purchased",
			"purchase_time_millis": float64(1767225600000),
		})
		require.NoError(t, err)
		assert.True(t, receipt.PurchaseTime.Equal(time.UnixMilli(1767225600000).UTC()))
	})

	t.Run("account state until is ignored without a valid account state", func(t *testing.T) {
		receipt, err := billing.Normalize(billing.Event{
			"purchase_token":             "tok-1",
			"product_id":                 "pro_yearly",
			"purchase_state":             "purchased",
			"account_state_until_millis": int64(1799000000000),
		})
		require.NoError(t, err)
		assert.Nil(t, receipt.AccountState)
		assert.Nil(t, receipt.AccountStateUntil)
	})
}
