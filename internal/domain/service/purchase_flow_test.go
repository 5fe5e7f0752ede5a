package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainErrors "github.com/bivex/entitlements/internal/domain/errors"
	"github.com/bivex/entitlements/internal/domain/service"
	"github.com/bivex/entitlements/internal/domain/valueobject"
)

func newTestFlow(t *testing.T, client service.PlatformClient) (*service.PurchaseFlow, *memoryStore, *service.EntitlementResolver) {
	t.Helper()
	store := newMemoryStore()
	resolver := service.NewEntitlementResolver(store, []string{"pro_monthly", "pro_yearly"}, zap.NewNop())
	flow := service.NewPurchaseFlow(client, store, resolver, service.FlowConfig{
		AckBackoffBase: time.Millisecond,
		AckBackoffMax:  2 * time.Millisecond,
		AckMaxRetries:  2,
	}, zap.NewNop())
	return flow, store, resolver
}

func TestPurchaseFlowEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("pending event is tracked but never stored", func(t *testing.T) {
		flow, store, resolver := newTestFlow(t, NewMockPlatformClient())

		pending := purchasedReceipt("tok-1", "pro_monthly", now, false)
		pending.PurchaseState = valueobject.PurchaseStatePending

		require.NoError(t, flow.HandleEvent(ctx, pending))

		assert.Equal(t, 0, store.Count())
		assert.False(t, resolver.Current().IsPro)
		assert.Contains(t, flow.PendingPurchases(), "pro_monthly")
	})

	t.Run("terminal event clears the pending entry for the same token", func(t *testing.T) {
		client := NewMockPlatformClient()
		flow, store, _ := newTestFlow(t, client)

		pending := purchasedReceipt("tok-1", "pro_monthly", now, false)
		pending.PurchaseState = valueobject.PurchaseStatePending
		require.NoError(t, flow.HandleEvent(ctx, pending))

		require.NoError(t, flow.HandleEvent(ctx, purchasedReceipt("tok-1", "pro_monthly", now, true)))

		assert.Empty(t, flow.PendingPurchases())
		assert.Equal(t, 1, store.Count())
	})

	t.Run("purchased event saves and recomputes entitlement", func(t *testing.T) {
		flow, store, resolver := newTestFlow(t, NewMockPlatformClient())

		require.NoError(t, flow.HandleEvent(ctx, purchasedReceipt("tok-1", "pro_yearly", now, true)))

		assert.Equal(t, 1, store.Count())
		assert.True(t, resolver.Current().IsPro)
	})

	t.Run("cancelled event removes the superseded receipt and downgrades", func(t *testing.T) {
		flow, store, resolver := newTestFlow(t, NewMockPlatformClient())

		require.NoError(t, flow.HandleEvent(ctx, purchasedReceipt("tok-1", "pro_yearly", now, true)))
		require.True(t, resolver.Current().IsPro)

		cancelled := purchasedReceipt("tok-1", "pro_yearly", now, true)
		cancelled.PurchaseState = valueobject.PurchaseStateCancelled
		require.NoError(t, flow.HandleEvent(ctx, cancelled))

		assert.Equal(t, 0, store.Count())
		assert.False(t, resolver.Current().IsPro)
	})

	t.Run("unknown state events are dropped", func(t *testing.T) {
		flow, store, _ := newTestFlow(t, NewMockPlatformClient())

		unknown := purchasedReceipt("tok-1", "pro_yearly", now, true)
		unknown.PurchaseState = valueobject.PurchaseStateUnknown
		require.NoError(t, flow.HandleEvent(ctx, unknown))

		assert.Equal(t, 0, store.Count())
	})
}

func TestPurchaseFlowAcknowledge(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("unacknowledged purchase is acknowledged exactly once", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("Acknowledge", mock.Anything, "pro_yearly", "tok-1").Return(nil).Once()
		flow, store, _ := newTestFlow(t, client)

		receipt := purchasedReceipt("tok-1", "pro_yearly", now, false)
		require.NoError(t, flow.HandleEvent(ctx, receipt))
		// Duplicate delivery of the same event must not acknowledge again.
		require.NoError(t, flow.HandleEvent(ctx, receipt))

		require.Eventually(t, func() bool {
			stored, ok := store.Get("pro_yearly", "tok-1")
			return ok && stored.Acknowledged
		}, time.Second, 5*time.Millisecond)

		client.AssertNumberOfCalls(t, "Acknowledge", 1)
	})

	t.Run("renewal arriving during the acknowledge retry is not rolled back", func(t *testing.T) {
		client := NewMockPlatformClient()
		release := make(chan struct{})
		client.On("Acknowledge", mock.Anything, "pro_yearly", "tok-1").Run(func(mock.Arguments) {
			<-release
		}).Return(nil)
		flow, store, _ := newTestFlow(t, client)

		firstExpiry := now.Add(24 * time.Hour)
		require.NoError(t, flow.HandleEvent(ctx, withExpiry(purchasedReceipt("tok-1", "pro_yearly", now, false), firstExpiry)))

		// Already-acknowledged renewal for the same token lands while the
		// acknowledge call is still blocked.
		renewedExpiry := now.Add(30 * 24 * time.Hour)
		require.NoError(t, flow.HandleEvent(ctx, withExpiry(purchasedReceipt("tok-1", "pro_yearly", now, true), renewedExpiry)))

		close(release)
		time.Sleep(50 * time.Millisecond)

		stored, ok := store.Get("pro_yearly", "tok-1")
		require.True(t, ok)
		assert.True(t, stored.Acknowledged)
		require.NotNil(t, stored.ExpiryTime)
		assert.True(t, stored.ExpiryTime.Equal(renewedExpiry), "renewal expiry must survive the ack retry")
	})

	t.Run("exhausted acknowledge retries still grant entitlement", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("Acknowledge", mock.Anything, "pro_yearly", "tok-1").Return(errors.New("platform down"))
		flow, store, resolver := newTestFlow(t, client)

		require.NoError(t, flow.HandleEvent(ctx, purchasedReceipt("tok-1", "pro_yearly", now, false)))

		require.Eventually(t, func() bool {
			stored, ok := store.Get("pro_yearly", "tok-1")
			return ok && stored.Acknowledged
		}, time.Second, 5*time.Millisecond)

		assert.True(t, resolver.Current().IsPro)
		assert.Contains(t, flow.LastError(), "acknowledgment failed")
	})
}

func TestPurchaseFlowGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("guard fires when no terminal event arrives", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("LaunchPurchase", mock.Anything, "pro_monthly").Return(nil)
		flow, _, _ := newTestFlow(t, client)

		var fired atomic.Bool
		_, guard, err := flow.StartPurchaseWithGuard(ctx, "pro_monthly", 10*time.Millisecond, func() {
			fired.Store(true)
		})
		require.NoError(t, err)
		require.NotNil(t, guard)

		require.Eventually(t, func() bool { return fired.Load() }, time.Second, 5*time.Millisecond)
	})

	t.Run("terminal event cancels the guard before it fires", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("LaunchPurchase", mock.Anything, "pro_monthly").Return(nil)
		flow, _, _ := newTestFlow(t, client)

		var fired atomic.Bool
		_, _, err := flow.StartPurchaseWithGuard(ctx, "pro_monthly", 50*time.Millisecond, func() {
			fired.Store(true)
		})
		require.NoError(t, err)

		require.NoError(t, flow.HandleEvent(ctx, purchasedReceipt("tok-1", "pro_monthly", now, true)))

		time.Sleep(100 * time.Millisecond)
		assert.False(t, fired.Load())
	})

	t.Run("guard cancel is idempotent", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("LaunchPurchase", mock.Anything, "pro_monthly").Return(nil)
		flow, _, _ := newTestFlow(t, client)

		_, guard, err := flow.StartPurchaseWithGuard(ctx, "pro_monthly", time.Minute, nil)
		require.NoError(t, err)

		guard.Cancel()
		guard.Cancel()
	})
}

func TestPurchaseFlowStart(t *testing.T) {
	ctx := context.Background()

	t.Run("returns a handle for the product", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("LaunchPurchase", mock.Anything, "pro_monthly").Return(nil)
		flow, _, _ := newTestFlow(t, client)

		handle, err := flow.StartPurchase(ctx, "pro_monthly")
		require.NoError(t, err)
		assert.Equal(t, "pro_monthly", handle.ProductID)
		assert.NotEmpty(t, handle.ID)
	})

	t.Run("product outside the pro set is rejected before launch", func(t *testing.T) {
		client := NewMockPlatformClient()
		flow, _, _ := newTestFlow(t, client)

		_, err := flow.StartPurchase(ctx, "coin_pack_small")
		assert.ErrorIs(t, err, domainErrors.ErrUnknownProduct)
		client.AssertNotCalled(t, "LaunchPurchase", mock.Anything, mock.Anything)
	})

	t.Run("already owned triggers the restore hook", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("LaunchPurchase", mock.Anything, "pro_monthly").Return(domainErrors.ErrAlreadyOwned)
		flow, _, _ := newTestFlow(t, client)

		restored := make(chan struct{})
		flow.SetRestoreHook(func(ctx context.Context) error {
			close(restored)
			return nil
		})

		_, err := flow.StartPurchase(ctx, "pro_monthly")
		assert.ErrorIs(t, err, domainErrors.ErrAlreadyOwned)

		select {
		case <-restored:
		case <-time.After(time.Second):
			t.Fatal("restore hook was not triggered")
		}
	})

	t.Run("platform failure is recorded and wrapped", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("LaunchPurchase", mock.Anything, "pro_monthly").Return(domainErrors.ErrPlatformUnavailable)
		flow, _, _ := newTestFlow(t, client)

		_, err := flow.StartPurchase(ctx, "pro_monthly")
		assert.ErrorIs(t, err, domainErrors.ErrPlatformUnavailable)
		assert.NotEmpty(t, flow.LastError())
	})
}

func TestPurchaseFlowWarmProducts(t *testing.T) {
	ctx := context.Background()

	t.Run("caches product details", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("QueryProducts", mock.Anything, []string{"pro_monthly"}).Return([]service.ProductDetails{
			{ProductID: "pro_monthly", Title: "Pro Monthly", Price: "4.99", Currency: "USD"},
		}, nil)
		flow, _, _ := newTestFlow(t, client)

		require.NoError(t, flow.WarmProducts(ctx, []string{"pro_monthly"}))

		details, ok := flow.ProductDetails("pro_monthly")
		require.True(t, ok)
		assert.Equal(t, "Pro Monthly", details.Title)
	})

	t.Run("query failure is surfaced", func(t *testing.T) {
		client := NewMockPlatformClient()
		client.On("QueryProducts", mock.Anything, mock.Anything).Return(nil, domainErrors.ErrPlatformTimeout)
		flow, _, _ := newTestFlow(t, client)

		err := flow.WarmProducts(ctx, []string{"pro_monthly"})
		assert.ErrorIs(t, err, domainErrors.ErrPlatformTimeout)
	})
}
