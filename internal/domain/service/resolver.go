package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bivex/entitlements/internal/domain/entity"
	"github.com/bivex/entitlements/internal/domain/repository"
	"github.com/bivex/entitlements/internal/domain/valueobject"
)

// stateRank orders effective states by favorability for candidate selection
func stateRank(reason entity.EntitlementReason) int {
	switch reason {
	case entity.ReasonActive:
		return 3
	case entity.ReasonGrace:
		return 2
	case entity.ReasonAwaitingRenewal:
		return 1
	default:
		return 0
	}
}

// effectiveState computes what a single receipt grants at the given instant.
// Returns the reason plus the time at which the grant lapses (nil when
// indefinite or already lapsed).
func effectiveState(r entity.Receipt, now time.Time) (entity.EntitlementReason, *time.Time) {
	// A paused account is revoked outright, regardless of expiry.
	if r.AccountStateIs(valueobject.AccountStatePaused) {
		return entity.ReasonRevoked, nil
	}

	if r.ExpiryTime == nil {
		// No period end known: indefinitely active (e.g. lifetime unlock).
		return entity.ReasonActive, nil
	}

	if now.Before(*r.ExpiryTime) {
		until := *r.ExpiryTime
		return entity.ReasonActive, &until
	}

	// Past expiry. An explicit auto_renewing=false wins over any stale grace
	// signal: the user chose not to renew, so there is nothing to retry.
	if r.AutoRenewing != nil && !*r.AutoRenewing {
		return entity.ReasonExpired, nil
	}

	if r.AccountStateIs(valueobject.AccountStateInGrace) &&
		r.AccountStateUntil != nil && now.Before(*r.AccountStateUntil) {
		until := *r.AccountStateUntil
		return entity.ReasonGrace, &until
	}

	if r.IsAutoRenewing() {
		// The platform has not confirmed the renewal yet; keep the user
		// entitled rather than punishing renewal-confirmation latency.
		return entity.ReasonAwaitingRenewal, nil
	}

	return entity.ReasonExpired, nil
}

// Resolve computes the entitlement granted by the receipt set at the given
// instant. It is pure: identical inputs always produce identical output.
// An empty proProducts set means every product counts as Pro.
func Resolve(receipts []entity.Receipt, proProducts map[string]bool, now time.Time) entity.Entitlement {
	var (
		found      bool
		best       entity.Receipt
		bestReason entity.EntitlementReason
		bestUntil  *time.Time
	)

	for _, r := range receipts {
		if len(proProducts) > 0 && !proProducts[r.ProductID] {
			continue
		}
		if !r.Acknowledged {
			continue
		}

		reason, until := effectiveState(r, now)
		if !found ||
			stateRank(reason) > stateRank(bestReason) ||
			(stateRank(reason) == stateRank(bestReason) && r.PurchaseTime.After(best.PurchaseTime)) {
			found = true
			best = r
			bestReason = reason
			bestUntil = until
		}
	}

	if !found {
		return entity.NoEntitlement()
	}

	isPro := bestReason == entity.ReasonActive ||
		bestReason == entity.ReasonGrace ||
		bestReason == entity.ReasonAwaitingRenewal

	return entity.Entitlement{
		IsPro:           isPro,
		Reason:          bestReason,
		Until:           bestUntil,
		ActiveProductID: best.ProductID,
	}
}

// subscriberBuffer bounds each subscriber channel; when full, the oldest
// queued value is dropped so the newest entitlement stays deliverable.
const subscriberBuffer = 8

// EntitlementResolver is the reactive wrapper around Resolve: it recomputes
// on demand, diffs against the previous decision and notifies subscribers
// only when the decision tuple actually changed.
type EntitlementResolver struct {
	mu          sync.Mutex
	store       repository.ReceiptStore
	proProducts map[string]bool
	current     entity.Entitlement
	subscribers map[uuid.UUID]chan entity.Entitlement
	logger      *zap.Logger
}

// NewEntitlementResolver creates a resolver over the given store
func NewEntitlementResolver(store repository.ReceiptStore, proProducts []string, logger *zap.Logger) *EntitlementResolver {
	products := make(map[string]bool, len(proProducts))
	for _, id := range proProducts {
		products[id] = true
	}
	return &EntitlementResolver{
		store:       store,
		proProducts: products,
		current:     entity.NoEntitlement(),
		subscribers: make(map[uuid.UUID]chan entity.Entitlement),
		logger:      logger,
	}
}

// IsProProduct reports whether the product id counts toward Pro. An empty
// configured set means every product counts.
func (r *EntitlementResolver) IsProProduct(productID string) bool {
	if len(r.proProducts) == 0 {
		return true
	}
	return r.proProducts[productID]
}

// Current returns the most recently computed entitlement
func (r *EntitlementResolver) Current() entity.Entitlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Refresh recomputes the entitlement at the present instant
func (r *EntitlementResolver) Refresh() entity.Entitlement {
	return r.RefreshAt(time.Now())
}

// RefreshAt recomputes the entitlement at the given instant, emitting a
// notification only when the decision tuple changed.
func (r *EntitlementResolver) RefreshAt(now time.Time) entity.Entitlement {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := Resolve(r.store.All(), r.proProducts, now)
	if next.Equal(r.current) {
		return r.current
	}

	r.logger.Info("entitlement changed",
		zap.Bool("is_pro", next.IsPro),
		zap.String("reason", string(next.Reason)),
		zap.String("product_id", next.ActiveProductID),
	)

	r.current = next
	for _, ch := range r.subscribers {
		publish(ch, next)
	}
	return next
}

// Subscribe registers a subscriber. The returned cancel func is idempotent;
// the channel is closed on cancel.
func (r *EntitlementResolver) Subscribe() (<-chan entity.Entitlement, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	ch := make(chan entity.Entitlement, subscriberBuffer)
	r.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers without blocking the resolver: if the subscriber is full,
// the oldest queued value is evicted so causal order is preserved and the
// newest decision always lands.
func publish(ch chan entity.Entitlement, e entity.Entitlement) {
	for {
		select {
		case ch <- e:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
