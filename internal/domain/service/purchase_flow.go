package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bivex/entitlements/internal/domain/entity"
	domainErrors "github.com/bivex/entitlements/internal/domain/errors"
	"github.com/bivex/entitlements/internal/domain/repository"
	"github.com/bivex/entitlements/internal/domain/valueobject"
)

// PlatformClient is the billing platform as seen by this subsystem. The wire
// protocol behind it is owned by the platform; implementations normalize
// their responses into typed receipts before they cross this boundary.
type PlatformClient interface {
	// LaunchPurchase requests purchase initiation. The outcome arrives later
	// as a platform event, not as this call's return value.
	LaunchPurchase(ctx context.Context, productID string) error

	// QueryPurchases returns every purchase the platform currently knows about
	QueryPurchases(ctx context.Context) ([]entity.Receipt, error)

	// QueryProducts fetches catalog metadata for the given product ids
	QueryProducts(ctx context.Context, productIDs []string) ([]ProductDetails, error)

	// Acknowledge notifies the platform that the app accepted the purchase
	Acknowledge(ctx context.Context, productID, token string) error
}

// ProductDetails is cached catalog metadata used to enrich purchase events
type ProductDetails struct {
	ProductID string
	Title     string
	Price     string
	Currency  string
}

// PurchaseHandle identifies one purchase attempt
type PurchaseHandle struct {
	ID        uuid.UUID
	ProductID string
	StartedAt time.Time
}

// Guard is the cancellable timeout watching one purchase attempt. Cancel is
// idempotent: calling it after the timer fired, or twice, is a no-op.
type Guard struct {
	timer *time.Timer
	once  sync.Once
}

// Cancel stops the guard timer
func (g *Guard) Cancel() {
	g.once.Do(func() {
		if g.timer != nil {
			g.timer.Stop()
		}
	})
}

// FlowConfig tunes the purchase flow timeouts and the acknowledge retry policy
type FlowConfig struct {
	GuardTimeout   time.Duration
	AckBackoffBase time.Duration
	AckBackoffMax  time.Duration
	AckMaxRetries  uint64
}

func (c *FlowConfig) normalize() {
	if c.GuardTimeout <= 0 {
		c.GuardTimeout = 15 * time.Second
	}
	if c.AckBackoffBase <= 0 {
		c.AckBackoffBase = 200 * time.Millisecond
	}
	if c.AckBackoffMax <= 0 {
		c.AckBackoffMax = 5 * time.Second
	}
	if c.AckMaxRetries == 0 {
		c.AckMaxRetries = 6
	}
}

// PurchaseFlow orchestrates purchase initiation, timeout guards and
// idempotent acknowledgment against the billing platform. Platform events
// enter through HandleEvent in arrival order.
type PurchaseFlow struct {
	mu       sync.Mutex
	client   PlatformClient
	store    repository.ReceiptStore
	resolver *EntitlementResolver
	cfg      FlowConfig
	logger   *zap.Logger

	pending  map[string]entity.Receipt // productID → pending receipt
	guards   map[string]*Guard         // productID → outstanding guard
	acked    map[string]bool           // token → acknowledge started
	products map[string]ProductDetails // productID → warmed metadata
	lastErr  string

	restoreHook func(ctx context.Context) error
}

// NewPurchaseFlow creates a purchase flow controller
func NewPurchaseFlow(client PlatformClient, store repository.ReceiptStore, resolver *EntitlementResolver, cfg FlowConfig, logger *zap.Logger) *PurchaseFlow {
	cfg.normalize()
	return &PurchaseFlow{
		client:   client,
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]entity.Receipt),
		guards:   make(map[string]*Guard),
		acked:    make(map[string]bool),
		products: make(map[string]ProductDetails),
	}
}

// SetRestoreHook wires the restore pass triggered on "already owned"
func (f *PurchaseFlow) SetRestoreHook(hook func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreHook = hook
}

// StartPurchase requests purchase initiation from the platform. The terminal
// outcome arrives asynchronously through HandleEvent. When the platform
// reports the item as already owned, a restore pass is triggered and
// ErrAlreadyOwned is returned so callers can show "restoring" instead of a
// hard failure.
func (f *PurchaseFlow) StartPurchase(ctx context.Context, productID string) (*PurchaseHandle, error) {
	if !f.resolver.IsProProduct(productID) {
		return nil, fmt.Errorf("%w: %q", domainErrors.ErrUnknownProduct, productID)
	}

	if err := f.client.LaunchPurchase(ctx, productID); err != nil {
		if errors.Is(err, domainErrors.ErrAlreadyOwned) {
			f.logger.Info("item already owned, triggering restore", zap.String("product_id", productID))
			f.triggerRestore(ctx)
			return nil, domainErrors.ErrAlreadyOwned
		}
		f.recordError(err)
		return nil, fmt.Errorf("launch purchase for %q: %w", productID, err)
	}

	return &PurchaseHandle{
		ID:        uuid.New(),
		ProductID: productID,
		StartedAt: time.Now(),
	}, nil
}

// StartPurchaseWithGuard wraps StartPurchase with a non-failing timeout: if
// no terminal event arrives within the configured window, onTimeout fires so
// the caller can present a "still waiting" affordance. The purchase itself is
// not cancelled; the platform may still complete it later.
func (f *PurchaseFlow) StartPurchaseWithGuard(ctx context.Context, productID string, timeout time.Duration, onTimeout func()) (*PurchaseHandle, *Guard, error) {
	if timeout <= 0 {
		timeout = f.cfg.GuardTimeout
	}

	handle, err := f.StartPurchase(ctx, productID)
	if err != nil {
		return nil, nil, err
	}

	guard := &Guard{}
	guard.timer = time.AfterFunc(timeout, func() {
		f.logger.Warn("purchase still pending after guard timeout",
			zap.String("product_id", productID),
			zap.Duration("timeout", timeout),
		)
		if onTimeout != nil {
			onTimeout()
		}
	})

	f.mu.Lock()
	if prev, ok := f.guards[productID]; ok {
		prev.Cancel()
	}
	f.guards[productID] = guard
	f.mu.Unlock()

	return handle, guard, nil
}

// WarmProducts pre-fetches catalog metadata so later events can be enriched.
// No purchase side effects.
func (f *PurchaseFlow) WarmProducts(ctx context.Context, productIDs []string) error {
	details, err := f.client.QueryProducts(ctx, productIDs)
	if err != nil {
		f.recordError(err)
		return fmt.Errorf("query products: %w", err)
	}

	f.mu.Lock()
	for _, d := range details {
		f.products[d.ProductID] = d
	}
	f.mu.Unlock()
	return nil
}

// ProductDetails returns warmed catalog metadata, if any
func (f *PurchaseFlow) ProductDetails(productID string) (ProductDetails, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.products[productID]
	return d, ok
}

// PendingPurchases returns a snapshot of purchases awaiting external
// confirmation. These never reach the store and never grant entitlement.
func (f *PurchaseFlow) PendingPurchases() map[string]entity.Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]entity.Receipt, len(f.pending))
	for k, v := range f.pending {
		out[k] = v
	}
	return out
}

// LastError returns the most recent recoverable platform error, if any
func (f *PurchaseFlow) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// HandleEvent is the single entry point for normalized platform events.
// Events must be fed in the order received; same-product out-of-order
// delivery across tokens is tolerated because saves prune by purchase time.
func (f *PurchaseFlow) HandleEvent(ctx context.Context, receipt entity.Receipt) error {
	f.mu.Lock()
	if receipt.PurchaseState.IsTerminal() {
		if guard, ok := f.guards[receipt.ProductID]; ok {
			guard.Cancel()
			delete(f.guards, receipt.ProductID)
		}
		if pending, ok := f.pending[receipt.ProductID]; ok && pending.PurchaseToken == receipt.PurchaseToken {
			delete(f.pending, receipt.ProductID)
		}
	}
	f.mu.Unlock()

	switch receipt.PurchaseState {
	case valueobject.PurchaseStatePending:
		f.mu.Lock()
		f.pending[receipt.ProductID] = receipt
		f.mu.Unlock()
		f.logger.Info("purchase pending",
			zap.String("product_id", receipt.ProductID),
			zap.String("token", receipt.PurchaseToken),
		)
		return nil

	case valueobject.PurchaseStatePurchased:
		if err := f.store.Save(receipt); err != nil {
			f.recordError(err)
			return fmt.Errorf("save receipt %q: %w", receipt.PurchaseToken, err)
		}
		f.resolver.Refresh()
		if !receipt.Acknowledged {
			f.ensureAcknowledged(ctx, receipt)
		}
		return nil

	case valueobject.PurchaseStateCancelled:
		// A cancellation supersedes the stored purchase for that token.
		f.store.Remove(receipt.ProductID, receipt.PurchaseToken)
		f.resolver.Refresh()
		f.logger.Info("purchase cancelled",
			zap.String("product_id", receipt.ProductID),
			zap.String("token", receipt.PurchaseToken),
		)
		return nil

	default:
		f.logger.Debug("dropping event in unknown purchase state",
			zap.String("product_id", receipt.ProductID),
			zap.String("token", receipt.PurchaseToken),
		)
		return nil
	}
}

// ensureAcknowledged starts the exactly-once acknowledgment for a token.
// Retries use capped exponential backoff; failure is non-fatal to
// entitlement, so after the retry budget is spent the receipt is re-saved as
// acknowledged anyway rather than denying a paying user.
func (f *PurchaseFlow) ensureAcknowledged(ctx context.Context, receipt entity.Receipt) {
	f.mu.Lock()
	if f.acked[receipt.PurchaseToken] {
		f.mu.Unlock()
		return
	}
	f.acked[receipt.PurchaseToken] = true
	f.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go f.acknowledgeWithRetry(detached, receipt)
}

func (f *PurchaseFlow) acknowledgeWithRetry(ctx context.Context, receipt entity.Receipt) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.AckBackoffBase
	policy.MaxInterval = f.cfg.AckBackoffMax
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		return f.client.Acknowledge(ctx, receipt.ProductID, receipt.PurchaseToken)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, f.cfg.AckMaxRetries), ctx))

	if err != nil {
		f.logger.Warn("acknowledge failed after retries, keeping entitlement",
			zap.String("product_id", receipt.ProductID),
			zap.String("token", receipt.PurchaseToken),
			zap.Error(err),
		)
		f.recordError(fmt.Errorf("%w: %v", domainErrors.ErrAcknowledgeFailed, err))
	}

	// Mark acknowledged either way so the resolver counts the receipt; a
	// transient ack failure must not withhold access from a paying user.
	// Re-read the stored receipt rather than re-saving the captured one: a
	// superseding event may have replaced it while the retry ran.
	stored, ok := f.store.Get(receipt.ProductID, receipt.PurchaseToken)
	if !ok || stored.Acknowledged {
		return
	}
	if saveErr := f.store.Save(stored.WithAcknowledged(true)); saveErr != nil {
		f.recordError(saveErr)
		return
	}
	f.resolver.Refresh()
}

func (f *PurchaseFlow) triggerRestore(ctx context.Context) {
	f.mu.Lock()
	hook := f.restoreHook
	f.mu.Unlock()
	if hook == nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		if err := hook(detached); err != nil {
			f.logger.Warn("restore after already-owned failed", zap.Error(err))
		}
	}()
}

func (f *PurchaseFlow) recordError(err error) {
	f.mu.Lock()
	f.lastErr = err.Error()
	f.mu.Unlock()
}
