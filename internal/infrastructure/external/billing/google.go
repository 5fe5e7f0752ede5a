package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/awa/go-iap/playstore"
	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"github.com/bivex/entitlements/internal/domain/entity"
	domainErrors "github.com/bivex/entitlements/internal/domain/errors"
	"github.com/bivex/entitlements/internal/domain/service"
)

// Play payment states
const (
	paymentStatePending  int64 = 0
	paymentStateDeferred int64 = 3
)

// GoogleClient implements service.PlatformClient on the Google Play Developer
// API. Purchase initiation itself happens on the device; this client covers
// the server-side half: re-verifying tokens, acknowledging and fetching
// catalog metadata.
type GoogleClient struct {
	packageName string
	play        *playstore.Client
	publisher   *androidpublisher.Service
	logger      *zap.Logger

	mu    sync.Mutex
	known map[string]string // purchase token → product id
}

// NewGoogleClient creates a Play-backed platform client from service account
// credentials
func NewGoogleClient(ctx context.Context, packageName string, serviceAccountJSON []byte, logger *zap.Logger) (*GoogleClient, error) {
	play, err := playstore.New(serviceAccountJSON)
	if err != nil {
		return nil, fmt.Errorf("create playstore client: %w", err)
	}

	publisher, err := androidpublisher.NewService(ctx, option.WithCredentialsJSON(serviceAccountJSON))
	if err != nil {
		return nil, fmt.Errorf("create android publisher service: %w", err)
	}

	return &GoogleClient{
		packageName: packageName,
		play:        play,
		publisher:   publisher,
		logger:      logger,
		known:       make(map[string]string),
	}, nil
}

// RegisterToken records a token so later restore sweeps can re-verify it.
// The Play API has no "list all purchases" call; the token registry is seeded
// from the store at boot and extended as events arrive.
func (c *GoogleClient) RegisterToken(productID, token string) {
	if productID == "" || token == "" {
		return
	}
	c.mu.Lock()
	c.known[token] = productID
	c.mu.Unlock()
}

// LaunchPurchase checks for an existing live purchase of the product; actual
// sheet presentation is driven by the device, whose outcome arrives as an
// event. An already-live purchase is reported as ErrAlreadyOwned so the
// caller resyncs instead of double-buying.
func (c *GoogleClient) LaunchPurchase(ctx context.Context, productID string) error {
	c.mu.Lock()
	tokens := make([]string, 0, len(c.known))
	for token, pid := range c.known {
		if pid == productID {
			tokens = append(tokens, token)
		}
	}
	c.mu.Unlock()

	for _, token := range tokens {
		sub, err := c.play.VerifySubscription(ctx, c.packageName, productID, token)
		if err != nil {
			return c.mapErr(err)
		}
		if sub.ExpiryTimeMillis > time.Now().UnixMilli() {
			return domainErrors.ErrAlreadyOwned
		}
	}
	return nil
}

// QueryPurchases re-verifies every known token and returns the normalized
// receipts. Tokens the platform no longer recognizes are skipped.
func (c *GoogleClient) QueryPurchases(ctx context.Context) ([]entity.Receipt, error) {
	c.mu.Lock()
	tokens := make(map[string]string, len(c.known))
	for token, pid := range c.known {
		tokens[token] = pid
	}
	c.mu.Unlock()

	receipts := make([]entity.Receipt, 0, len(tokens))
	for token, productID := range tokens {
		sub, err := c.play.VerifySubscription(ctx, c.packageName, productID, token)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, c.mapErr(err)
			}
			c.logger.Debug("token no longer verifiable, skipping",
				zap.String("product_id", productID),
				zap.Error(err),
			)
			continue
		}

		receipt, err := Normalize(subscriptionEvent(productID, token, sub))
		if err != nil {
			c.logger.Warn("dropping unnormalizable purchase", zap.Error(err))
			continue
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// QueryProducts fetches catalog metadata for the given product ids
func (c *GoogleClient) QueryProducts(ctx context.Context, productIDs []string) ([]service.ProductDetails, error) {
	details := make([]service.ProductDetails, 0, len(productIDs))
	for _, id := range productIDs {
		product, err := c.publisher.Inappproducts.Get(c.packageName, id).Context(ctx).Do()
		if err != nil {
			return nil, c.mapErr(err)
		}

		d := service.ProductDetails{ProductID: id}
		if listing, ok := product.Listings[product.DefaultLanguage]; ok {
			d.Title = listing.Title
		}
		if product.DefaultPrice != nil {
			d.Currency = product.DefaultPrice.Currency
			if micros, err := strconv.ParseInt(product.DefaultPrice.PriceMicros, 10, 64); err == nil {
				d.Price = strconv.FormatFloat(float64(micros)/1e6, 'f', 2, 64)
			}
		}
		details = append(details, d)
	}
	return details, nil
}

// Acknowledge notifies Play that the app accepted the purchase
func (c *GoogleClient) Acknowledge(ctx context.Context, productID, token string) error {
	err := c.play.AcknowledgeSubscription(ctx, c.packageName, productID, token,
		&androidpublisher.SubscriptionPurchasesAcknowledgeRequest{})
	if err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *GoogleClient) mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domainErrors.ErrPlatformTimeout, err)
	}
	return fmt.Errorf("%w: %v", domainErrors.ErrPlatformUnavailable, err)
}

// subscriptionEvent maps a Play SubscriptionPurchase into the raw event shape
// consumed by Normalize. Interpretation of the payment and pause fields
// follows the platform's documented semantics: a nil payment state means the
// subscription is cancelled or expired, a pending payment past expiry is the
// grace window, and a set auto-resume time means the account is paused.
func subscriptionEvent(productID, token string, sub *androidpublisher.SubscriptionPurchase) Event {
	raw := Event{
		"purchase_token":       token,
		"product_id":           productID,
		"purchase_state":       "purchased",
		"purchase_time_millis": sub.StartTimeMillis,
		"acknowledged":         sub.AcknowledgementState == 1,
		"auto_renewing":        sub.AutoRenewing,
		"source":               "restore",
	}

	if sub.ExpiryTimeMillis > 0 {
		raw["expiry_time_millis"] = sub.ExpiryTimeMillis
	}

	switch {
	case sub.AutoResumeTimeMillis > 0:
		raw["account_state"] = "paused"
		raw["account_state_until_millis"] = sub.AutoResumeTimeMillis
	case sub.PaymentState != nil && (*sub.PaymentState == paymentStatePending || *sub.PaymentState == paymentStateDeferred):
		if sub.AutoRenewing {
			raw["account_state"] = "in_grace"
			raw["account_state_until_millis"] = sub.ExpiryTimeMillis
		}
	}

	return raw
}
