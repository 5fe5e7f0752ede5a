package billing

import (
	"context"

	"go.uber.org/zap"

	"github.com/bivex/entitlements/internal/domain/entity"
	"github.com/bivex/entitlements/internal/domain/service"
)

// OfflineClient is the platform client used when no Play credentials are
// configured: purchases cannot be launched or acknowledged against the real
// platform, but the event path, the store and the resolver work normally.
type OfflineClient struct {
	logger *zap.Logger
}

// NewOfflineClient creates a credential-less platform client
func NewOfflineClient(logger *zap.Logger) *OfflineClient {
	return &OfflineClient{logger: logger}
}

func (c *OfflineClient) LaunchPurchase(ctx context.Context, productID string) error {
	c.logger.Debug("offline client: purchase initiation delegated to device", zap.String("product_id", productID))
	return nil
}

func (c *OfflineClient) QueryPurchases(ctx context.Context) ([]entity.Receipt, error) {
	return nil, nil
}

func (c *OfflineClient) QueryProducts(ctx context.Context, productIDs []string) ([]service.ProductDetails, error) {
	details := make([]service.ProductDetails, 0, len(productIDs))
	for _, id := range productIDs {
		details = append(details, service.ProductDetails{ProductID: id, Title: id})
	}
	return details, nil
}

func (c *OfflineClient) Acknowledge(ctx context.Context, productID, token string) error {
	return nil
}
