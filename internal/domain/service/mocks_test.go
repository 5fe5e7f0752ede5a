package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/bivex/entitlements/internal/domain/entity"
	domainErrors "github.com/bivex/entitlements/internal/domain/errors"
	"github.com/bivex/entitlements/internal/domain/service"
	"github.com/bivex/entitlements/internal/domain/valueobject"
)

// MockPlatformClient is a testify mock for the billing platform
type MockPlatformClient struct {
	mock.Mock
}

func NewMockPlatformClient() *MockPlatformClient {
	return &MockPlatformClient{}
}

func (m *MockPlatformClient) LaunchPurchase(ctx context.Context, productID string) error {
	args := m.Called(ctx, productID)
	return args.Error(0)
}

func (m *MockPlatformClient) QueryPurchases(ctx context.Context) ([]entity.Receipt, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.Receipt), args.Error(1)
}

func (m *MockPlatformClient) QueryProducts(ctx context.Context, productIDs []string) ([]service.ProductDetails, error) {
	args := m.Called(ctx, productIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]service.ProductDetails), args.Error(1)
}

func (m *MockPlatformClient) Acknowledge(ctx context.Context, productID, token string) error {
	args := m.Called(ctx, productID, token)
	return args.Error(0)
}

// memoryStore is an in-memory ReceiptStore honoring the save invariants
type memoryStore struct {
	mu       sync.Mutex
	receipts map[string]entity.Receipt // token → receipt
}

func newMemoryStore() *memoryStore {
	return &memoryStore{receipts: make(map[string]entity.Receipt)}
}

func (s *memoryStore) Save(receipt entity.Receipt) error {
	if !receipt.HasKeys() || !receipt.IsPurchased() {
		return &domainErrors.InvalidReceiptError{Reason: "rejected by test store"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[receipt.PurchaseToken] = receipt
	for token, existing := range s.receipts {
		if token == receipt.PurchaseToken {
			continue
		}
		if receipt.Supersedes(existing) {
			delete(s.receipts, token)
		} else if existing.Supersedes(receipt) {
			delete(s.receipts, receipt.PurchaseToken)
		}
	}
	return nil
}

func (s *memoryStore) Get(productID, token string) (entity.Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[token]
	if !ok || r.ProductID != productID {
		return entity.Receipt{}, false
	}
	return r, true
}

func (s *memoryStore) All() []entity.Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Receipt, 0, len(s.receipts))
	for _, r := range s.receipts {
		out = append(out, r)
	}
	return out
}

func (s *memoryStore) Remove(productID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[token]; ok && r.ProductID == productID {
		delete(s.receipts, token)
	}
}

func (s *memoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = make(map[string]entity.Receipt)
	return nil
}

func (s *memoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

// receipt builders

func purchasedReceipt(token, productID string, purchaseTime time.Time, acked bool) entity.Receipt {
	return entity.NewReceipt(token, productID, purchaseTime, acked, valueobject.SourcePurchase)
}

func withExpiry(r entity.Receipt, expiry time.Time) entity.Receipt {
	r.ExpiryTime = &expiry
	return r
}

func withAutoRenewing(r entity.Receipt, autoRenew bool) entity.Receipt {
	r.AutoRenewing = &autoRenew
	return r
}

func withAccountState(r entity.Receipt, state valueobject.AccountState, until time.Time) entity.Receipt {
	r.AccountState = &state
	r.AccountStateUntil = &until
	return r
}
