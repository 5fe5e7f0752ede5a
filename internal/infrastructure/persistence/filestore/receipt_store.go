// Package filestore persists receipts as a single JSON file with
// temp-write-then-atomic-rename semantics. The in-memory map is authoritative
// for the running process; disk failures are surfaced but never poison it.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/bivex/entitlements/internal/domain/entity"
	domainErrors "github.com/bivex/entitlements/internal/domain/errors"
)

const receiptsFilename = "receipts.json"

type receiptKey struct {
	productID string
	token     string
}

// ReceiptStore is the durable receipt repository backed by one JSON file
type ReceiptStore struct {
	mu      sync.Mutex
	dataDir string
	cache   map[receiptKey]entity.Receipt
	logger  *zap.Logger
}

// New creates the store and loads any previously persisted receipts. Load
// failures never fail initialization: a missing, unreadable or corrupt file
// yields an empty store, and individual records that fail to parse or violate
// the purchased-state invariant are dropped.
func New(dataDir string, logger *zap.Logger) *ReceiptStore {
	s := &ReceiptStore{
		dataDir: dataDir,
		cache:   make(map[receiptKey]entity.Receipt),
		logger:  logger,
	}
	s.load()
	return s
}

// Save persists a purchased receipt. An existing entry with the same purchase
// token is replaced, then per-product pruning keeps only the receipt with the
// greatest purchase time for that product.
func (s *ReceiptStore) Save(receipt entity.Receipt) error {
	if !receipt.HasKeys() {
		return &domainErrors.InvalidReceiptError{Reason: "missing product_id or purchase_token"}
	}
	if !receipt.IsPurchased() {
		return &domainErrors.InvalidReceiptError{Reason: fmt.Sprintf("purchase_state is %q, only purchased receipts are stored", receipt.PurchaseState)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Last write wins on identical token, under any product.
	for k := range s.cache {
		if k.token == receipt.PurchaseToken {
			delete(s.cache, k)
		}
	}
	s.cache[receiptKey{receipt.ProductID, receipt.PurchaseToken}] = receipt

	// A product has one meaningful purchase record at a time; drop the ones
	// superseded by a newer purchase time.
	for k, existing := range s.cache {
		if k.productID != receipt.ProductID || k.token == receipt.PurchaseToken {
			continue
		}
		if receipt.Supersedes(existing) {
			delete(s.cache, k)
		} else if existing.Supersedes(receipt) {
			delete(s.cache, receiptKey{receipt.ProductID, receipt.PurchaseToken})
		}
	}

	return s.persistLocked("save")
}

// Get returns the receipt for the given keys
func (s *ReceiptStore) Get(productID, token string) (entity.Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cache[receiptKey{productID, token}]
	return r, ok
}

// All returns a snapshot of every stored receipt, no live view
func (s *ReceiptStore) All() []entity.Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Receipt, 0, len(s.cache))
	for _, r := range s.cache {
		out = append(out, r)
	}
	return out
}

// Remove deletes one receipt; unknown keys are a no-op
func (s *ReceiptStore) Remove(productID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := receiptKey{productID, token}
	if _, ok := s.cache[k]; !ok {
		return
	}
	delete(s.cache, k)

	if err := s.persistLocked("remove"); err != nil {
		s.logger.Warn("failed to persist after remove", zap.Error(err))
	}
}

// Clear deletes every receipt
func (s *ReceiptStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[receiptKey]entity.Receipt)
	return s.persistLocked("clear")
}

// Count returns the number of stored receipts
func (s *ReceiptStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// persistLocked writes the cache to disk atomically: marshal, write to a temp
// file, then rename over the canonical path. A crash between the two steps
// leaves the previous canonical file intact. Callers hold s.mu.
func (s *ReceiptStore) persistLocked(op string) error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return &domainErrors.StoreIOError{Op: op, Err: err}
	}

	receipts := make([]entity.Receipt, 0, len(s.cache))
	for _, r := range s.cache {
		receipts = append(receipts, r)
	}

	data, err := json.MarshalIndent(receipts, "", "  ")
	if err != nil {
		return &domainErrors.StoreIOError{Op: op, Err: err}
	}

	path := filepath.Join(s.dataDir, receiptsFilename)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return &domainErrors.StoreIOError{Op: op, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if removeErr := os.Remove(tmpPath); removeErr != nil && !os.IsNotExist(removeErr) {
			err = errors.Join(err, removeErr)
		}
		return &domainErrors.StoreIOError{Op: op, Err: err}
	}

	return nil
}

func (s *ReceiptStore) load() {
	path := filepath.Join(s.dataDir, receiptsFilename)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read receipts file, starting empty", zap.Error(err))
		}
		return
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		s.logger.Warn("failed to parse receipts file, starting empty", zap.Error(err))
		return
	}

	// Decode record by record so one malformed entry cannot take its valid
	// siblings down with it.
	dropped := 0
	for _, raw := range raws {
		var r entity.Receipt
		if err := json.Unmarshal(raw, &r); err != nil {
			dropped++
			continue
		}
		if !r.HasKeys() || !r.IsPurchased() {
			dropped++
			continue
		}
		s.cache[receiptKey{r.ProductID, r.PurchaseToken}] = r
	}

	s.logger.Debug("loaded receipts",
		zap.Int("count", len(s.cache)),
		zap.Int("dropped", dropped),
		zap.String("file", path),
	)
}
