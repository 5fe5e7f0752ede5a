package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bivex/entitlements/internal/domain/entity"
	"github.com/bivex/entitlements/internal/domain/repository"
)

// DebugInfo is the diagnostics snapshot exposed to support tooling
type DebugInfo struct {
	IsPro        bool   `json:"is_pro"`
	Reason       string `json:"reason"`
	ReceiptCount int    `json:"receipt_count"`
	LastError    string `json:"last_error,omitempty"`
	Connected    bool   `json:"connected"`
}

// ProState is the single reactive entry point for feature gates and UI: it
// composes the resolver, the purchase flow and pending-purchase tracking.
type ProState struct {
	mu       sync.Mutex
	store    repository.ReceiptStore
	resolver *EntitlementResolver
	flow     *PurchaseFlow
	client   PlatformClient
	logger   *zap.Logger

	restoreGroup singleflight.Group
	restoreErr   string
	connected    bool
}

// NewProState composes the facade and wires the already-owned restore hook
func NewProState(store repository.ReceiptStore, resolver *EntitlementResolver, flow *PurchaseFlow, client PlatformClient, logger *zap.Logger) *ProState {
	p := &ProState{
		store:     store,
		resolver:  resolver,
		flow:      flow,
		client:    client,
		logger:    logger,
		connected: true,
	}
	flow.SetRestoreHook(p.RestoreFromPlatform)
	return p
}

// IsProActive reports whether Pro features are currently allowed
func (p *ProState) IsProActive() bool {
	return p.resolver.Current().IsPro
}

// Entitlement returns the current entitlement decision
func (p *ProState) Entitlement() entity.Entitlement {
	return p.resolver.Current()
}

// Subscribe returns a stream of entitlement changes plus its cancel func
func (p *ProState) Subscribe() (<-chan entity.Entitlement, func()) {
	return p.resolver.Subscribe()
}

// PendingPurchases returns purchases awaiting external payment confirmation
func (p *ProState) PendingPurchases() map[string]entity.Receipt {
	return p.flow.PendingPurchases()
}

// SetConnected records the platform connectivity status. Losing the
// connection never changes entitlement.
func (p *ProState) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected != connected {
		p.logger.Info("platform connectivity changed", zap.Bool("connected", connected))
	}
	p.connected = connected
}

// RestoreFromPlatform re-queries every purchase the platform knows about,
// replays each through the event path and forces a resolver refresh.
// Concurrent calls collapse into a single in-flight sweep; once started the
// sweep runs to completion. A failed sweep records a recoverable error and
// leaves prior entitlement untouched.
func (p *ProState) RestoreFromPlatform(ctx context.Context) error {
	_, err, _ := p.restoreGroup.Do("restore", func() (interface{}, error) {
		receipts, err := p.client.QueryPurchases(ctx)
		if err != nil {
			p.setRestoreError(fmt.Errorf("query purchases: %w", err))
			return nil, fmt.Errorf("query purchases: %w", err)
		}

		for _, r := range receipts {
			if err := p.flow.HandleEvent(ctx, r); err != nil {
				p.logger.Warn("restore: skipping receipt",
					zap.String("token", r.PurchaseToken),
					zap.Error(err),
				)
			}
		}

		p.resolver.Refresh()
		p.clearRestoreError()
		p.logger.Info("restore completed", zap.Int("receipts", len(receipts)))
		return nil, nil
	})
	return err
}

// DebugInfo returns the diagnostics snapshot
func (p *ProState) DebugInfo() DebugInfo {
	ent := p.resolver.Current()

	p.mu.Lock()
	lastErr := p.restoreErr
	connected := p.connected
	p.mu.Unlock()

	if lastErr == "" {
		lastErr = p.flow.LastError()
	}

	return DebugInfo{
		IsPro:        ent.IsPro,
		Reason:       string(ent.Reason),
		ReceiptCount: p.store.Count(),
		LastError:    lastErr,
		Connected:    connected,
	}
}

func (p *ProState) setRestoreError(err error) {
	p.logger.Error("restore failed", zap.Error(err))
	sentry.CaptureException(err)

	p.mu.Lock()
	p.restoreErr = "restore failed, try again"
	p.mu.Unlock()
}

func (p *ProState) clearRestoreError() {
	p.mu.Lock()
	p.restoreErr = ""
	p.mu.Unlock()
}
