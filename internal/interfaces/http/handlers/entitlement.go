package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainErrors "github.com/bivex/entitlements/internal/domain/errors"
	"github.com/bivex/entitlements/internal/domain/service"
	"github.com/bivex/entitlements/internal/infrastructure/external/billing"
	"github.com/bivex/entitlements/internal/interfaces/http/response"
)

// EntitlementHandler exposes the Pro state facade over HTTP: feature gates
// poll it, the paywall UI subscribes to it, and the device-side billing
// integration feeds platform events through it.
type EntitlementHandler struct {
	proState *service.ProState
	flow     *service.PurchaseFlow
	logger   *zap.Logger
}

// NewEntitlementHandler creates a new entitlement handler
func NewEntitlementHandler(proState *service.ProState, flow *service.PurchaseFlow, logger *zap.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		proState: proState,
		flow:     flow,
		logger:   logger,
	}
}

// RegisterRoutes registers all entitlement routes
func (h *EntitlementHandler) RegisterRoutes(router *gin.Engine) {
	pro := router.Group("/pro")
	{
		pro.GET("/active", h.GetActive)
		pro.GET("/entitlement", h.GetEntitlement)
		pro.GET("/debug", h.GetDebugInfo)
		pro.GET("/pending", h.GetPending)
		pro.GET("/stream", h.StreamEntitlement)
		pro.POST("/purchase", h.StartPurchase)
		pro.POST("/restore", h.Restore)
	}

	platform := router.Group("/billing")
	{
		platform.POST("/events", h.HandlePlatformEvent)
		platform.POST("/connectivity", h.SetConnectivity)
	}
}

// GetActive returns the boolean every feature gate polls
func (h *EntitlementHandler) GetActive(c *gin.Context) {
	response.OK(c, gin.H{"active": h.proState.IsProActive()})
}

// GetEntitlement returns the full entitlement decision
func (h *EntitlementHandler) GetEntitlement(c *gin.Context) {
	response.OK(c, h.proState.Entitlement())
}

// GetDebugInfo returns the diagnostics snapshot
func (h *EntitlementHandler) GetDebugInfo(c *gin.Context) {
	response.OK(c, h.proState.DebugInfo())
}

// GetPending returns purchases awaiting external confirmation
func (h *EntitlementHandler) GetPending(c *gin.Context) {
	response.OK(c, h.proState.PendingPurchases())
}

type startPurchaseRequest struct {
	ProductID string `json:"product_id" binding:"required"`
}

// StartPurchase initiates a guarded purchase attempt
func (h *EntitlementHandler) StartPurchase(c *gin.Context) {
	var req startPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "product_id is required")
		return
	}

	handle, _, err := h.flow.StartPurchaseWithGuard(c.Request.Context(), req.ProductID, 0, nil)
	if err != nil {
		if errors.Is(err, domainErrors.ErrUnknownProduct) {
			response.BadRequest(c, "unknown product id")
			return
		}
		if errors.Is(err, domainErrors.ErrAlreadyOwned) {
			response.Conflict(c, "already owned, restoring purchases")
			return
		}
		if errors.Is(err, domainErrors.ErrPlatformTimeout) || errors.Is(err, domainErrors.ErrPlatformUnavailable) {
			response.ServiceUnavailable(c, "billing platform unavailable, try again")
			return
		}
		response.InternalError(c, "failed to start purchase")
		return
	}

	response.Accepted(c, gin.H{
		"purchase_id": handle.ID.String(),
		"product_id":  handle.ProductID,
	})
}

// Restore triggers a restore sweep against the platform
func (h *EntitlementHandler) Restore(c *gin.Context) {
	if err := h.proState.RestoreFromPlatform(c.Request.Context()); err != nil {
		response.ServiceUnavailable(c, "restore failed, try again")
		return
	}
	response.OK(c, h.proState.Entitlement())
}

// StreamEntitlement pushes entitlement changes as server-sent events
func (h *EntitlementHandler) StreamEntitlement(c *gin.Context) {
	ch, cancel := h.proState.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	// Current state first so subscribers never start stale.
	c.SSEvent("entitlement", h.proState.Entitlement())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ent, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("entitlement", ent)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// HandlePlatformEvent accepts one raw billing platform event, normalizes it
// at this single boundary and feeds it to the purchase flow
func (h *EntitlementHandler) HandlePlatformEvent(c *gin.Context) {
	var raw billing.Event
	if err := c.ShouldBindJSON(&raw); err != nil {
		response.BadRequest(c, "malformed event payload")
		return
	}

	receipt, err := billing.Normalize(raw)
	if err != nil {
		response.BadRequest(c, "event missing purchase_token or product_id")
		return
	}

	if err := h.flow.HandleEvent(c.Request.Context(), receipt); err != nil {
		if errors.Is(err, domainErrors.ErrInvalidReceipt) {
			response.BadRequest(c, "invalid receipt")
			return
		}
		h.logger.Error("failed to handle platform event", zap.Error(err))
		response.InternalError(c, "failed to process event")
		return
	}

	c.Status(http.StatusNoContent)
}

type connectivityRequest struct {
	Connected bool `json:"connected"`
}

// SetConnectivity records the platform connectivity status
func (h *EntitlementHandler) SetConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "malformed payload")
		return
	}
	h.proState.SetConnected(req.Connected)
	c.Status(http.StatusNoContent)
}
