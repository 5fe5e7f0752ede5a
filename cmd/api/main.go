package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bivex/entitlements/internal/domain/service"
	"github.com/bivex/entitlements/internal/infrastructure/config"
	"github.com/bivex/entitlements/internal/infrastructure/external/billing"
	"github.com/bivex/entitlements/internal/infrastructure/logging"
	"github.com/bivex/entitlements/internal/infrastructure/persistence/filestore"
	app_handler "github.com/bivex/entitlements/internal/interfaces/http/handlers"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	if err := logging.Init(cfg.Sentry.Environment); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logging.Sync()

	logging.Logger.Info("Starting entitlement server",
		zap.Int("port", cfg.Server.Port),
		zap.String("environment", cfg.Sentry.Environment),
	)

	// Initialize Sentry
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     cfg.Sentry.Release,
		}); err != nil {
			logging.Logger.Fatal("Failed to initialize Sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()

	// Initialize receipt store
	store := filestore.New(cfg.Storage.DataDir, logging.WithComponent("filestore"))

	// Initialize resolver
	resolver := service.NewEntitlementResolver(store, cfg.Billing.ProProductIDs, logging.WithComponent("resolver"))
	resolver.Refresh()

	// Initialize platform client
	var client service.PlatformClient
	if cfg.Billing.ServiceAccountJSON != "" {
		google, err := billing.NewGoogleClient(ctx, cfg.Billing.PackageName,
			[]byte(cfg.Billing.ServiceAccountJSON), logging.WithComponent("billing"))
		if err != nil {
			logging.Logger.Fatal("Failed to create billing client", zap.Error(err))
		}
		for _, r := range store.All() {
			google.RegisterToken(r.ProductID, r.PurchaseToken)
		}
		client = google
	} else {
		logging.Logger.Warn("no billing credentials configured, running offline")
		client = billing.NewOfflineClient(logging.WithComponent("billing"))
	}

	// Initialize purchase flow and facade
	flow := service.NewPurchaseFlow(client, store, resolver, service.FlowConfig{
		GuardTimeout:   cfg.Billing.PurchaseTimeout,
		AckBackoffBase: cfg.Billing.AckBackoffBase,
		AckBackoffMax:  cfg.Billing.AckBackoffMax,
		AckMaxRetries:  cfg.Billing.AckMaxRetries,
	}, logging.WithComponent("purchase_flow"))
	proState := service.NewProState(store, resolver, flow, client, logging.WithComponent("pro_state"))

	// Warm product metadata; failures are recoverable, not fatal
	if err := flow.WarmProducts(ctx, cfg.Billing.ProProductIDs); err != nil {
		logging.Logger.Warn("product warm-up failed", zap.Error(err))
	}

	// Setup Gin router
	if cfg.Sentry.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		logging.RequestMiddleware(logging.Logger),
	)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	entitlementHandler := app_handler.NewEntitlementHandler(proState, flow, logging.WithComponent("http"))
	entitlementHandler.RegisterRoutes(router)

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	go func() {
		logging.Logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logging.Logger.Info("Server exited")
}
